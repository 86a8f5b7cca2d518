// Package search implements the IMAP SEARCH grammar (RFC 3501/9051 §6.4.4):
// a tokeniser and recursive-descent parser producing an expression tree,
// and an evaluator that matches the tree against one message at a time.
package search

import (
	"fmt"
	"time"

	"gumdrop/internal/messageset"
)

// Expr is one node of a parsed search expression. Key selects the variant;
// the operand fields are populated per key. Sibling criteria at the top
// level are wrapped in an implicit AND.
type Expr struct {
	Key      string
	Children []Expr

	Value string          // substring or keyword operand
	Field string          // HEADER field name
	Date  time.Time       // calendar date operand, midnight UTC
	Num   int64           // LARGER / SMALLER operand
	Set   *messageset.Set // SEQSET / UID operand
}

// ParseError is a descriptive parse failure carrying the byte offset of the
// offending token in the original input.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("search parse error at %d: %s", e.Pos, e.Msg)
}

func parseErrorf(pos int, format string, args ...interface{}) error {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
