package search

import (
	"strconv"
	"strings"
	"time"

	"gumdrop/internal/messageset"
)

// Parse parses a complete search program. Top-level juxtaposition is
// conjunctive: multiple criteria are wrapped in an AND node; a single
// criterion is returned directly.
func Parse(input string) (*Expr, error) {
	p := &parser{sc: scanner{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokenEOF {
		return nil, parseErrorf(p.tok.pos, "empty search expression")
	}

	root := Expr{Key: "AND"}
	for p.tok.kind != tokenEOF {
		child, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, *child)
	}
	if len(root.Children) == 1 {
		return &root.Children[0], nil
	}
	return &root, nil
}

type parser struct {
	sc  scanner
	tok token
}

func (p *parser) advance() error {
	tok, err := p.sc.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

// operand consumes and returns a string operand (atom or quoted string).
func (p *parser) operand(key string) (string, int, error) {
	if p.tok.kind != tokenAtom && p.tok.kind != tokenString {
		return "", 0, parseErrorf(p.tok.pos, "%s missing operand", key)
	}
	val, pos := p.tok.val, p.tok.pos
	return val, pos, p.advance()
}

// parseKey parses one search criterion starting at the current token and
// leaves the scanner on the following token.
func (p *parser) parseKey() (*Expr, error) {
	switch p.tok.kind {
	case tokenListStart:
		return p.parseGroup()
	case tokenListEnd:
		return nil, parseErrorf(p.tok.pos, "unbalanced parenthesis")
	case tokenString:
		return nil, parseErrorf(p.tok.pos, "quoted string %q is not a search key", p.tok.val)
	}

	atom := p.tok.val
	pos := p.tok.pos
	key := strings.ToUpper(atom)

	// A bare sequence-set is a criterion of its own.
	if isSequenceSet(atom) {
		set, err := messageset.Parse(atom)
		if err != nil {
			return nil, parseErrorf(pos, "invalid sequence set %q", atom)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Expr{Key: "SEQSET", Set: set}, nil
	}

	if err := p.advance(); err != nil {
		return nil, err
	}

	switch key {
	case "ALL",
		"ANSWERED", "UNANSWERED", "DELETED", "UNDELETED", "DRAFT", "UNDRAFT",
		"FLAGGED", "UNFLAGGED", "SEEN", "UNSEEN", "NEW", "OLD", "RECENT":
		return &Expr{Key: key}, nil

	case "FROM", "TO", "CC", "BCC", "SUBJECT", "BODY", "TEXT":
		val, _, err := p.operand(key)
		if err != nil {
			return nil, err
		}
		return &Expr{Key: key, Value: val}, nil

	case "KEYWORD", "UNKEYWORD":
		val, _, err := p.operand(key)
		if err != nil {
			return nil, err
		}
		return &Expr{Key: key, Value: val}, nil

	case "HEADER":
		field, _, err := p.operand("HEADER field")
		if err != nil {
			return nil, err
		}
		val, _, err := p.operand("HEADER value")
		if err != nil {
			return nil, err
		}
		return &Expr{Key: key, Field: field, Value: val}, nil

	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		val, valPos, err := p.operand(key)
		if err != nil {
			return nil, err
		}
		date, err := parseDate(val)
		if err != nil {
			return nil, parseErrorf(valPos, "%s: malformed date %q", key, val)
		}
		return &Expr{Key: key, Date: date}, nil

	case "LARGER", "SMALLER":
		val, valPos, err := p.operand(key)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			return nil, parseErrorf(valPos, "%s: invalid number %q", key, val)
		}
		return &Expr{Key: key, Num: n}, nil

	case "NOT":
		if p.tok.kind == tokenEOF {
			return nil, parseErrorf(p.tok.pos, "NOT missing criterion")
		}
		child, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		return &Expr{Key: key, Children: []Expr{*child}}, nil

	case "OR":
		if p.tok.kind == tokenEOF {
			return nil, parseErrorf(p.tok.pos, "OR missing first criterion")
		}
		first, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		if p.tok.kind == tokenEOF {
			return nil, parseErrorf(p.tok.pos, "OR missing second criterion")
		}
		second, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		return &Expr{Key: key, Children: []Expr{*first, *second}}, nil

	case "UID":
		if p.tok.kind != tokenAtom || !isSequenceSet(p.tok.val) {
			return nil, parseErrorf(p.tok.pos, "UID missing sequence set")
		}
		set, err := messageset.Parse(p.tok.val)
		if err != nil {
			return nil, parseErrorf(p.tok.pos, "invalid sequence set %q", p.tok.val)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Expr{Key: key, Set: set}, nil
	}

	return nil, parseErrorf(pos, "unknown search key %q", atom)
}

// parseGroup parses a parenthesised criterion list as an AND node.
func (p *parser) parseGroup() (*Expr, error) {
	openPos := p.tok.pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	group := Expr{Key: "AND"}
	for {
		if p.tok.kind == tokenEOF {
			return nil, parseErrorf(openPos, "unbalanced parenthesis")
		}
		if p.tok.kind == tokenListEnd {
			if err := p.advance(); err != nil {
				return nil, err
			}
			break
		}
		child, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		group.Children = append(group.Children, *child)
	}
	if len(group.Children) == 0 {
		return nil, parseErrorf(openPos, "empty criterion list")
	}
	if len(group.Children) == 1 {
		return &group.Children[0], nil
	}
	return &group, nil
}

// isSequenceSet reports whether an atom is shaped like a message set:
// digits, '*', ':' and ',' only, starting with a digit or '*'.
func isSequenceSet(s string) bool {
	if s == "" {
		return false
	}
	if !(s[0] >= '0' && s[0] <= '9') && s[0] != '*' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '*' || c == ':' || c == ',' {
			continue
		}
		return false
	}
	return true
}

// parseDate parses the IMAP search date form d[d]-Mon-YYYY with an English
// three-letter month, returning midnight UTC of that calendar date.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse("2-Jan-2006", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
