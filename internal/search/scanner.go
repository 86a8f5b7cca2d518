package search

import "strings"

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenAtom
	tokenString // quoted string, escapes resolved
	tokenListStart
	tokenListEnd
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

// scanner splits a search program into atoms, quoted strings and
// parentheses. Atoms are case-preserving; keyword recognition upcases
// later so operands keep their case.
type scanner struct {
	input string
	pos   int
}

func (s *scanner) next() (token, error) {
	for s.pos < len(s.input) && (s.input[s.pos] == ' ' || s.input[s.pos] == '\t') {
		s.pos++
	}
	if s.pos >= len(s.input) {
		return token{kind: tokenEOF, pos: s.pos}, nil
	}

	start := s.pos
	switch c := s.input[s.pos]; c {
	case '(':
		s.pos++
		return token{kind: tokenListStart, pos: start}, nil
	case ')':
		s.pos++
		return token{kind: tokenListEnd, pos: start}, nil
	case '"':
		return s.quoted()
	default:
		for s.pos < len(s.input) {
			c := s.input[s.pos]
			if c == ' ' || c == '\t' || c == '(' || c == ')' {
				break
			}
			s.pos++
		}
		return token{kind: tokenAtom, val: s.input[start:s.pos], pos: start}, nil
	}
}

func (s *scanner) quoted() (token, error) {
	start := s.pos
	s.pos++ // opening quote
	var sb strings.Builder
	for s.pos < len(s.input) {
		c := s.input[s.pos]
		switch c {
		case '\\':
			if s.pos+1 >= len(s.input) {
				return token{}, parseErrorf(start, "unterminated quoted string")
			}
			next := s.input[s.pos+1]
			if next != '"' && next != '\\' {
				return token{}, parseErrorf(s.pos, "invalid escape \\%c in quoted string", next)
			}
			sb.WriteByte(next)
			s.pos += 2
		case '"':
			s.pos++
			return token{kind: tokenString, val: sb.String(), pos: start}, nil
		default:
			sb.WriteByte(c)
			s.pos++
		}
	}
	return token{}, parseErrorf(start, "unterminated quoted string")
}
