// Package messageset implements the IMAP message-set grammar shared by
// sequence-number and UID operands:
//
//	set   := range ("," range)*
//	range := value [":" value]
//	value := positive-integer | "*"
package messageset

import (
	"fmt"
	"strconv"
	"strings"
)

// star is the internal representation of "*". Legal values are >= 1, so
// zero is free to carry the wildcard.
const star = uint32(0)

// Range is one comma-separated element of a set. Start or Stop equal to
// zero means "*" in that position.
type Range struct {
	Start uint32
	Stop  uint32
}

// Set is a parsed message set. Ranges keep their declaration order; overlaps
// are permitted and must be tolerated by evaluators.
type Set struct {
	Ranges []Range
}

// Parse parses the set grammar. It fails on empty input, an empty segment
// between commas, zero, or any token that is neither a positive integer
// nor "*".
func Parse(s string) (*Set, error) {
	if s == "" {
		return nil, fmt.Errorf("empty message set")
	}

	parts := strings.Split(s, ",")
	set := &Set{Ranges: make([]Range, 0, len(parts))}

	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty range in message set %q", s)
		}
		var r Range
		if colon := strings.IndexByte(part, ':'); colon < 0 {
			v, err := parseValue(part)
			if err != nil {
				return nil, err
			}
			r = Range{Start: v, Stop: v}
		} else {
			start, err := parseValue(part[:colon])
			if err != nil {
				return nil, err
			}
			stop, err := parseValue(part[colon+1:])
			if err != nil {
				return nil, err
			}
			r = Range{Start: start, Stop: stop}
		}
		set.Ranges = append(set.Ranges, r)
	}

	return set, nil
}

func parseValue(s string) (uint32, error) {
	if s == "*" {
		return star, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message set value %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("message set values must be >= 1")
	}
	return uint32(n), nil
}

// Contains reports whether n is in the set. last supplies the value
// substituted for "*"; literal values exceeding last simply fail to match,
// never error.
func (s *Set) Contains(n, last uint32) bool {
	for _, r := range s.Ranges {
		if r.contains(n, last) {
			return true
		}
	}
	return false
}

func (r Range) contains(n, last uint32) bool {
	start, stop := r.Start, r.Stop
	if start == star {
		start = last
	}
	if stop == star {
		stop = last
	}
	if start > stop {
		start, stop = stop, start
	}
	return n >= start && n <= stop
}

// Wildcard reports whether the set contains "*" anywhere.
func (s *Set) Wildcard() bool {
	for _, r := range s.Ranges {
		if r.Start == star || r.Stop == star {
			return true
		}
	}
	return false
}

// String returns the IMAP form. Reversed literal ranges are normalised to
// low:high, so String is a fixed point: Parse(s).String() == s for any s
// String has produced.
func (s *Set) String() string {
	parts := make([]string, len(s.Ranges))
	for i, r := range s.Ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

func (r Range) String() string {
	start, stop := r.Start, r.Stop
	if start != star && stop != star && start > stop {
		start, stop = stop, start
	}
	if start == stop {
		return formatValue(start)
	}
	return formatValue(start) + ":" + formatValue(stop)
}

func formatValue(v uint32) string {
	if v == star {
		return "*"
	}
	return strconv.FormatUint(uint64(v), 10)
}
