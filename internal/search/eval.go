package search

import (
	"strings"
	"time"
)

// Message is the view of one message the evaluator consumes. Accessors that
// would need a parse of the underlying bytes may be lazy; the evaluator
// never mutates the message.
type Message interface {
	SeqNum() uint32
	UID() uint32
	Size() int64
	// Flag reports a wire-form flag such as `\Seen`.
	Flag(name string) bool
	// Keyword reports a user-defined keyword, compared case-sensitively.
	Keyword(kw string) bool
	InternalDate() time.Time
	// Headers returns every value of a repeated header in message order,
	// or nil if absent.
	Headers(name string) []string
	// SentDate reports the parsed Date header; ok is false when the
	// header is missing or unparseable.
	SentDate() (date time.Time, ok bool)
	// BodyText is the concatenated decoded text of all text/* parts.
	BodyText() string
	// FullText is the header block plus BodyText.
	FullText() string
}

// Matcher evaluates a parsed expression. LastSeq and LastUID resolve "*"
// in sequence sets against the current mailbox state.
type Matcher struct {
	Expr    *Expr
	LastSeq uint32
	LastUID uint32
}

// Match reports whether msg satisfies the expression. A criterion that
// references unavailable data evaluates to false, never to an error.
func (m *Matcher) Match(msg Message) bool {
	return m.match(msg, m.Expr)
}

func (m *Matcher) match(msg Message, e *Expr) bool {
	switch e.Key {
	case "AND":
		for i := range e.Children {
			if !m.match(msg, &e.Children[i]) {
				return false
			}
		}
		return true
	case "OR":
		for i := range e.Children {
			if m.match(msg, &e.Children[i]) {
				return true
			}
		}
		return false
	case "NOT":
		if len(e.Children) != 1 {
			return false // malformed tree, avoid panic
		}
		return !m.match(msg, &e.Children[0])

	case "ALL":
		return true

	case "SEQSET":
		return e.Set.Contains(msg.SeqNum(), m.LastSeq)
	case "UID":
		return e.Set.Contains(msg.UID(), m.LastUID)

	case "ANSWERED":
		return msg.Flag(`\Answered`)
	case "UNANSWERED":
		return !msg.Flag(`\Answered`)
	case "DELETED":
		return msg.Flag(`\Deleted`)
	case "UNDELETED":
		return !msg.Flag(`\Deleted`)
	case "DRAFT":
		return msg.Flag(`\Draft`)
	case "UNDRAFT":
		return !msg.Flag(`\Draft`)
	case "FLAGGED":
		return msg.Flag(`\Flagged`)
	case "UNFLAGGED":
		return !msg.Flag(`\Flagged`)
	case "SEEN":
		return msg.Flag(`\Seen`)
	case "UNSEEN":
		return !msg.Flag(`\Seen`)
	case "RECENT":
		return msg.Flag(`\Recent`)
	case "NEW": // equivalent to (RECENT UNSEEN)
		return msg.Flag(`\Recent`) && !msg.Flag(`\Seen`)
	case "OLD":
		return !msg.Flag(`\Recent`)

	case "KEYWORD":
		return msg.Keyword(e.Value)
	case "UNKEYWORD":
		return !msg.Keyword(e.Value)

	case "FROM":
		return anyContainsFold(msg.Headers("From"), e.Value)
	case "TO":
		return anyContainsFold(msg.Headers("To"), e.Value)
	case "CC":
		return anyContainsFold(msg.Headers("Cc"), e.Value)
	case "BCC":
		return anyContainsFold(msg.Headers("Bcc"), e.Value)
	case "SUBJECT":
		return anyContainsFold(msg.Headers("Subject"), e.Value)
	case "HEADER":
		return anyContainsFold(msg.Headers(e.Field), e.Value)

	case "BODY":
		return containsFold(msg.BodyText(), e.Value)
	case "TEXT":
		return containsFold(msg.FullText(), e.Value)

	case "LARGER":
		return msg.Size() > e.Num
	case "SMALLER":
		return msg.Size() < e.Num

	// Internal-date comparisons use the calendar date in local time.
	case "BEFORE":
		return calendarDate(msg.InternalDate()).Before(e.Date)
	case "ON":
		return calendarDate(msg.InternalDate()).Equal(e.Date)
	case "SINCE":
		return !calendarDate(msg.InternalDate()).Before(e.Date)

	// Sent-date comparisons use the calendar date in the message's own
	// time zone; a missing Date header never matches.
	case "SENTBEFORE":
		sent, ok := msg.SentDate()
		return ok && calendarDate(sent).Before(e.Date)
	case "SENTON":
		sent, ok := msg.SentDate()
		return ok && calendarDate(sent).Equal(e.Date)
	case "SENTSINCE":
		sent, ok := msg.SentDate()
		return ok && !calendarDate(sent).Before(e.Date)
	}

	return false
}

// calendarDate truncates t to its calendar date in its own location,
// re-expressed at midnight UTC so dates compare as plain days.
func calendarDate(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// anyContainsFold matches against every value of a repeated header.
func anyContainsFold(haystacks []string, needle string) bool {
	for _, h := range haystacks {
		if containsFold(h, needle) {
			return true
		}
	}
	return false
}
