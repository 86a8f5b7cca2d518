package mailbox

import "strings"

// Attr is a mailbox attribute from the closed vocabulary of RFC 9051 §7.3.1
// plus the special-use tags of RFC 6154.
type Attr string

const (
	AttrNoinferiors   Attr = `\Noinferiors`
	AttrNoselect      Attr = `\Noselect`
	AttrMarked        Attr = `\Marked`
	AttrUnmarked      Attr = `\Unmarked`
	AttrHasChildren   Attr = `\HasChildren`
	AttrHasNoChildren Attr = `\HasNoChildren`
	AttrSubscribed    Attr = `\Subscribed`
	AttrNonExistent   Attr = `\NonExistent`
	AttrRemote        Attr = `\Remote`

	AttrAll       Attr = `\All`
	AttrArchive   Attr = `\Archive`
	AttrDrafts    Attr = `\Drafts`
	AttrFlagged   Attr = `\Flagged`
	AttrImportant Attr = `\Important`
	AttrJunk      Attr = `\Junk`
	AttrSent      Attr = `\Sent`
	AttrTrash     Attr = `\Trash`
)

// SpecialUse returns the conventional special-use attribute for a top-level
// mailbox name, or "" when the name carries none.
func SpecialUse(name string) Attr {
	switch strings.ToLower(name) {
	case "drafts":
		return AttrDrafts
	case "sent", "sent items":
		return AttrSent
	case "trash", "deleted items":
		return AttrTrash
	case "junk", "spam":
		return AttrJunk
	case "archive":
		return AttrArchive
	}
	return ""
}

// AttrSet is an ordered set of attributes.
type AttrSet []Attr

func (s AttrSet) Has(a Attr) bool {
	for _, x := range s {
		if x == a {
			return true
		}
	}
	return false
}

// With returns s with a appended if absent. HasChildren and HasNoChildren
// are mutually exclusive; adding one removes the other.
func (s AttrSet) With(a Attr) AttrSet {
	if s.Has(a) {
		return s
	}
	switch a {
	case AttrHasChildren:
		s = s.without(AttrHasNoChildren)
	case AttrHasNoChildren:
		s = s.without(AttrHasChildren)
	}
	return append(s, a)
}

func (s AttrSet) without(a Attr) AttrSet {
	out := s[:0]
	for _, x := range s {
		if x != a {
			out = append(out, x)
		}
	}
	return out
}

func (s AttrSet) String() string {
	parts := make([]string, len(s))
	for i, a := range s {
		parts[i] = string(a)
	}
	return strings.Join(parts, " ")
}
