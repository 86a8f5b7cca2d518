package mailbox

import (
	"fmt"
	"sort"
	"strings"
)

// Flag is one of the six closed-vocabulary message states. Recent is
// per-session and read-only to clients; the other five are permanent.
type Flag uint8

const (
	FlagSeen Flag = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

// PermanentFlags are the flags a store may persist across sessions.
const PermanentFlags = FlagSet(FlagSeen | FlagAnswered | FlagFlagged | FlagDeleted | FlagDraft)

// FlagSet is a set of Flags.
type FlagSet uint8

func (s FlagSet) Has(f Flag) bool      { return s&FlagSet(f) != 0 }
func (s FlagSet) With(f Flag) FlagSet  { return s | FlagSet(f) }
func (s FlagSet) Without(f Flag) FlagSet { return s &^ FlagSet(f) }

// Union returns s with every flag of o added.
func (s FlagSet) Union(o FlagSet) FlagSet { return s | o }

// Minus returns s with every flag of o removed.
func (s FlagSet) Minus(o FlagSet) FlagSet { return s &^ o }

var flagNames = map[Flag]string{
	FlagSeen:     `\Seen`,
	FlagAnswered: `\Answered`,
	FlagFlagged:  `\Flagged`,
	FlagDeleted:  `\Deleted`,
	FlagDraft:    `\Draft`,
	FlagRecent:   `\Recent`,
}

// allFlags lists the flags in wire-output order.
var allFlags = []Flag{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, FlagRecent}

// String returns the wire form, e.g. `\Seen`.
func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf(`\Unknown(%d)`, uint8(f))
}

// ParseFlag parses a wire-form flag, case-insensitively, with or without
// the leading backslash.
func ParseFlag(s string) (Flag, error) {
	name := strings.TrimPrefix(s, `\`)
	switch strings.ToLower(name) {
	case "seen":
		return FlagSeen, nil
	case "answered":
		return FlagAnswered, nil
	case "flagged":
		return FlagFlagged, nil
	case "deleted":
		return FlagDeleted, nil
	case "draft":
		return FlagDraft, nil
	case "recent":
		return FlagRecent, nil
	}
	return 0, fmt.Errorf("unknown flag %q", s)
}

// Flags returns the individual flags present in the set.
func (s FlagSet) Flags() []Flag {
	var out []Flag
	for _, f := range allFlags {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// Strings returns the wire forms of every flag in the set.
func (s FlagSet) Strings() []string {
	var out []string
	for _, f := range s.Flags() {
		out = append(out, f.String())
	}
	return out
}

// String renders the set as a space-separated flag list.
func (s FlagSet) String() string {
	return strings.Join(s.Strings(), " ")
}

// ParseFlagSet parses a space-separated list of wire-form flags.
func ParseFlagSet(s string) (FlagSet, error) {
	var set FlagSet
	for _, field := range strings.Fields(s) {
		f, err := ParseFlag(field)
		if err != nil {
			return 0, err
		}
		set = set.With(f)
	}
	return set, nil
}

// Flag letters used by the Maildir filename grammar and the filestore
// .flags file. Alphabetical when emitted.
var flagLetters = map[Flag]byte{
	FlagDraft:    'D',
	FlagFlagged:  'F',
	FlagAnswered: 'R',
	FlagSeen:     'S',
	FlagDeleted:  'T',
}

// Letters renders the permanent flags of the set as sorted Maildir letters.
// Recent has no letter; it is never stored.
func (s FlagSet) Letters() string {
	letters := make([]byte, 0, 5)
	for f, l := range flagLetters {
		if s.Has(f) {
			letters = append(letters, l)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

// FlagFromLetter maps a Maildir flag letter to its Flag. Lowercase letters
// are keyword slots, not flags, and report false.
func FlagFromLetter(letter byte) (Flag, bool) {
	switch letter {
	case 'D':
		return FlagDraft, true
	case 'F':
		return FlagFlagged, true
	case 'R':
		return FlagAnswered, true
	case 'S':
		return FlagSeen, true
	case 'T':
		return FlagDeleted, true
	}
	return 0, false
}

// ParseLetters parses a run of Maildir flag letters, ignoring keyword
// letters (a-z) and unknown characters.
func ParseLetters(letters string) FlagSet {
	var set FlagSet
	for i := 0; i < len(letters); i++ {
		if f, ok := FlagFromLetter(letters[i]); ok {
			set = set.With(f)
		}
	}
	return set
}

// StoreAction is the parsed wire form of an IMAP STORE item.
type StoreAction int

const (
	StoreReplace StoreAction = iota // FLAGS
	StoreAdd                        // +FLAGS
	StoreRemove                     // -FLAGS
)

// ParseStoreAction parses FLAGS, +FLAGS and -FLAGS, stripping an optional
// .SILENT suffix. silent reports whether the suffix was present.
func ParseStoreAction(s string) (action StoreAction, silent bool, err error) {
	item := strings.ToUpper(s)
	if strings.HasSuffix(item, ".SILENT") {
		silent = true
		item = strings.TrimSuffix(item, ".SILENT")
	}
	switch item {
	case "FLAGS":
		return StoreReplace, silent, nil
	case "+FLAGS":
		return StoreAdd, silent, nil
	case "-FLAGS":
		return StoreRemove, silent, nil
	}
	return 0, false, fmt.Errorf("unknown STORE item %q", s)
}
