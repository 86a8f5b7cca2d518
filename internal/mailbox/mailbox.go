// Package mailbox defines the store and mailbox interfaces of the mailbox
// access core, together with the flag and attribute vocabularies, the error
// taxonomy, and the name and pattern utilities shared by every backend.
//
// A Store manages one user's mailbox hierarchy; a Mailbox is an open handle
// on a single mailbox. POP3 front-ends use the flat snapshot surface
// (enumeration, Top, Delete/UndeleteAll/Close); IMAP front-ends additionally
// use flags, UIDs, search, streaming append, and copy.
package mailbox

import (
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"gumdrop/internal/namecodec"
	"gumdrop/internal/search"
)

// Inbox is the reserved mailbox name, compared case-insensitively.
const Inbox = "INBOX"

// Descriptor is the lightweight metadata for one message in an open mailbox.
type Descriptor struct {
	// Seq is the 1-based sequence number, dense and stable within an open
	// handle between expunges.
	Seq uint32
	// Size is the size in octets of the RFC 5322 serialised form.
	Size int64
	// UID is the 32-bit unique identifier, never reused within a mailbox.
	UID uint32
}

// Info describes one mailbox in a listing.
type Info struct {
	Name  string
	Attrs AttrSet
}

// Store is a per-user hierarchy manager. A Store instance belongs to one
// session; implementations need only be reentrant within that session.
type Store interface {
	// Open acquires per-user state for the authenticated user. It must be
	// called before any other operation.
	Open(user string) error
	// Close releases all locks held by the store.
	Close() error

	// Delimiter returns the hierarchy delimiter, stable per store.
	Delimiter() string

	// List returns mailboxes matching the reference and wildcard pattern
	// ("*" matches anything, "%" anything except the delimiter), in
	// hierarchy order.
	List(ref, pattern string) ([]Info, error)
	// ListSubscribed is List restricted to the subscription set. Subscribed
	// names may refer to deleted mailboxes.
	ListSubscribed(ref, pattern string) ([]Info, error)

	// Subscribe and Unsubscribe are idempotent.
	Subscribe(name string) error
	Unsubscribe(name string) error

	// Mailbox opens a handle. readOnly handles reject mutation.
	Mailbox(name string, readOnly bool) (Mailbox, error)
	// Create creates a new empty mailbox, creating parents as needed.
	Create(name string) error
	// Delete removes a mailbox. Fails with ErrHasChildren if it has
	// inferior names and ErrInUse if it is currently open.
	Delete(name string) error
	// Rename atomically renames a mailbox and its inferiors. UIDVALIDITY
	// of the renamed mailbox is bumped.
	Rename(oldName, newName string) error

	// Attributes returns the attribute set for a name.
	Attributes(name string) (AttrSet, error)
}

// Mailbox is an open handle on one mailbox. All methods are safe for
// concurrent use; the handle state machine is Open -> Appending -> Open,
// with Close terminal.
type Mailbox interface {
	Name() string

	// MessageCount counts messages not marked deleted.
	MessageCount() (uint32, error)
	// MailboxSize sums the sizes of messages not marked deleted.
	MailboxSize() (int64, error)
	// Messages lists descriptors in ascending sequence order, excluding
	// deleted-marked messages.
	Messages() ([]Descriptor, error)
	// Message returns the descriptor for one sequence number.
	Message(seq uint32) (Descriptor, error)

	// Content streams the entire RFC 5322 form. The caller owns the stream.
	Content(seq uint32) (io.ReadCloser, error)
	// Top streams the headers, the blank separator line, and the first
	// bodyLines lines of the body. bodyLines == 0 yields headers plus the
	// separator only.
	Top(seq uint32, bodyLines int) (io.ReadCloser, error)

	Flags(seq uint32) (FlagSet, error)
	// SetFlags adds (add=true) or removes (add=false) the given flags.
	SetFlags(seq uint32, set FlagSet, add bool) error
	// ReplaceFlags replaces all permanent flags; Recent is untouched.
	ReplaceFlags(seq uint32, set FlagSet) error
	PermanentFlags() FlagSet

	Keywords(seq uint32) ([]string, error)
	// SetKeywords adds or removes user-defined keywords.
	SetKeywords(seq uint32, keywords []string, add bool) error

	// Delete marks a message; Expunge removes marked messages and returns
	// the ascending sequence numbers at the time of each removal.
	Delete(seq uint32) error
	IsDeleted(seq uint32) (bool, error)
	UndeleteAll() error
	Expunge() ([]uint32, error)

	UID(seq uint32) (uint32, error)
	UIDValidity() (uint32, error)
	UIDNext() (uint32, error)

	// StartAppend begins a streaming upload; at most one may be in flight
	// per handle. AppendContent streams bytes to the spool. EndAppend
	// assigns the next UID, makes the message visible atomically, and
	// returns the UID. On any failure the spool is removed and the mailbox
	// is left as if StartAppend had never been called.
	StartAppend(flags FlagSet, internalDate time.Time) error
	AppendContent(p []byte) (int, error)
	EndAppend() (uint32, error)

	// Copy copies messages to another mailbox of the same store and
	// returns a map from source sequence number to destination UID.
	Copy(seqs []uint32, dest string) (map[uint32]uint32, error)
	// Move is copy plus mark-deleted on the source.
	Move(seqs []uint32, dest string) (map[uint32]uint32, error)

	// Search evaluates a search expression and returns matching sequence
	// numbers in ascending order.
	Search(expr *search.Expr) ([]uint32, error)

	// Close commits (expunge=true) or discards deletion marks, then
	// releases the handle.
	Close(expunge bool) error
}

// IsInbox reports whether name is the reserved INBOX, case-insensitively.
func IsInbox(name string) bool {
	return strings.EqualFold(name, Inbox)
}

// ValidateName checks a protocol-supplied mailbox name against the naming
// rules: non-empty, no leading, trailing or adjacent delimiters, and a
// clean encode/decode round trip for every segment.
func ValidateName(name, delimiter string) error {
	if name == "" {
		return ErrInvalidName
	}
	if strings.HasPrefix(name, delimiter) || strings.HasSuffix(name, delimiter) {
		return ErrInvalidName
	}
	if strings.Contains(name, delimiter+delimiter) {
		return ErrInvalidName
	}
	if !utf8.ValidString(name) {
		return ErrInvalidName
	}
	for _, segment := range strings.Split(name, delimiter) {
		// "." and ".." survive encoding verbatim and would escape the
		// store root when used as path components.
		if segment == "." || segment == ".." {
			return ErrInvalidName
		}
		enc := namecodec.Encode(segment)
		if !namecodec.IsValidEncoded(enc) || namecodec.Decode(enc) != segment {
			return ErrInvalidName
		}
	}
	return nil
}

// SegmentNames splits a name into its hierarchy segments.
func SegmentNames(name, delimiter string) []string {
	return strings.Split(name, delimiter)
}

// Parents returns every proper ancestor of name, outermost first.
// "a/b/c" yields ["a", "a/b"].
func Parents(name, delimiter string) []string {
	segments := strings.Split(name, delimiter)
	parents := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		parents = append(parents, strings.Join(segments[:i], delimiter))
	}
	return parents
}
