// Package maildir implements the Maildir mailbox backend: the Courier/qmail
// filename grammar, the persistent keyword table backing lowercase flag
// letters, and the store itself (cur/new/tmp directories, atomic delivery
// through tmp, flags carried in filenames).
package maildir

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gumdrop/internal/mailbox"
)

// uniqueCounter disambiguates filenames generated in the same millisecond.
// Process-wide and never reset; across restarts the timestamp component
// restores uniqueness.
var uniqueCounter atomic.Uint64

// Name is a parsed Maildir filename:
//
//	timestamp "." unique [",S=" size] [":2," flags]
//
// Uppercase flag letters map to the standard flags; lowercase letters a-z
// are keyword slots resolved through the mailbox's KeywordTable.
type Name struct {
	Timestamp int64 // milliseconds since the epoch
	Unique    string
	Size      int64 // -1 when the ,S= field is absent
	Flags     mailbox.FlagSet
	Keywords  []int // keyword slot indices, 0..25
	hasInfo   bool  // ":2," section present when parsed
}

// ParseName parses a Maildir basename. Unparseable names are reported as
// errors; callers skip and log the affected message.
func ParseName(basename string) (*Name, error) {
	n := &Name{Size: -1}
	rest := basename

	if idx := strings.Index(rest, ":2,"); idx >= 0 {
		n.hasInfo = true
		if err := n.parseLetters(rest[idx+3:]); err != nil {
			return nil, err
		}
		rest = rest[:idx]
	}

	if idx := strings.LastIndex(rest, ",S="); idx >= 0 {
		size, err := strconv.ParseInt(rest[idx+3:], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("maildir name %q: bad size field", basename)
		}
		n.Size = size
		rest = rest[:idx]
	}

	dot := strings.IndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return nil, fmt.Errorf("maildir name %q: missing timestamp or unique part", basename)
	}
	ts, err := strconv.ParseInt(rest[:dot], 10, 64)
	if err != nil || ts < 0 {
		return nil, fmt.Errorf("maildir name %q: bad timestamp", basename)
	}
	n.Timestamp = ts
	n.Unique = rest[dot+1:]
	return n, nil
}

func (n *Name) parseLetters(letters string) error {
	for i := 0; i < len(letters); i++ {
		c := letters[i]
		if f, ok := mailbox.FlagFromLetter(c); ok {
			n.Flags = n.Flags.With(f)
			continue
		}
		if c >= 'a' && c <= 'z' {
			n.Keywords = append(n.Keywords, int(c-'a'))
			continue
		}
		return fmt.Errorf("maildir flag letter %q unknown", string(c))
	}
	return nil
}

// BasePrefix returns the flag-independent part of the filename,
// "timestamp.unique[,S=size]". It is preserved across flag renames so a
// message can be matched over its lifetime.
func (n *Name) BasePrefix() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(n.Timestamp, 10))
	sb.WriteByte('.')
	sb.WriteString(n.Unique)
	if n.Size >= 0 {
		sb.WriteString(",S=")
		sb.WriteString(strconv.FormatInt(n.Size, 10))
	}
	return sb.String()
}

// Letters renders the combined flag and keyword letters in byte order
// (uppercase flags first, then keyword letters).
func (n *Name) Letters() string {
	letters := []byte(n.Flags.Letters())
	for _, slot := range n.Keywords {
		if slot >= 0 && slot < 26 {
			letters = append(letters, byte('a'+slot))
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

// String emits the full cur/-style filename with the ":2," info section.
func (n *Name) String() string {
	return n.BasePrefix() + ":2," + n.Letters()
}

// NewName generates a fresh filename for delivery. Concurrent calls in the
// same millisecond yield distinct names through the process-wide counter.
func NewName(size int64, flags mailbox.FlagSet, keywords []int) *Name {
	return &Name{
		Timestamp: time.Now().UnixMilli(),
		Unique:    fmt.Sprintf("%d.%d", os.Getpid(), uniqueCounter.Add(1)),
		Size:      size,
		Flags:     flags,
		Keywords:  append([]int(nil), keywords...),
	}
}
