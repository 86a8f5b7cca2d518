package maildir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gumdrop/internal/mailbox"
)

const (
	uidListFile   = "gumdrop-uidlist"
	uidListHeader = "# gumdrop-uidlist v1"
)

// uidList persists the UID discipline for one Maildir mailbox: UIDVALIDITY,
// UIDNEXT and the mapping from a filename's flag-independent base prefix to
// its UID. Flag renames leave the base prefix untouched, so UIDs survive
// them.
type uidList struct {
	validity uint32
	next     uint32
	byBase   map[string]uint32
}

// loadUIDList reads the list, creating a fresh one (not yet saved) when
// the file does not exist.
func loadUIDList(dir string) (*uidList, error) {
	l := &uidList{byBase: make(map[string]uint32)}

	f, err := os.Open(filepath.Join(dir, uidListFile))
	if os.IsNotExist(err) {
		l.validity = uint32(time.Now().Unix())
		l.next = 1
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != uidListHeader {
		return nil, fmt.Errorf("uidlist in %s: %w", dir, mailbox.ErrCorrupt)
	}
	if !sc.Scan() {
		return nil, fmt.Errorf("uidlist in %s: %w", dir, mailbox.ErrCorrupt)
	}
	validityStr, nextStr, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
	if !ok {
		return nil, fmt.Errorf("uidlist in %s: %w", dir, mailbox.ErrCorrupt)
	}
	validity, err1 := strconv.ParseUint(validityStr, 10, 32)
	next, err2 := strconv.ParseUint(nextStr, 10, 32)
	if err1 != nil || err2 != nil || next == 0 {
		return nil, fmt.Errorf("uidlist in %s: %w", dir, mailbox.ErrCorrupt)
	}
	l.validity = uint32(validity)
	l.next = uint32(next)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		uidStr, base, ok := strings.Cut(line, " ")
		uid, err := strconv.ParseUint(uidStr, 10, 32)
		if !ok || err != nil || base == "" {
			return nil, fmt.Errorf("uidlist in %s: %w", dir, mailbox.ErrCorrupt)
		}
		l.byBase[base] = uint32(uid)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *uidList) save(dir string) error {
	type entry struct {
		base string
		uid  uint32
	}
	entries := make([]entry, 0, len(l.byBase))
	for base, uid := range l.byBase {
		entries = append(entries, entry{base, uid})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].uid < entries[j].uid })

	var sb strings.Builder
	sb.WriteString(uidListHeader)
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "%d %d\n", l.validity, l.next)
	for _, e := range entries {
		fmt.Fprintf(&sb, "%d %s\n", e.uid, e.base)
	}

	path := filepath.Join(dir, uidListFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// allocate hands out the next UID. The caller persists with save.
func (l *uidList) allocate(base string) uint32 {
	uid := l.next
	l.byBase[base] = uid
	l.next++
	return uid
}

// bumpUIDValidity re-stamps a mailbox after its identity broke (rename).
func bumpUIDValidity(dir string) error {
	l, err := loadUIDList(dir)
	if err != nil {
		return err
	}
	next := uint32(time.Now().Unix())
	if next <= l.validity {
		next = l.validity + 1
	}
	l.validity = next
	return l.save(dir)
}
