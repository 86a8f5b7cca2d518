// Package filestore is the reference one-file-per-message backend. Each
// mailbox is a directory of <uid>.eml files with sidecar metadata files
// (.uidvalidity, .uidnext, .uidmap, .flags, .keywords); subscriptions live
// in a .subscriptions file at the user root. Mailbox names map to paths one
// encoded segment per directory level, with INBOX as a canonical
// subdirectory.
package filestore

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gumdrop/internal/mailbox"
	"gumdrop/internal/namecodec"
)

const (
	uidValidityFile   = ".uidvalidity"
	uidNextFile       = ".uidnext"
	uidMapFile        = ".uidmap"
	flagsFile         = ".flags"
	keywordsFile      = ".keywords"
	recentFile        = ".recent"
	subscriptionsFile = ".subscriptions"

	delimiter = "/"
)

// Root is the process-wide state for one store root: the lock registry
// coordinating sessions and the open-handle counts backing ErrInUse.
// Sessions obtain per-user Store values from it.
type Root struct {
	path  string
	log   *slog.Logger
	locks *mailbox.LockRegistry

	mu      sync.Mutex
	handles map[string]int // mailbox dir -> open handle count
}

// NewRoot prepares a store root. The directory is created if missing.
func NewRoot(path string, log *slog.Logger) (*Root, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	return &Root{
		path:    path,
		log:     log,
		locks:   mailbox.NewLockRegistry(),
		handles: make(map[string]int),
	}, nil
}

// Store returns a fresh per-session store.
func (r *Root) Store() mailbox.Store {
	return &Store{root: r}
}

func (r *Root) addHandle(dir string) {
	r.mu.Lock()
	r.handles[dir]++
	r.mu.Unlock()
}

func (r *Root) dropHandle(dir string) {
	r.mu.Lock()
	if r.handles[dir] > 1 {
		r.handles[dir]--
	} else {
		delete(r.handles, dir)
	}
	r.mu.Unlock()
}

func (r *Root) inUse(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[dir] > 0
}

// Store implements mailbox.Store over a Root for one session.
type Store struct {
	root     *Root
	user     string
	userRoot string
}

func (s *Store) Open(user string) error {
	if user == "" {
		return fmt.Errorf("empty user: %w", mailbox.ErrInvalidName)
	}
	s.user = user
	s.userRoot = filepath.Join(s.root.path, namecodec.Encode(user))
	if err := os.MkdirAll(s.userRoot, 0700); err != nil {
		return err
	}
	// INBOX always exists.
	return initMailboxDir(filepath.Join(s.userRoot, mailbox.Inbox))
}

func (s *Store) Close() error {
	s.user = ""
	s.userRoot = ""
	return nil
}

func (s *Store) Delimiter() string { return delimiter }

// mailboxPathIn maps a name to its directory under a user root: one
// encoded segment per level, INBOX canonicalised.
func mailboxPathIn(userRoot, name string) (string, error) {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return "", err
	}
	segments := mailbox.SegmentNames(name, delimiter)
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if i == 0 && mailbox.IsInbox(seg) {
			parts[i] = mailbox.Inbox
			continue
		}
		parts[i] = namecodec.Encode(seg)
	}
	return filepath.Join(append([]string{userRoot}, parts...)...), nil
}

func (s *Store) mailboxPath(name string) (string, error) {
	return mailboxPathIn(s.userRoot, name)
}

// canonicalName normalises the INBOX prefix of a validated name.
func canonicalName(name string) string {
	segments := strings.SplitN(name, delimiter, 2)
	if mailbox.IsInbox(segments[0]) {
		segments[0] = mailbox.Inbox
	}
	return strings.Join(segments, delimiter)
}

func (s *Store) List(ref, pattern string) ([]mailbox.Info, error) {
	names, err := s.allNames()
	if err != nil {
		return nil, err
	}
	return s.listInfos(mailbox.FilterNames(names, ref, pattern, delimiter))
}

func (s *Store) ListSubscribed(ref, pattern string) ([]mailbox.Info, error) {
	subscribed, err := s.subscriptions()
	if err != nil {
		return nil, err
	}
	matched := mailbox.FilterNames(subscribed, ref, pattern, delimiter)
	// % patterns report unsubscribed intermediate nodes whose children are
	// subscribed.
	matched = append(matched, mailbox.ImpliedParents(subscribed, ref, pattern, delimiter)...)
	sort.Strings(matched)
	return s.listInfos(matched)
}

func (s *Store) listInfos(names []string) ([]mailbox.Info, error) {
	infos := make([]mailbox.Info, 0, len(names))
	for _, name := range names {
		attrs, err := s.Attributes(name)
		if errors.Is(err, mailbox.ErrNotFound) {
			// A subscription may outlive its mailbox.
			attrs = mailbox.AttrSet{mailbox.AttrNoselect}
		} else if err != nil {
			return nil, err
		}
		infos = append(infos, mailbox.Info{Name: name, Attrs: attrs})
	}
	return infos, nil
}

// allNames walks the user root and returns every mailbox name in hierarchy
// order.
func (s *Store) allNames() ([]string, error) {
	var names []string
	var walk func(dir, prefix string) error
	walk = func(dir, prefix string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			var decoded string
			if prefix == "" && name == mailbox.Inbox {
				decoded = mailbox.Inbox
			} else {
				decoded = namecodec.Decode(name)
			}
			full := decoded
			if prefix != "" {
				full = prefix + delimiter + decoded
			}
			names = append(names, full)
			if err := walk(filepath.Join(dir, name), full); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(s.userRoot, ""); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Subscribe(name string) error {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return err
	}
	return s.updateSubscriptions(func(set map[string]bool) {
		set[canonicalName(name)] = true
	})
}

func (s *Store) Unsubscribe(name string) error {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return err
	}
	return s.updateSubscriptions(func(set map[string]bool) {
		delete(set, canonicalName(name))
	})
}

// subscriptions reads the user's subscription set. Names are stored one
// encoded form per line; a subscribed name may refer to a deleted mailbox.
func (s *Store) subscriptions() ([]string, error) {
	f, err := os.Open(filepath.Join(s.userRoot, subscriptionsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		names = append(names, decodeStoredName(line))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) updateSubscriptions(mutate func(map[string]bool)) error {
	lock := s.root.locks.Get(s.userRoot)
	lock.Lock()
	defer lock.Unlock()

	names, err := s.subscriptions()
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	mutate(set)

	sorted := make([]string, 0, len(set))
	for n := range set {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	for _, n := range sorted {
		sb.WriteString(encodeStoredName(n))
		sb.WriteByte('\n')
	}
	return writeFileAtomic(filepath.Join(s.userRoot, subscriptionsFile), []byte(sb.String()))
}

func encodeStoredName(name string) string {
	segments := strings.Split(name, delimiter)
	for i, seg := range segments {
		if i == 0 && seg == mailbox.Inbox {
			continue
		}
		segments[i] = namecodec.Encode(seg)
	}
	return strings.Join(segments, delimiter)
}

func decodeStoredName(encoded string) string {
	segments := strings.Split(encoded, delimiter)
	for i, seg := range segments {
		if i == 0 && seg == mailbox.Inbox {
			continue
		}
		segments[i] = namecodec.Decode(seg)
	}
	return strings.Join(segments, delimiter)
}

func (s *Store) Mailbox(name string, readOnly bool) (mailbox.Mailbox, error) {
	dir, err := s.mailboxPath(name)
	if err != nil {
		return nil, err
	}
	if !isMailboxDir(dir) {
		return nil, fmt.Errorf("mailbox %q: %w", name, mailbox.ErrNotFound)
	}
	m, err := openMailbox(s.root, canonicalName(name), dir, s.userRoot, readOnly)
	if err != nil {
		return nil, err
	}
	s.root.addHandle(dir)
	return m, nil
}

func (s *Store) Create(name string) error {
	dir, err := s.mailboxPath(name)
	if err != nil {
		return err
	}
	if isMailboxDir(dir) {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrExists)
	}
	lock := s.root.locks.Get(dir)
	lock.Lock()
	defer lock.Unlock()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	// Intermediate directories become selectable mailboxes too.
	for p := dir; strings.HasPrefix(p, s.userRoot+string(filepath.Separator)); p = filepath.Dir(p) {
		if err := initMailboxDir(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(name string) error {
	if mailbox.IsInbox(name) {
		return fmt.Errorf("INBOX cannot be deleted: %w", mailbox.ErrInvalidName)
	}
	dir, err := s.mailboxPath(name)
	if err != nil {
		return err
	}
	if !isMailboxDir(dir) {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrNotFound)
	}
	if s.root.inUse(dir) {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrInUse)
	}
	if hasChildDirs(dir) {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrHasChildren)
	}
	lock := s.root.locks.Get(dir)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(dir)
}

func (s *Store) Rename(oldName, newName string) error {
	if mailbox.IsInbox(newName) {
		return fmt.Errorf("mailbox %q: %w", newName, mailbox.ErrExists)
	}
	oldDir, err := s.mailboxPath(oldName)
	if err != nil {
		return err
	}
	newDir, err := s.mailboxPath(newName)
	if err != nil {
		return err
	}
	if !isMailboxDir(oldDir) {
		return fmt.Errorf("mailbox %q: %w", oldName, mailbox.ErrNotFound)
	}
	if isMailboxDir(newDir) {
		return fmt.Errorf("mailbox %q: %w", newName, mailbox.ErrExists)
	}
	if s.root.inUse(oldDir) {
		return fmt.Errorf("mailbox %q: %w", oldName, mailbox.ErrInUse)
	}

	first, second, same := s.root.locks.Pair(oldDir, newDir)
	first.Lock()
	if !same {
		second.Lock()
		defer second.Unlock()
	}
	defer first.Unlock()

	if err := os.MkdirAll(filepath.Dir(newDir), 0700); err != nil {
		return err
	}
	if mailbox.IsInbox(oldName) {
		// Renaming INBOX moves its messages and leaves a fresh empty INBOX.
		if err := os.Rename(oldDir, newDir); err != nil {
			return err
		}
		if err := initMailboxDir(oldDir); err != nil {
			return err
		}
	} else if err := os.Rename(oldDir, newDir); err != nil {
		return err
	}
	// New identity, new UIDVALIDITY.
	return bumpUIDValidity(newDir)
}

func (s *Store) Attributes(name string) (mailbox.AttrSet, error) {
	dir, err := s.mailboxPath(name)
	if err != nil {
		return nil, err
	}
	var attrs mailbox.AttrSet
	if !isMailboxDir(dir) {
		if _, statErr := os.Stat(dir); statErr == nil {
			attrs = attrs.With(mailbox.AttrNoselect)
		} else {
			return nil, fmt.Errorf("mailbox %q: %w", name, mailbox.ErrNotFound)
		}
	}
	if hasChildDirs(dir) {
		attrs = attrs.With(mailbox.AttrHasChildren)
	} else {
		attrs = attrs.With(mailbox.AttrHasNoChildren)
	}
	if use := mailbox.SpecialUse(canonicalName(name)); use != "" {
		attrs = attrs.With(use)
	}
	return attrs, nil
}

// isMailboxDir reports whether dir is an initialised mailbox (a bare
// directory without UID state is a Noselect intermediate node).
func isMailboxDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, uidValidityFile))
	return err == nil
}

func hasChildDirs(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			return true
		}
	}
	return false
}
