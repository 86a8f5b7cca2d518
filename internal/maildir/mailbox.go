package maildir

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gumdrop/internal/mailbox"
	"gumdrop/internal/message"
	"gumdrop/internal/search"
)

// record tracks one message of the handle's snapshot. The filename changes
// with every flag update; the base prefix and UID do not.
type record struct {
	name     *Name
	subdir   string
	keywords []string
	uid      uint32
	size     int64
	internal time.Time
	recent   bool
	marked   bool
}

func (r *record) filename() string {
	if r.subdir == dirNew {
		return r.name.BasePrefix()
	}
	return r.name.String()
}

// Mailbox is an open Maildir mailbox handle.
type Mailbox struct {
	root     *Root
	name     string
	dir      string
	userRoot string
	readOnly bool
	lock     *sync.RWMutex
	table    *KeywordTable

	mu          sync.Mutex
	msgs        []*record
	uidValidity uint32
	appending   *os.File
	appendFlags mailbox.FlagSet
	appendDate  time.Time
	closed      bool
}

func openMaildirMailbox(root *Root, name, dir, userRoot string, readOnly bool) (*Mailbox, error) {
	m := &Mailbox{
		root:     root,
		name:     name,
		dir:      dir,
		userRoot: userRoot,
		readOnly: readOnly,
		lock:     root.locks.Get(dir),
	}
	// Loading may assign UIDs to newly delivered files, so even read-only
	// handles take the write lock briefly.
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load scans cur/ and new/, assigns UIDs to files the uidlist has not seen,
// and (for writers) moves new/ deliveries into cur/. Files in new/ are
// Recent. Unparseable filenames are logged and skipped.
func (m *Mailbox) load() error {
	list, err := loadUIDList(m.dir)
	if err != nil {
		return err
	}
	m.uidValidity = list.validity

	table, err := LoadKeywordTable(m.dir)
	if err != nil {
		return err
	}
	m.table = table

	type found struct {
		name     *Name
		subdir   string
		basename string
		base     string
		modTime  time.Time
		size     int64
	}
	var files []found
	for _, subdir := range []string{dirCur, dirNew} {
		entries, err := os.ReadDir(filepath.Join(m.dir, subdir))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			n, err := ParseName(e.Name())
			if err != nil {
				m.root.log.Warn("skipping unparseable maildir filename",
					"mailbox", m.name, "file", e.Name(), "err", err)
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			size := n.Size
			if size < 0 {
				size = fi.Size()
			}
			files = append(files, found{
				name:     n,
				subdir:   subdir,
				basename: e.Name(),
				base:     n.BasePrefix(),
				modTime:  fi.ModTime(),
				size:     size,
			})
		}
	}
	// Unknown files get UIDs in delivery order.
	sort.Slice(files, func(i, j int) bool { return files[i].base < files[j].base })
	dirty := false
	for _, f := range files {
		if _, ok := list.byBase[f.base]; !ok {
			list.allocate(f.base)
			dirty = true
		}
	}
	// Drop list entries whose file disappeared.
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.base] = true
	}
	for base := range list.byBase {
		if !present[base] {
			delete(list.byBase, base)
			dirty = true
		}
	}
	if dirty {
		if err := list.save(m.dir); err != nil {
			return err
		}
	}

	m.msgs = m.msgs[:0]
	for _, f := range files {
		rec := &record{
			name:     f.name,
			subdir:   f.subdir,
			uid:      list.byBase[f.base],
			size:     f.size,
			internal: f.modTime,
			recent:   f.subdir == dirNew,
		}
		for _, slot := range f.name.Keywords {
			if kw := table.Keyword(slot); kw != "" {
				rec.keywords = append(rec.keywords, kw)
			}
		}
		if !m.readOnly && rec.subdir == dirNew {
			// Writers acknowledge delivery by moving new/ into cur/.
			from := filepath.Join(m.dir, dirNew, f.basename)
			rec.subdir = dirCur
			if err := os.Rename(from, filepath.Join(m.dir, dirCur, rec.filename())); err != nil {
				return err
			}
		}
		m.msgs = append(m.msgs, rec)
	}
	sort.Slice(m.msgs, func(i, j int) bool { return m.msgs[i].uid < m.msgs[j].uid })
	return nil
}

func (m *Mailbox) Name() string { return m.name }

func (m *Mailbox) rec(seq uint32) (*record, error) {
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}
	if seq < 1 || int(seq) > len(m.msgs) {
		return nil, fmt.Errorf("message %d: %w", seq, mailbox.ErrNotFound)
	}
	r := m.msgs[seq-1]
	if r.marked {
		return nil, fmt.Errorf("message %d: %w", seq, mailbox.ErrNotFound)
	}
	return r, nil
}

// locate returns the current path of a record's file, tolerating renames by
// other sessions: when the remembered name is gone it searches both
// subdirectories for the base prefix.
func (m *Mailbox) locate(r *record) (string, error) {
	path := filepath.Join(m.dir, r.subdir, r.filename())
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	base := r.name.BasePrefix()
	for _, subdir := range []string{dirCur, dirNew} {
		entries, err := os.ReadDir(filepath.Join(m.dir, subdir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			n, err := ParseName(e.Name())
			if err != nil {
				continue
			}
			if n.BasePrefix() == base {
				r.name = n
				r.subdir = subdir
				return filepath.Join(m.dir, subdir, e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("message uid %d: %w", r.uid, mailbox.ErrNotFound)
}

func (m *Mailbox) MessageCount() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, mailbox.ErrInvalidState
	}
	var n uint32
	for _, r := range m.msgs {
		if !r.marked {
			n++
		}
	}
	return n, nil
}

func (m *Mailbox) MailboxSize() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, mailbox.ErrInvalidState
	}
	var total int64
	for _, r := range m.msgs {
		if !r.marked {
			total += r.size
		}
	}
	return total, nil
}

func (m *Mailbox) Messages() ([]mailbox.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}
	descs := make([]mailbox.Descriptor, 0, len(m.msgs))
	for i, r := range m.msgs {
		if r.marked {
			continue
		}
		descs = append(descs, mailbox.Descriptor{Seq: uint32(i + 1), Size: r.size, UID: r.uid})
	}
	return descs, nil
}

func (m *Mailbox) Message(seq uint32) (mailbox.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return mailbox.Descriptor{}, err
	}
	return mailbox.Descriptor{Seq: seq, Size: r.size, UID: r.uid}, nil
}

func (m *Mailbox) Content(seq uint32) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return nil, err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	path, err := m.locate(r)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (m *Mailbox) Top(seq uint32, bodyLines int) (io.ReadCloser, error) {
	rc, err := m.Content(seq)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(topSlice(data, bodyLines))), nil
}

func topSlice(data []byte, bodyLines int) []byte {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(data, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(data, sep)
	}
	if idx < 0 {
		return data
	}
	end := idx + len(sep)
	body := data[end:]
	for i := 0; i < bodyLines; i++ {
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			end += len(body)
			break
		}
		end += nl + 1
		body = body[nl+1:]
	}
	return data[:end]
}

func (m *Mailbox) Flags(seq uint32) (mailbox.FlagSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return 0, err
	}
	fs := r.name.Flags
	if r.recent {
		fs = fs.With(mailbox.FlagRecent)
	}
	return fs, nil
}

func (m *Mailbox) SetFlags(seq uint32, set mailbox.FlagSet, add bool) error {
	return m.updateName(seq, func(n *Name) {
		if add {
			n.Flags = n.Flags.Union(set)
		} else {
			n.Flags = n.Flags.Minus(set)
		}
	})
}

func (m *Mailbox) ReplaceFlags(seq uint32, set mailbox.FlagSet) error {
	return m.updateName(seq, func(n *Name) {
		n.Flags = set.Minus(mailbox.FlagSet(0).With(mailbox.FlagRecent))
	})
}

// updateName applies a mutation to the parsed name and renames the file to
// its new form. Flags and keyword letters live in the filename, so this is
// the single write path for both.
func (m *Mailbox) updateName(seq uint32, mutate func(*Name)) error {
	if m.readOnly {
		return mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	oldPath, err := m.locate(r)
	if err != nil {
		return err
	}
	next := *r.name
	next.Keywords = append([]int(nil), r.name.Keywords...)
	mutate(&next)
	// Flagged files belong in cur/.
	newPath := filepath.Join(m.dir, dirCur, next.String())
	if newPath != oldPath {
		if err := os.Rename(oldPath, newPath); err != nil {
			return err
		}
	}
	r.name = &next
	r.subdir = dirCur
	return nil
}

func (m *Mailbox) PermanentFlags() mailbox.FlagSet {
	return mailbox.PermanentFlags
}

func (m *Mailbox) Keywords(seq uint32) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), r.keywords...), nil
}

func (m *Mailbox) SetKeywords(seq uint32, kws []string, add bool) error {
	if m.readOnly {
		return mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return err
	}

	slots := make(map[int]bool, len(r.name.Keywords))
	for _, s := range r.name.Keywords {
		slots[s] = true
	}
	for _, kw := range kws {
		slot := m.table.GetOrCreate(kw)
		if slot < 0 {
			return fmt.Errorf("keyword table full for %q: %w", kw, mailbox.ErrUnsupported)
		}
		if add {
			slots[slot] = true
		} else {
			delete(slots, slot)
		}
	}
	newSlots := make([]int, 0, len(slots))
	for s := range slots {
		newSlots = append(newSlots, s)
	}
	sort.Ints(newSlots)

	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.table.Save(); err != nil {
		return err
	}
	oldPath, err := m.locate(r)
	if err != nil {
		return err
	}
	next := *r.name
	next.Flags = r.name.Flags
	next.Keywords = newSlots
	newPath := filepath.Join(m.dir, dirCur, next.String())
	if newPath != oldPath {
		if err := os.Rename(oldPath, newPath); err != nil {
			return err
		}
	}
	r.name = &next
	r.subdir = dirCur

	r.keywords = r.keywords[:0]
	for _, s := range newSlots {
		if kw := m.table.Keyword(s); kw != "" {
			r.keywords = append(r.keywords, kw)
		}
	}
	return nil
}

func (m *Mailbox) Delete(seq uint32) error {
	if m.readOnly {
		return mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return err
	}
	r.marked = true
	return nil
}

func (m *Mailbox) IsDeleted(seq uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, mailbox.ErrInvalidState
	}
	if seq < 1 || int(seq) > len(m.msgs) {
		return false, fmt.Errorf("message %d: %w", seq, mailbox.ErrNotFound)
	}
	return m.msgs[seq-1].marked, nil
}

func (m *Mailbox) UndeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mailbox.ErrInvalidState
	}
	for _, r := range m.msgs {
		r.marked = false
	}
	return nil
}

func (m *Mailbox) Expunge() ([]uint32, error) {
	if m.readOnly {
		return nil, mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	list, err := loadUIDList(m.dir)
	if err != nil {
		return nil, err
	}

	var expunged []uint32
	kept := m.msgs[:0]
	for i, r := range m.msgs {
		if !r.marked {
			kept = append(kept, r)
			continue
		}
		path, err := m.locate(r)
		if err == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return expunged, err
			}
		}
		delete(list.byBase, r.name.BasePrefix())
		expunged = append(expunged, uint32(i+1))
	}
	m.msgs = kept
	if err := list.save(m.dir); err != nil {
		return expunged, err
	}
	return expunged, nil
}

func (m *Mailbox) UID(seq uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return 0, err
	}
	return r.uid, nil
}

func (m *Mailbox) UIDValidity() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, mailbox.ErrInvalidState
	}
	return m.uidValidity, nil
}

func (m *Mailbox) UIDNext() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, mailbox.ErrInvalidState
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	list, err := loadUIDList(m.dir)
	if err != nil {
		return 0, err
	}
	return list.next, nil
}

func (m *Mailbox) StartAppend(flags mailbox.FlagSet, internalDate time.Time) error {
	if m.readOnly {
		return mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mailbox.ErrInvalidState
	}
	if m.appending != nil {
		return fmt.Errorf("append already in flight: %w", mailbox.ErrInvalidState)
	}
	spool, err := os.CreateTemp(filepath.Join(m.dir, dirTmp), "spool-*")
	if err != nil {
		return err
	}
	m.appending = spool
	m.appendFlags = flags
	m.appendDate = internalDate
	return nil
}

func (m *Mailbox) AppendContent(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appending == nil {
		return 0, fmt.Errorf("no append in flight: %w", mailbox.ErrInvalidState)
	}
	n, err := m.appending.Write(p)
	if err != nil {
		m.discardSpool()
	}
	return n, err
}

func (m *Mailbox) EndAppend() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appending == nil {
		return 0, fmt.Errorf("no append in flight: %w", mailbox.ErrInvalidState)
	}
	spool := m.appending

	fail := func(err error) (uint32, error) {
		m.discardSpool()
		return 0, err
	}

	if err := spool.Sync(); err != nil {
		return fail(err)
	}
	fi, err := spool.Stat()
	if err != nil {
		return fail(err)
	}
	if err := spool.Close(); err != nil {
		os.Remove(spool.Name())
		m.appending = nil
		return 0, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	list, err := loadUIDList(m.dir)
	if err != nil {
		return fail(err)
	}
	name := NewName(fi.Size(), m.appendFlags, nil)
	uid := list.allocate(name.BasePrefix())
	if err := list.save(m.dir); err != nil {
		return fail(err)
	}

	// Flagged appends land in cur/ so the flags are visible; bare ones
	// follow the delivery convention through new/.
	var dest, subdir string
	if m.appendFlags != 0 {
		subdir = dirCur
		dest = filepath.Join(m.dir, dirCur, name.String())
	} else {
		subdir = dirNew
		dest = filepath.Join(m.dir, dirNew, name.BasePrefix())
	}
	if err := os.Rename(spool.Name(), dest); err != nil {
		return fail(err)
	}

	internal := m.appendDate
	m.appending = nil
	m.appendFlags = 0
	m.appendDate = time.Time{}

	if !internal.IsZero() {
		os.Chtimes(dest, internal, internal)
	} else {
		internal = time.Now()
	}

	m.msgs = append(m.msgs, &record{
		name:     name,
		subdir:   subdir,
		uid:      uid,
		size:     fi.Size(),
		internal: internal,
		recent:   true,
	})
	return uid, nil
}

func (m *Mailbox) discardSpool() {
	if m.appending != nil {
		m.appending.Close()
		os.Remove(m.appending.Name())
		m.appending = nil
		m.appendFlags = 0
		m.appendDate = time.Time{}
	}
}

func (m *Mailbox) Copy(seqs []uint32, dest string) (map[uint32]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}
	destDir, err := mailboxPathIn(m.userRoot, dest)
	if err != nil {
		return nil, err
	}
	if !isMaildir(destDir) {
		return nil, fmt.Errorf("mailbox %q: %w", dest, mailbox.ErrNotFound)
	}

	result := make(map[uint32]uint32, len(seqs))
	for _, seq := range seqs {
		r, err := m.rec(seq)
		if err != nil {
			return result, err
		}
		uid, err := m.copyOne(r, destDir)
		if err != nil {
			return result, err
		}
		result[seq] = uid
	}
	return result, nil
}

func (m *Mailbox) copyOne(r *record, destDir string) (uint32, error) {
	data, err := func() ([]byte, error) {
		m.lock.RLock()
		defer m.lock.RUnlock()
		path, err := m.locate(r)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}()
	if err != nil {
		return 0, err
	}

	destLock := m.root.locks.Get(destDir)
	destLock.Lock()
	defer destLock.Unlock()

	// Keywords re-resolve against the destination's table; a full table
	// drops the keyword rather than failing the copy.
	destTable, err := LoadKeywordTable(destDir)
	if err != nil {
		return 0, err
	}
	var slots []int
	for _, kw := range r.keywords {
		if slot := destTable.GetOrCreate(kw); slot >= 0 {
			slots = append(slots, slot)
		} else {
			m.root.log.Warn("dropping keyword on copy, destination table full",
				"keyword", kw, "dest", destDir)
		}
	}
	if err := destTable.Save(); err != nil {
		return 0, err
	}

	list, err := loadUIDList(destDir)
	if err != nil {
		return 0, err
	}
	name := NewName(int64(len(data)), r.name.Flags, slots)
	uid := list.allocate(name.BasePrefix())
	if err := list.save(destDir); err != nil {
		return 0, err
	}

	tmp := filepath.Join(destDir, dirTmp, name.BasePrefix())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, filepath.Join(destDir, dirCur, name.String())); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return uid, nil
}

func (m *Mailbox) Move(seqs []uint32, dest string) (map[uint32]uint32, error) {
	if m.readOnly {
		return nil, mailbox.ErrUnsupported
	}
	result, err := m.Copy(seqs, dest)
	if err != nil {
		return result, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for seq := range result {
		m.msgs[seq-1].marked = true
	}
	return result, nil
}

func (m *Mailbox) Search(expr *search.Expr) ([]uint32, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, mailbox.ErrInvalidState
	}
	type candidate struct {
		ctx *message.Context
		seq uint32
	}
	var candidates []candidate
	var lastSeq, lastUID uint32
	for i, r := range m.msgs {
		if r.marked {
			continue
		}
		seq := uint32(i + 1)
		lastSeq = seq
		lastUID = r.uid
		flags := r.name.Flags
		if r.recent {
			flags = flags.With(mailbox.FlagRecent)
		}
		rec := r
		ctx := message.New(seq,
			mailbox.Descriptor{Seq: seq, Size: r.size, UID: r.uid},
			flags, r.keywords, r.internal,
			func() (io.ReadCloser, error) {
				m.mu.Lock()
				path, err := m.locate(rec)
				m.mu.Unlock()
				if err != nil {
					return nil, err
				}
				return os.Open(path)
			})
		candidates = append(candidates, candidate{ctx: ctx, seq: seq})
	}
	m.mu.Unlock()

	matcher := &search.Matcher{Expr: expr, LastSeq: lastSeq, LastUID: lastUID}
	var out []uint32
	for _, c := range candidates {
		if matcher.Match(c.ctx) {
			out = append(out, c.seq)
		}
	}
	return out, nil
}

func (m *Mailbox) Close(expunge bool) error {
	var expErr error
	if expunge && !m.readOnly {
		_, expErr = m.Expunge()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return mailbox.ErrInvalidState
	}
	m.discardSpool()
	m.closed = true
	m.mu.Unlock()

	m.root.dropHandle(m.dir)
	return expErr
}
