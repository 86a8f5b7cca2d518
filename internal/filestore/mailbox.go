package filestore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"gumdrop/internal/mailbox"
	"gumdrop/internal/message"
	"gumdrop/internal/search"
)

// record is the in-handle view of one message. Deletion marks are local to
// the handle until Expunge or Close(true).
type record struct {
	file     string
	uid      uint32
	size     int64
	flags    mailbox.FlagSet
	keywords []string
	internal time.Time
	recent   bool
	marked   bool
}

// Mailbox is an open filestore mailbox handle. The message snapshot is
// taken at open time; UID allocation and metadata writes go through the
// shared per-mailbox lock so concurrent handles stay consistent.
type Mailbox struct {
	root     *Root
	name     string
	dir      string
	userRoot string
	readOnly bool
	lock     *sync.RWMutex

	mu          sync.Mutex
	msgs        []*record
	uidValidity uint32
	appending   *os.File
	appendFlags mailbox.FlagSet
	appendDate  time.Time
	closed      bool
}

func openMailbox(root *Root, name, dir, userRoot string, readOnly bool) (*Mailbox, error) {
	m := &Mailbox{
		root:     root,
		name:     name,
		dir:      dir,
		userRoot: userRoot,
		readOnly: readOnly,
		lock:     root.locks.Get(dir),
	}
	if readOnly {
		m.lock.RLock()
		defer m.lock.RUnlock()
	} else {
		m.lock.Lock()
		defer m.lock.Unlock()
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load builds the message snapshot from the metadata files. Entries whose
// message file is missing are corruption: logged and skipped, the mailbox
// stays usable. Writers also claim the Recent watermark here.
func (m *Mailbox) load() error {
	validity, err := readUint32File(filepath.Join(m.dir, uidValidityFile))
	if err != nil {
		return err
	}
	m.uidValidity = validity

	uidmap, err := loadPairTable(filepath.Join(m.dir, uidMapFile))
	if err != nil {
		return err
	}
	flags, err := loadPairTable(filepath.Join(m.dir, flagsFile))
	if err != nil {
		return err
	}
	keywords, err := loadPairTable(filepath.Join(m.dir, keywordsFile))
	if err != nil {
		return err
	}

	watermark := uint32(0)
	if w, err := readUint32File(filepath.Join(m.dir, recentFile)); err == nil {
		watermark = w
	}

	m.msgs = m.msgs[:0]
	maxUID := watermark
	for file, uidStr := range uidmap {
		uid64, err := strconv.ParseUint(uidStr, 10, 32)
		if err != nil {
			m.root.log.Warn("skipping corrupt uidmap entry",
				"mailbox", m.name, "file", file, "uid", uidStr)
			continue
		}
		fi, err := os.Stat(filepath.Join(m.dir, file))
		if err != nil {
			m.root.log.Warn("skipping uidmap entry with missing file",
				"mailbox", m.name, "file", file)
			continue
		}
		rec := &record{
			file:     file,
			uid:      uint32(uid64),
			size:     fi.Size(),
			internal: fi.ModTime(),
			recent:   uint32(uid64) > watermark,
		}
		if letters, ok := flags[file]; ok {
			rec.flags = mailbox.ParseLetters(letters)
		}
		if kws, ok := keywords[file]; ok && kws != "" {
			rec.keywords = splitKeywords(kws)
		}
		if rec.uid > maxUID {
			maxUID = rec.uid
		}
		m.msgs = append(m.msgs, rec)
	}
	sort.Slice(m.msgs, func(i, j int) bool { return m.msgs[i].uid < m.msgs[j].uid })

	// The first writing session claims Recent for these messages.
	if !m.readOnly && maxUID > watermark {
		if err := writeUint32File(filepath.Join(m.dir, recentFile), maxUID); err != nil {
			return err
		}
	}
	return nil
}

func splitKeywords(s string) []string {
	var out []string
	for _, kw := range bytes.Fields([]byte(s)) {
		out = append(out, string(kw))
	}
	return out
}

func joinKeywords(kws []string) string {
	var sb bytes.Buffer
	for i, kw := range kws {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(kw)
	}
	return sb.String()
}

func (m *Mailbox) Name() string { return m.name }

// rec resolves a sequence number to its record. Deletion-marked messages
// are invisible.
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
	r, err := m.rec(seq)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	path := filepath.Join(m.dir, r.file)
	m.mu.Unlock()

	m.lock.RLock()
	defer m.lock.RUnlock()
	return os.Open(path)
}

// Top returns the headers, the blank separator, and the first bodyLines
// lines of the body. bodyLines == 0 yields headers and separator only.
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

// topSlice cuts an RFC 5322 message after bodyLines lines of body.
func topSlice(data []byte, bodyLines int) []byte {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(data, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(data, sep)
	}
	if idx < 0 {
		// Header-only message.
		return data
	}
	end := idx + len(sep)
	body := data[end:]
	for i := 0; i < bodyLines; i++ {
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			end += len(body)
			body = nil
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
	fs := r.flags
	if r.recent {
		fs = fs.With(mailbox.FlagRecent)
	}
	return fs, nil
}

func (m *Mailbox) SetFlags(seq uint32, set mailbox.FlagSet, add bool) error {
	return m.updateFlags(seq, func(fs mailbox.FlagSet) mailbox.FlagSet {
		if add {
			return fs.Union(set)
		}
		return fs.Minus(set)
	})
}

func (m *Mailbox) ReplaceFlags(seq uint32, set mailbox.FlagSet) error {
	return m.updateFlags(seq, func(mailbox.FlagSet) mailbox.FlagSet {
		return set.Minus(mailbox.FlagSet(0).With(mailbox.FlagRecent))
	})
}

func (m *Mailbox) updateFlags(seq uint32, apply func(mailbox.FlagSet) mailbox.FlagSet) error {
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
	next := apply(r.flags)
	path := filepath.Join(m.dir, flagsFile)
	table, err := loadPairTable(path)
	if err != nil {
		return err
	}
	table[r.file] = next.Letters()
	if err := savePairTable(path, table); err != nil {
		return err
	}
	r.flags = next
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

	next := mergeKeywords(r.keywords, kws, add)

	m.lock.Lock()
	defer m.lock.Unlock()
	path := filepath.Join(m.dir, keywordsFile)
	table, err := loadPairTable(path)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		delete(table, r.file)
	} else {
		table[r.file] = joinKeywords(next)
	}
	if err := savePairTable(path, table); err != nil {
		return err
	}
	r.keywords = next
	return nil
}

func mergeKeywords(have, change []string, add bool) []string {
	out := make([]string, 0, len(have)+len(change))
	for _, kw := range have {
		drop := false
		for _, c := range change {
			if kw == c {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kw)
		}
	}
	if add {
		out = append(out, change...)
	}
	sort.Strings(out)
	return out
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

// Expunge removes deletion-marked messages and returns their sequence
// numbers as of the start of the call, ascending. Surviving messages are
// renumbered; their UIDs do not change.
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

	uidmapPath := filepath.Join(m.dir, uidMapFile)
	flagsPath := filepath.Join(m.dir, flagsFile)
	kwPath := filepath.Join(m.dir, keywordsFile)
	uidmap, err := loadPairTable(uidmapPath)
	if err != nil {
		return nil, err
	}
	flags, err := loadPairTable(flagsPath)
	if err != nil {
		return nil, err
	}
	kws, err := loadPairTable(kwPath)
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
		if err := os.Remove(filepath.Join(m.dir, r.file)); err != nil && !os.IsNotExist(err) {
			return expunged, err
		}
		delete(uidmap, r.file)
		delete(flags, r.file)
		delete(kws, r.file)
		expunged = append(expunged, uint32(i+1))
	}
	m.msgs = kept

	if err := savePairTable(uidmapPath, uidmap); err != nil {
		return expunged, err
	}
	if err := savePairTable(flagsPath, flags); err != nil {
		return expunged, err
	}
	if err := savePairTable(kwPath, kws); err != nil {
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
	return readUint32File(filepath.Join(m.dir, uidNextFile))
}

// StartAppend opens the spool for a streaming upload. At most one append
// may be in flight per handle.
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
	spool, err := os.CreateTemp(m.dir, ".append-*")
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

// EndAppend assigns the next UID under the mailbox lock, moves the spool
// into place atomically, and makes the message visible in this handle. On
// any failure the spool is removed and the mailbox is unchanged.
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
		m.removeSpool()
		return 0, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	uid, err := allocateUID(m.dir)
	if err != nil {
		return fail(err)
	}
	file := strconv.FormatUint(uint64(uid), 10) + ".eml"
	dest := filepath.Join(m.dir, file)
	if err := os.Rename(spool.Name(), dest); err != nil {
		return fail(err)
	}
	flags := m.appendFlags
	internal := m.appendDate
	m.appending = nil
	m.appendFlags = 0
	m.appendDate = time.Time{}

	if !internal.IsZero() {
		os.Chtimes(dest, internal, internal)
	}
	// The appending session claims its own message's Recent.
	if err := writeUint32File(filepath.Join(m.dir, recentFile), uid); err != nil {
		return 0, err
	}

	uidmapPath := filepath.Join(m.dir, uidMapFile)
	table, err := loadPairTable(uidmapPath)
	if err != nil {
		return 0, err
	}
	table[file] = strconv.FormatUint(uint64(uid), 10)
	if err := savePairTable(uidmapPath, table); err != nil {
		return 0, err
	}
	if flags != 0 {
		flagsPath := filepath.Join(m.dir, flagsFile)
		ftable, err := loadPairTable(flagsPath)
		if err != nil {
			return 0, err
		}
		ftable[file] = flags.Letters()
		if err := savePairTable(flagsPath, ftable); err != nil {
			return 0, err
		}
	}

	if internal.IsZero() {
		internal = time.Now()
	}
	m.msgs = append(m.msgs, &record{
		file:     file,
		uid:      uid,
		size:     fi.Size(),
		flags:    flags,
		internal: internal,
		recent:   true,
	})
	return uid, nil
}

// discardSpool abandons an in-flight append. Callers hold m.mu.
func (m *Mailbox) discardSpool() {
	if m.appending != nil {
		m.appending.Close()
		m.removeSpool()
	}
}

func (m *Mailbox) removeSpool() {
	os.Remove(m.appending.Name())
	m.appending = nil
	m.appendFlags = 0
	m.appendDate = time.Time{}
}

// Copy copies the given messages into dest and returns source sequence
// number -> destination UID. The source set is the handle's snapshot; each
// individual copy is atomic on the destination.
func (m *Mailbox) Copy(seqs []uint32, dest string) (map[uint32]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}
	destDir, err := m.siblingPath(dest)
	if err != nil {
		return nil, err
	}
	if !isMailboxDir(destDir) {
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
		return os.ReadFile(filepath.Join(m.dir, r.file))
	}()
	if err != nil {
		return 0, err
	}

	destLock := m.root.locks.Get(destDir)
	destLock.Lock()
	defer destLock.Unlock()

	uid, err := allocateUID(destDir)
	if err != nil {
		return 0, err
	}
	file := strconv.FormatUint(uint64(uid), 10) + ".eml"
	tmp := filepath.Join(destDir, ".copy-"+file)
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, filepath.Join(destDir, file)); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	uidmapPath := filepath.Join(destDir, uidMapFile)
	table, err := loadPairTable(uidmapPath)
	if err != nil {
		return 0, err
	}
	table[file] = strconv.FormatUint(uint64(uid), 10)
	if err := savePairTable(uidmapPath, table); err != nil {
		return 0, err
	}
	if r.flags != 0 {
		flagsPath := filepath.Join(destDir, flagsFile)
		ftable, err := loadPairTable(flagsPath)
		if err != nil {
			return 0, err
		}
		ftable[file] = r.flags.Letters()
		if err := savePairTable(flagsPath, ftable); err != nil {
			return 0, err
		}
	}
	if len(r.keywords) > 0 {
		kwPath := filepath.Join(destDir, keywordsFile)
		ktable, err := loadPairTable(kwPath)
		if err != nil {
			return 0, err
		}
		ktable[file] = joinKeywords(r.keywords)
		if err := savePairTable(kwPath, ktable); err != nil {
			return 0, err
		}
	}
	return uid, nil
}

// siblingPath resolves another mailbox name within the same user root.
func (m *Mailbox) siblingPath(name string) (string, error) {
	return mailboxPathIn(m.userRoot, name)
}

// Move is copy plus a deletion mark on each copied source message.
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

// Search evaluates expr over the snapshot, skipping deletion-marked
// messages, and returns matching sequence numbers ascending.
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
		flags := r.flags
		if r.recent {
			flags = flags.With(mailbox.FlagRecent)
		}
		path := filepath.Join(m.dir, r.file)
		ctx := message.New(seq,
			mailbox.Descriptor{Seq: seq, Size: r.size, UID: r.uid},
			flags, r.keywords, r.internal,
			func() (io.ReadCloser, error) { return os.Open(path) })
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

// Close commits (expunge=true) or discards deletion marks and releases the
// handle.
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
