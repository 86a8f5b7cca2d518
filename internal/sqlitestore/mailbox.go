package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gumdrop/internal/mailbox"
	"gumdrop/internal/message"
	"gumdrop/internal/search"
)

// record is the in-memory snapshot of one messages row.
type record struct {
	rowID    int64
	uid      uint32
	blobKey  string
	size     int64
	flags    mailbox.FlagSet
	keywords []string
	internal time.Time
	recent   bool
	marked   bool
}

// Mailbox is an open handle backed by the messages table and blob storage.
// The snapshot is taken at open; sequence numbers are positions in it and
// stay stable until Expunge.
type Mailbox struct {
	root     *Root
	db       *sql.DB
	user     string
	name     string
	id       int64
	readOnly bool

	mu          sync.Mutex
	msgs        []*record
	uidValidity uint32
	spool       *os.File
	spoolFlags  mailbox.FlagSet
	spoolDate   time.Time
	closed      bool
}

func openMailbox(root *Root, db *sql.DB, user, name string, id int64, readOnly bool) (*Mailbox, error) {
	m := &Mailbox{
		root:     root,
		db:       db,
		user:     user,
		name:     name,
		id:       id,
		readOnly: readOnly,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func joinKeywords(keywords []string) string {
	return strings.Join(keywords, " ")
}

func splitKeywords(s string) []string {
	return strings.Fields(s)
}

// load snapshots the mailbox inside one transaction. Writers claim the
// Recent flags they observed so no later session sees them again.
func (m *Mailbox) load() error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRow(
		"SELECT uid_validity FROM mailboxes WHERE id = ?", m.id,
	).Scan(&m.uidValidity); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("mailbox %q: %w", m.name, mailbox.ErrNotFound)
		}
		return err
	}

	rows, err := tx.Query(`
		SELECT id, uid, blob_key, size, flags, keywords, recent, internal_date
		FROM messages WHERE mailbox_id = ? ORDER BY uid
	`, m.id)
	if err != nil {
		return err
	}
	var msgs []*record
	for rows.Next() {
		r := &record{}
		var letters, keywords string
		if err := rows.Scan(&r.rowID, &r.uid, &r.blobKey, &r.size,
			&letters, &keywords, &r.recent, &r.internal); err != nil {
			rows.Close()
			return err
		}
		r.flags = mailbox.ParseLetters(letters)
		r.keywords = splitKeywords(keywords)
		msgs = append(msgs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if !m.readOnly {
		if _, err := tx.Exec(
			"UPDATE messages SET recent = FALSE WHERE mailbox_id = ?", m.id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.msgs = msgs
	return nil
}

func (m *Mailbox) Name() string { return m.name }

// rec resolves a sequence number. Deletion-marked messages stay addressable
// by their sequence number but are hidden from enumeration.
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
	out := make([]mailbox.Descriptor, 0, len(m.msgs))
	for i, r := range m.msgs {
		if r.marked {
			continue
		}
		out = append(out, mailbox.Descriptor{Seq: uint32(i + 1), Size: r.size, UID: r.uid})
	}
	return out, nil
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
	key := r.blobKey
	m.mu.Unlock()

	data, err := m.root.blobs.Retrieve(context.Background(), key)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", seq, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
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

// topSlice cuts an RFC 5322 message after bodyLines lines of body.
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
	next := apply(r.flags) & mailbox.PermanentFlags
	if _, err := m.db.Exec(
		"UPDATE messages SET flags = ? WHERE id = ?", next.Letters(), r.rowID); err != nil {
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
	out := make([]string, len(r.keywords))
	copy(out, r.keywords)
	return out, nil
}

func (m *Mailbox) SetKeywords(seq uint32, keywords []string, add bool) error {
	if m.readOnly {
		return mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.rec(seq)
	if err != nil {
		return err
	}
	next := mergeKeywords(r.keywords, keywords, add)
	if _, err := m.db.Exec(
		"UPDATE messages SET keywords = ? WHERE id = ?", joinKeywords(next), r.rowID); err != nil {
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

// Expunge removes deletion-marked rows and returns their sequence numbers
// as numbered before any removal, ascending. Blobs are retained; content
// addressing shares them across mailboxes.
func (m *Mailbox) Expunge() ([]uint32, error) {
	if m.readOnly {
		return nil, mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}

	var removed []uint32
	var rowIDs []int64
	for i, r := range m.msgs {
		if r.marked {
			removed = append(removed, uint32(i+1))
			rowIDs = append(rowIDs, r.rowID)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, id := range rowIDs {
		if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	kept := m.msgs[:0]
	for _, r := range m.msgs {
		if !r.marked {
			kept = append(kept, r)
		}
	}
	m.msgs = kept
	return removed, nil
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
	var next uint32
	err := m.db.QueryRow(
		"SELECT uid_next FROM mailboxes WHERE id = ?", m.id).Scan(&next)
	return next, err
}

func (m *Mailbox) StartAppend(flags mailbox.FlagSet, internalDate time.Time) error {
	if m.readOnly {
		return mailbox.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.spool != nil {
		return mailbox.ErrInvalidState
	}
	f, err := os.CreateTemp("", "gumdrop-append-*")
	if err != nil {
		return err
	}
	m.spool = f
	m.spoolFlags = flags & mailbox.PermanentFlags
	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	m.spoolDate = internalDate
	return nil
}

func (m *Mailbox) AppendContent(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.spool == nil {
		return 0, mailbox.ErrInvalidState
	}
	n, err := m.spool.Write(p)
	if err != nil {
		m.discardSpool()
	}
	return n, err
}

func (m *Mailbox) EndAppend() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.spool == nil {
		return 0, mailbox.ErrInvalidState
	}

	path := m.spool.Name()
	if err := m.spool.Close(); err != nil {
		m.discardSpool()
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		m.discardSpool()
		return 0, err
	}
	flags, internal := m.spoolFlags, m.spoolDate
	m.spool = nil
	m.spoolFlags = 0
	m.spoolDate = time.Time{}
	os.Remove(path)

	key, err := m.root.blobs.Store(context.Background(), data)
	if err != nil {
		return 0, err
	}

	uid, rowID, err := insertMessage(m.db, m.id, key, int64(len(data)), flags, nil, internal, false)
	if err != nil {
		return 0, err
	}

	// The appending session claims its own message's Recent.
	m.msgs = append(m.msgs, &record{
		rowID:    rowID,
		uid:      uid,
		blobKey:  key,
		size:     int64(len(data)),
		flags:    flags,
		internal: internal,
		recent:   true,
	})
	return uid, nil
}

// insertMessage allocates the next UID and inserts the row in one
// transaction, so concurrent appenders never collide.
func insertMessage(db *sql.DB, mailboxID int64, key string, size int64,
	flags mailbox.FlagSet, keywords []string, internal time.Time, recent bool) (uint32, int64, error) {

	tx, err := db.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var uid uint32
	if err := tx.QueryRow(
		"SELECT uid_next FROM mailboxes WHERE id = ?", mailboxID).Scan(&uid); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, mailbox.ErrNotFound
		}
		return 0, 0, err
	}
	if _, err := tx.Exec(
		"UPDATE mailboxes SET uid_next = ? WHERE id = ?", uid+1, mailboxID); err != nil {
		return 0, 0, err
	}

	res, err := tx.Exec(`
		INSERT INTO messages (mailbox_id, uid, blob_key, size, flags, keywords, recent, internal_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, mailboxID, uid, key, size, flags.Letters(), joinKeywords(keywords), recent, internal)
	if err != nil {
		return 0, 0, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return uid, rowID, nil
}

func (m *Mailbox) discardSpool() {
	if m.spool == nil {
		return
	}
	path := m.spool.Name()
	m.spool.Close()
	os.Remove(path)
	m.spool = nil
	m.spoolFlags = 0
	m.spoolDate = time.Time{}
}

func (m *Mailbox) Copy(seqs []uint32, dest string) (map[uint32]uint32, error) {
	if err := mailbox.ValidateName(dest, delimiter); err != nil {
		return nil, err
	}
	destID, err := mailboxID(m.db, canonicalName(dest))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, mailbox.ErrInvalidState
	}

	// Resolve every source first; a bad sequence number fails the whole
	// copy before anything lands in the destination.
	sources := make([]*record, 0, len(seqs))
	for _, seq := range seqs {
		r, err := m.rec(seq)
		if err != nil {
			return nil, err
		}
		sources = append(sources, r)
	}

	result := make(map[uint32]uint32, len(seqs))
	for i, r := range sources {
		uid, _, err := insertMessage(m.db, destID, r.blobKey, r.size,
			r.flags, r.keywords, r.internal, true)
		if err != nil {
			return result, err
		}
		result[seqs[i]] = uid
	}
	return result, nil
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
		key := r.blobKey
		ctx := message.New(seq,
			mailbox.Descriptor{Seq: seq, Size: r.size, UID: r.uid},
			flags, r.keywords, r.internal,
			func() (io.ReadCloser, error) {
				data, err := m.root.blobs.Retrieve(context.Background(), key)
				if err != nil {
					return nil, err
				}
				return io.NopCloser(bytes.NewReader(data)), nil
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
	m.root.dropHandle(m.user, m.name)
	return expErr
}
