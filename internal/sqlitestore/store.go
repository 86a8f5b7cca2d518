package sqlitestore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gumdrop/internal/blobstorage"
	"gumdrop/internal/mailbox"
	"gumdrop/internal/namecodec"
)

const delimiter = "/"

// Root owns the per-user database handles and the blob storage. Sessions
// obtain per-session Store values from it; database handles are shared so
// SQLite serialises concurrent writers.
type Root struct {
	path  string
	blobs blobstorage.Storage
	log   *slog.Logger

	mu      sync.Mutex
	dbs     map[string]*sql.DB
	handles map[string]int // user+name -> open handle count
}

func NewRoot(path string, blobs blobstorage.Storage, log *slog.Logger) (*Root, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	return &Root{
		path:    path,
		blobs:   blobs,
		log:     log,
		dbs:     make(map[string]*sql.DB),
		handles: make(map[string]int),
	}, nil
}

// Close closes every cached database handle.
func (r *Root) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for user, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.dbs, user)
	}
	return firstErr
}

func (r *Root) Store() mailbox.Store {
	return &Store{root: r}
}

// userDB returns the shared database handle for a user, opening and
// initialising it on first use.
func (r *Root) userDB(user string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[user]; ok {
		return db, nil
	}
	path := filepath.Join(r.path, namecodec.Encode(user)+".db")
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	r.dbs[user] = db
	return db, nil
}

func (r *Root) handleKey(user, name string) string {
	return user + "\x00" + name
}

func (r *Root) addHandle(user, name string) {
	r.mu.Lock()
	r.handles[r.handleKey(user, name)]++
	r.mu.Unlock()
}

func (r *Root) dropHandle(user, name string) {
	key := r.handleKey(user, name)
	r.mu.Lock()
	if r.handles[key] > 1 {
		r.handles[key]--
	} else {
		delete(r.handles, key)
	}
	r.mu.Unlock()
}

func (r *Root) inUse(user, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[r.handleKey(user, name)] > 0
}

// Store implements mailbox.Store over a per-user SQLite database.
type Store struct {
	root *Root
	user string
	db   *sql.DB
}

func (s *Store) Open(user string) error {
	if user == "" {
		return fmt.Errorf("empty user: %w", mailbox.ErrInvalidName)
	}
	db, err := s.root.userDB(user)
	if err != nil {
		return err
	}
	s.user = user
	s.db = db
	// INBOX always exists.
	if err := createMailbox(db, mailbox.Inbox); err != nil && !isUniqueViolation(err) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	// The database handle is shared across sessions and owned by the Root.
	s.user = ""
	s.db = nil
	return nil
}

func (s *Store) Delimiter() string { return delimiter }

func canonicalName(name string) string {
	segments := strings.SplitN(name, delimiter, 2)
	if mailbox.IsInbox(segments[0]) {
		segments[0] = mailbox.Inbox
	}
	return strings.Join(segments, delimiter)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func createMailbox(db *sql.DB, name string) error {
	_, err := db.Exec(`
		INSERT INTO mailboxes (name, uid_validity, uid_next)
		VALUES (?, ?, ?)
	`, name, time.Now().Unix(), 1)
	return err
}

func mailboxID(db *sql.DB, name string) (int64, error) {
	var id int64
	err := db.QueryRow("SELECT id FROM mailboxes WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("mailbox %q: %w", name, mailbox.ErrNotFound)
	}
	return id, err
}

func (s *Store) List(ref, pattern string) ([]mailbox.Info, error) {
	names, err := s.allNames()
	if err != nil {
		return nil, err
	}
	return s.listInfos(names, mailbox.FilterNames(names, ref, pattern, delimiter))
}

func (s *Store) ListSubscribed(ref, pattern string) ([]mailbox.Info, error) {
	rows, err := s.db.Query("SELECT mailbox_name FROM subscriptions ORDER BY mailbox_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subscribed []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		subscribed = append(subscribed, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matched := mailbox.FilterNames(subscribed, ref, pattern, delimiter)
	matched = append(matched, mailbox.ImpliedParents(subscribed, ref, pattern, delimiter)...)
	sort.Strings(matched)

	existing, err := s.allNames()
	if err != nil {
		return nil, err
	}
	return s.listInfos(existing, matched)
}

func (s *Store) allNames() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM mailboxes ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) listInfos(existing, names []string) ([]mailbox.Info, error) {
	exists := make(map[string]bool, len(existing))
	for _, n := range existing {
		exists[n] = true
	}
	infos := make([]mailbox.Info, 0, len(names))
	for _, name := range names {
		var attrs mailbox.AttrSet
		if !exists[name] {
			attrs = attrs.With(mailbox.AttrNoselect)
		}
		hasChildren := false
		prefix := name + delimiter
		for _, other := range existing {
			if strings.HasPrefix(other, prefix) {
				hasChildren = true
				break
			}
		}
		if hasChildren {
			attrs = attrs.With(mailbox.AttrHasChildren)
		} else {
			attrs = attrs.With(mailbox.AttrHasNoChildren)
		}
		if use := mailbox.SpecialUse(name); use != "" {
			attrs = attrs.With(use)
		}
		infos = append(infos, mailbox.Info{Name: name, Attrs: attrs})
	}
	return infos, nil
}

func (s *Store) Subscribe(name string) error {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO subscriptions (mailbox_name) VALUES (?)
	`, canonicalName(name))
	return err
}

func (s *Store) Unsubscribe(name string) error {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		DELETE FROM subscriptions WHERE mailbox_name = ?
	`, canonicalName(name))
	return err
}

func (s *Store) Mailbox(name string, readOnly bool) (mailbox.Mailbox, error) {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return nil, err
	}
	canonical := canonicalName(name)
	id, err := mailboxID(s.db, canonical)
	if err != nil {
		return nil, err
	}
	m, err := openMailbox(s.root, s.db, s.user, canonical, id, readOnly)
	if err != nil {
		return nil, err
	}
	s.root.addHandle(s.user, canonical)
	return m, nil
}

func (s *Store) Create(name string) error {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return err
	}
	canonical := canonicalName(name)
	if _, err := mailboxID(s.db, canonical); err == nil {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrExists)
	}
	// Parents are created as needed.
	for _, parent := range mailbox.Parents(canonical, delimiter) {
		if err := createMailbox(s.db, parent); err != nil && !isUniqueViolation(err) {
			return err
		}
	}
	if err := createMailbox(s.db, canonical); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrExists)
		}
		return err
	}
	return nil
}

func (s *Store) Delete(name string) error {
	if mailbox.IsInbox(name) {
		return fmt.Errorf("INBOX cannot be deleted: %w", mailbox.ErrInvalidName)
	}
	canonical := canonicalName(name)
	id, err := mailboxID(s.db, canonical)
	if err != nil {
		return err
	}
	if s.root.inUse(s.user, canonical) {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrInUse)
	}
	var children int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM mailboxes WHERE name LIKE ?", canonical+delimiter+"%",
	).Scan(&children); err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("mailbox %q: %w", name, mailbox.ErrHasChildren)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM messages WHERE mailbox_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM mailboxes WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Rename(oldName, newName string) error {
	if mailbox.IsInbox(newName) {
		return fmt.Errorf("mailbox %q: %w", newName, mailbox.ErrExists)
	}
	if err := mailbox.ValidateName(newName, delimiter); err != nil {
		return err
	}
	oldCanonical := canonicalName(oldName)
	newCanonical := canonicalName(newName)

	id, err := mailboxID(s.db, oldCanonical)
	if err != nil {
		return err
	}
	if _, err := mailboxID(s.db, newCanonical); err == nil {
		return fmt.Errorf("mailbox %q: %w", newName, mailbox.ErrExists)
	}
	if s.root.inUse(s.user, oldCanonical) {
		return fmt.Errorf("mailbox %q: %w", oldName, mailbox.ErrInUse)
	}

	if mailbox.IsInbox(oldName) {
		return s.renameInbox(id, newCanonical)
	}

	for _, parent := range mailbox.Parents(newCanonical, delimiter) {
		if err := createMailbox(s.db, parent); err != nil && !isUniqueViolation(err) {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// New identity, new UIDVALIDITY.
	if _, err := tx.Exec(`
		UPDATE mailboxes
		SET name = ?, uid_validity = MAX(uid_validity + 1, ?)
		WHERE id = ?
	`, newCanonical, time.Now().Unix(), id); err != nil {
		return err
	}

	// Inferior names follow.
	rows, err := tx.Query(
		"SELECT id, name FROM mailboxes WHERE name LIKE ?", oldCanonical+delimiter+"%")
	if err != nil {
		return err
	}
	type update struct {
		id   int64
		name string
	}
	var updates []update
	for rows.Next() {
		var u update
		if err := rows.Scan(&u.id, &u.name); err != nil {
			rows.Close()
			return err
		}
		u.name = newCanonical + u.name[len(oldCanonical):]
		updates = append(updates, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, u := range updates {
		if _, err := tx.Exec(`
			UPDATE mailboxes
			SET name = ?, uid_validity = MAX(uid_validity + 1, ?)
			WHERE id = ?
		`, u.name, time.Now().Unix(), u.id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// renameInbox moves the messages into a fresh mailbox and leaves INBOX
// empty, per the IMAP special case.
func (s *Store) renameInbox(inboxID int64, newName string) error {
	if err := s.Create(newName); err != nil {
		return err
	}
	newID, err := mailboxID(s.db, newName)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		"UPDATE messages SET mailbox_id = ? WHERE mailbox_id = ?", newID, inboxID); err != nil {
		return err
	}
	// The moved messages keep their UIDs, so the new mailbox inherits
	// INBOX's uid_next; the emptied INBOX restarts under a new validity.
	if _, err := tx.Exec(`
		UPDATE mailboxes
		SET uid_next = (SELECT uid_next FROM mailboxes WHERE id = ?),
		    uid_validity = MAX(uid_validity + 1, ?)
		WHERE id = ?
	`, inboxID, time.Now().Unix(), newID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE mailboxes
		SET uid_next = 1, uid_validity = MAX(uid_validity + 1, ?)
		WHERE id = ?
	`, time.Now().Unix(), inboxID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Attributes(name string) (mailbox.AttrSet, error) {
	if err := mailbox.ValidateName(name, delimiter); err != nil {
		return nil, err
	}
	canonical := canonicalName(name)
	names, err := s.allNames()
	if err != nil {
		return nil, err
	}
	infos, err := s.listInfos(names, []string{canonical})
	if err != nil {
		return nil, err
	}
	if infos[0].Attrs.Has(mailbox.AttrNoselect) {
		hasChildren := infos[0].Attrs.Has(mailbox.AttrHasChildren)
		if !hasChildren {
			return nil, fmt.Errorf("mailbox %q: %w", name, mailbox.ErrNotFound)
		}
	}
	return infos[0].Attrs, nil
}
