package maildir

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gumdrop/internal/mailbox"
	"gumdrop/internal/search"
)

func newTestStore(t *testing.T) (*Root, mailbox.Store) {
	t.Helper()
	root, err := NewRoot(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	store := root.Store()
	if err := store.Open("bob"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return root, store
}

func appendMessage(t *testing.T, mb mailbox.Mailbox, flags mailbox.FlagSet, body string) uint32 {
	t.Helper()
	if err := mb.StartAppend(flags, time.Time{}); err != nil {
		t.Fatalf("StartAppend failed: %v", err)
	}
	if _, err := mb.AppendContent([]byte(body)); err != nil {
		t.Fatalf("AppendContent failed: %v", err)
	}
	uid, err := mb.EndAppend()
	if err != nil {
		t.Fatalf("EndAppend failed: %v", err)
	}
	return uid
}

func TestMaildirAppendDeliversToNew(t *testing.T) {
	root, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb.Close(false)

	uid := appendMessage(t, mb, 0, "Subject: hi\r\n\r\nbody\r\n")
	if uid != 1 {
		t.Errorf("First UID = %d", uid)
	}

	inboxDir := filepath.Join(root.path, "bob", "INBOX")
	entries, err := os.ReadDir(filepath.Join(inboxDir, dirNew))
	if err != nil || len(entries) != 1 {
		t.Fatalf("new/ has %d entries, err %v", len(entries), err)
	}
	if _, err := ParseName(entries[0].Name()); err != nil {
		t.Errorf("Delivered name %q does not parse: %v", entries[0].Name(), err)
	}
	if empty, _ := os.ReadDir(filepath.Join(inboxDir, dirTmp)); len(empty) != 0 {
		t.Errorf("tmp/ not cleaned after append")
	}

	fs, err := mb.Flags(1)
	if err != nil || !fs.Has(mailbox.FlagRecent) {
		t.Errorf("Fresh append not Recent: %v, %v", fs, err)
	}
}

func TestMaildirReopenMovesNewToCur(t *testing.T) {
	root, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	uid := appendMessage(t, mb, 0, "Subject: hi\r\n\r\nbody\r\n")
	mb.Close(false)

	mb, err = store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer mb.Close(false)

	got, err := mb.UID(1)
	if err != nil || got != uid {
		t.Errorf("UID after reopen = %d, %v (expected %d)", got, err, uid)
	}
	fs, _ := mb.Flags(1)
	if !fs.Has(mailbox.FlagRecent) {
		t.Errorf("First reader should still see Recent")
	}

	inboxDir := filepath.Join(root.path, "bob", "INBOX")
	if entries, _ := os.ReadDir(filepath.Join(inboxDir, dirNew)); len(entries) != 0 {
		t.Errorf("new/ not drained by writer open")
	}
	if entries, _ := os.ReadDir(filepath.Join(inboxDir, dirCur)); len(entries) != 1 {
		t.Errorf("cur/ does not hold the message")
	}

	// The next session no longer sees it as Recent.
	mb2, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Third open failed: %v", err)
	}
	defer mb2.Close(false)
	fs, _ = mb2.Flags(1)
	if fs.Has(mailbox.FlagRecent) {
		t.Errorf("Recent leaked into a later session")
	}
}

func TestMaildirFlagsInFilename(t *testing.T) {
	root, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb.Close(false)

	uid := appendMessage(t, mb, 0, "Subject: f\r\n\r\nx\r\n")
	seen := mailbox.FlagSet(0).With(mailbox.FlagSeen)
	if err := mb.SetFlags(1, seen, true); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}

	curDir := filepath.Join(root.path, "bob", "INBOX", dirCur)
	entries, err := os.ReadDir(curDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("cur/ has %d entries, err %v", len(entries), err)
	}
	if !strings.HasSuffix(entries[0].Name(), ":2,S") {
		t.Errorf("Filename does not carry the S letter: %q", entries[0].Name())
	}

	// The UID survives the flag rename.
	got, err := mb.UID(1)
	if err != nil || got != uid {
		t.Errorf("UID after flag rename = %d, %v", got, err)
	}

	if err := mb.SetFlags(1, seen, false); err != nil {
		t.Fatalf("Flag removal failed: %v", err)
	}
	entries, _ = os.ReadDir(curDir)
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ":2,") {
		t.Errorf("Flag letter not removed: %v", entries)
	}
}

func TestMaildirKeywords(t *testing.T) {
	root, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	appendMessage(t, mb, 0, "Subject: k\r\n\r\nx\r\n")

	if err := mb.SetKeywords(1, []string{"$Work", "$Todo"}, true); err != nil {
		t.Fatalf("SetKeywords failed: %v", err)
	}
	kws, err := mb.Keywords(1)
	if err != nil || len(kws) != 2 {
		t.Fatalf("Keywords = %v, %v", kws, err)
	}

	curDir := filepath.Join(root.path, "bob", "INBOX", dirCur)
	entries, _ := os.ReadDir(curDir)
	if len(entries) != 1 || !strings.Contains(entries[0].Name(), ":2,ab") {
		t.Errorf("Keyword letters missing from filename: %v", entries)
	}
	mb.Close(false)

	// Keyword assignments persist through the table.
	mb, err = store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer mb.Close(false)
	kws, err = mb.Keywords(1)
	if err != nil || len(kws) != 2 || kws[0] != "$Work" || kws[1] != "$Todo" {
		t.Errorf("Keywords after reopen = %v, %v", kws, err)
	}

	if err := mb.SetKeywords(1, []string{"$Work"}, false); err != nil {
		t.Fatalf("Keyword removal failed: %v", err)
	}
	kws, _ = mb.Keywords(1)
	if len(kws) != 1 || kws[0] != "$Todo" {
		t.Errorf("Keywords after removal = %v", kws)
	}
}

func TestMaildirExpunge(t *testing.T) {
	_, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb.Close(false)

	var uids []uint32
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		uids = append(uids, appendMessage(t, mb, 0, "Subject: "+s+"\r\n\r\nx\r\n"))
	}
	mb.Delete(2)
	mb.Delete(4)
	expunged, err := mb.Expunge()
	if err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	if len(expunged) != 2 || expunged[0] != 2 || expunged[1] != 4 {
		t.Errorf("Expunge returned %v", expunged)
	}
	count, _ := mb.MessageCount()
	if count != 3 {
		t.Errorf("MessageCount after expunge = %d", count)
	}
	for i, want := range []uint32{uids[0], uids[2], uids[4]} {
		got, err := mb.UID(uint32(i + 1))
		if err != nil || got != want {
			t.Errorf("seq %d UID = %d, %v (expected %d)", i+1, got, err, want)
		}
	}
}

func TestMaildirUIDNextMonotonicAfterExpunge(t *testing.T) {
	_, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	appendMessage(t, mb, 0, "one\r\n")
	u2 := appendMessage(t, mb, 0, "two\r\n")
	mb.Delete(1)
	mb.Delete(2)
	if _, err := mb.Expunge(); err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	// An emptied mailbox must not reuse UIDs.
	u3 := appendMessage(t, mb, 0, "three\r\n")
	if u3 <= u2 {
		t.Errorf("UID reuse after expunge: %d after %d", u3, u2)
	}
	next, err := mb.UIDNext()
	if err != nil || next <= u3 {
		t.Errorf("UIDNext = %d, %v", next, err)
	}
	mb.Close(false)
}

func TestMaildirContentAndSearch(t *testing.T) {
	_, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb.Close(false)

	msg := "From: boss@example.com\r\nSubject: urgent\r\n\r\nreport\r\n"
	appendMessage(t, mb, 0, msg)
	appendMessage(t, mb, mailbox.FlagSet(0).With(mailbox.FlagSeen), "From: peer@example.com\r\nSubject: idle\r\n\r\nchat\r\n")

	rc, err := mb.Content(1)
	if err != nil {
		t.Fatalf("Content failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != msg {
		t.Errorf("Content = %q", data)
	}

	expr, err := search.Parse("UNSEEN FROM boss")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	seqs, err := mb.Search(expr)
	if err != nil || len(seqs) != 1 || seqs[0] != 1 {
		t.Errorf("Search = %v, %v", seqs, err)
	}
}

func TestMaildirCopyCarriesFlagsAndKeywords(t *testing.T) {
	_, store := newTestStore(t)
	if err := store.Create("Archive"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb.Close(false)

	appendMessage(t, mb, mailbox.FlagSet(0).With(mailbox.FlagSeen), "Subject: c\r\n\r\nx\r\n")
	if err := mb.SetKeywords(1, []string{"$Work"}, true); err != nil {
		t.Fatalf("SetKeywords failed: %v", err)
	}

	copied, err := mb.Copy([]uint32{1}, "Archive")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if uid := copied[1]; uid != 1 {
		t.Errorf("Copy map = %v", copied)
	}

	dest, err := store.Mailbox("Archive", false)
	if err != nil {
		t.Fatalf("Open Archive failed: %v", err)
	}
	defer dest.Close(false)
	fs, err := dest.Flags(1)
	if err != nil || !fs.Has(mailbox.FlagSeen) {
		t.Errorf("Copied flags = %v, %v", fs, err)
	}
	kws, err := dest.Keywords(1)
	if err != nil || len(kws) != 1 || kws[0] != "$Work" {
		t.Errorf("Copied keywords = %v, %v", kws, err)
	}
}

func TestMaildirRenameBumpsValidity(t *testing.T) {
	_, store := newTestStore(t)
	if err := store.Create("Old"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mb, err := store.Mailbox("Old", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	appendMessage(t, mb, 0, "carried\r\n")
	before, _ := mb.UIDValidity()
	mb.Close(false)

	if err := store.Rename("Old", "New"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	mb, err = store.Mailbox("New", false)
	if err != nil {
		t.Fatalf("Open renamed failed: %v", err)
	}
	defer mb.Close(false)
	after, _ := mb.UIDValidity()
	if after <= before {
		t.Errorf("UIDVALIDITY not bumped: %d -> %d", before, after)
	}
	count, _ := mb.MessageCount()
	if count != 1 {
		t.Errorf("Messages lost in rename")
	}
}

func TestMaildirSkipsForeignFiles(t *testing.T) {
	root, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	appendMessage(t, mb, 0, "good\r\n")
	mb.Close(false)

	// A file no Maildir implementation would produce is skipped, not fatal.
	bad := filepath.Join(root.path, "bob", "INBOX", dirCur, "garbage")
	if err := os.WriteFile(bad, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	mb, err = store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Reopen with foreign file failed: %v", err)
	}
	defer mb.Close(false)
	count, err := mb.MessageCount()
	if err != nil || count != 1 {
		t.Errorf("MessageCount = %d, %v", count, err)
	}
}

func TestMaildirDeleteAndHierarchy(t *testing.T) {
	_, store := newTestStore(t)
	if err := store.Create("Lists/go"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Delete("Lists"); !errors.Is(err, mailbox.ErrHasChildren) {
		t.Errorf("Delete parent: %v", err)
	}
	mb, err := store.Mailbox("Lists/go", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	if err := store.Delete("Lists/go"); !errors.Is(err, mailbox.ErrInUse) {
		t.Errorf("Delete open mailbox: %v", err)
	}
	mb.Close(false)
	if err := store.Delete("Lists/go"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete("Lists"); err != nil {
		t.Fatalf("Delete emptied parent failed: %v", err)
	}
}

func TestMaildirOpensWithDamagedKeywordTable(t *testing.T) {
	root, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	appendMessage(t, mb, 0, "Subject: survivor\r\n\r\nbody\r\n")
	mb.Close(false)

	inboxDir := filepath.Join(root.path, "bob", "INBOX")
	damaged := filepath.Join(inboxDir, keywordsFile)
	if err := os.WriteFile(damaged, []byte("garbage header\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// A damaged keyword table must not make the mailbox unopenable.
	mb, err = store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed with damaged keyword table: %v", err)
	}
	defer mb.Close(false)
	count, err := mb.MessageCount()
	if err != nil || count != 1 {
		t.Errorf("MessageCount = %d, %v", count, err)
	}
	kws, err := mb.Keywords(1)
	if err != nil || len(kws) != 0 {
		t.Errorf("Keywords = %v, %v", kws, err)
	}
	// The table starts over from scratch.
	if err := mb.SetKeywords(1, []string{"$Redo"}, true); err != nil {
		t.Errorf("SetKeywords after damage failed: %v", err)
	}
}
