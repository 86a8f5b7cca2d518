package sqlitestore

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"gumdrop/internal/blobstorage"
	"gumdrop/internal/mailbox"
	"gumdrop/internal/search"
)

func newTestStore(t *testing.T) (*Root, mailbox.Store) {
	t.Helper()
	blobs, err := blobstorage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	root, err := NewRoot(t.TempDir(), blobs, nil)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	t.Cleanup(func() { root.Close() })
	store := root.Store()
	if err := store.Open("alice"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return root, store
}

func appendMessage(t *testing.T, mb mailbox.Mailbox, body string) uint32 {
	t.Helper()
	if err := mb.StartAppend(0, time.Time{}); err != nil {
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

func TestSQLiteAppendAndContent(t *testing.T) {
	_, store := newTestStore(t)
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb.Close(false)

	msg := "Subject: hello\r\n\r\nworld\r\n"
	uid := appendMessage(t, mb, msg)
	if uid != 1 {
		t.Errorf("Expected first UID 1, got %d", uid)
	}

	count, err := mb.MessageCount()
	if err != nil || count != 1 {
		t.Fatalf("MessageCount = %d, %v", count, err)
	}
	size, err := mb.MailboxSize()
	if err != nil || size != int64(len(msg)) {
		t.Errorf("MailboxSize = %d, %v", size, err)
	}

	rc, err := mb.Content(1)
	if err != nil {
		t.Fatalf("Content failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != msg {
		t.Errorf("Content = %q", data)
	}

	next, err := mb.UIDNext()
	if err != nil || next != 2 {
		t.Errorf("UIDNext = %d, %v", next, err)
	}
}

func TestSQLiteUIDStabilityAcrossReopen(t *testing.T) {
	root, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	u1 := appendMessage(t, mb, "first\r\n")
	u2 := appendMessage(t, mb, "second\r\n")
	validity, _ := mb.UIDValidity()
	mb.Close(false)

	store2 := root.Store()
	if err := store2.Open("alice"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mb2, err := store2.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer mb2.Close(false)

	if v, _ := mb2.UIDValidity(); v != validity {
		t.Errorf("UIDVALIDITY changed across reopen: %d != %d", v, validity)
	}
	got1, _ := mb2.UID(1)
	got2, _ := mb2.UID(2)
	if got1 != u1 || got2 != u2 {
		t.Errorf("UIDs changed across reopen: got %d, %d", got1, got2)
	}
}

func TestSQLiteExpungeSequenceNumbers(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	defer mb.Close(false)

	for i := 1; i <= 5; i++ {
		appendMessage(t, mb, fmt.Sprintf("message %d\r\n", i))
	}
	mb.Delete(2)
	mb.Delete(4)

	removed, err := mb.Expunge()
	if err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	if len(removed) != 2 || removed[0] != 2 || removed[1] != 4 {
		t.Errorf("Expected removed [2 4], got %v", removed)
	}

	count, _ := mb.MessageCount()
	if count != 3 {
		t.Errorf("Expected 3 messages after expunge, got %d", count)
	}
	// Survivors keep their UIDs and renumber densely.
	uids := []uint32{}
	for seq := uint32(1); seq <= 3; seq++ {
		uid, err := mb.UID(seq)
		if err != nil {
			t.Fatalf("UID(%d) failed: %v", seq, err)
		}
		uids = append(uids, uid)
	}
	if uids[0] != 1 || uids[1] != 3 || uids[2] != 5 {
		t.Errorf("Expected survivor UIDs [1 3 5], got %v", uids)
	}
}

func TestSQLiteNoUIDReuseAfterExpunge(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	defer mb.Close(false)

	appendMessage(t, mb, "one\r\n")
	appendMessage(t, mb, "two\r\n")
	mb.Delete(1)
	mb.Delete(2)
	if _, err := mb.Expunge(); err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}

	uid := appendMessage(t, mb, "three\r\n")
	if uid != 3 {
		t.Errorf("Expected UID 3 after expunging 1-2, got %d", uid)
	}
}

func TestSQLiteRecentClaimedByWriter(t *testing.T) {
	root, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	appendMessage(t, mb, "fresh\r\n")
	if fs, _ := mb.Flags(1); !fs.Has(mailbox.FlagRecent) {
		t.Errorf("Appending session should see its message Recent")
	}
	mb.Close(false)

	// The appender claimed the Recent; later sessions never see it.
	store2 := root.Store()
	store2.Open("alice")
	mb2, _ := store2.Mailbox("INBOX", false)
	defer mb2.Close(false)
	if fs, _ := mb2.Flags(1); fs.Has(mailbox.FlagRecent) {
		t.Errorf("Recent should not survive into a later session")
	}
}

func TestSQLiteFlagsAndKeywordsPersist(t *testing.T) {
	root, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	appendMessage(t, mb, "flagged\r\n")

	set := mailbox.FlagSet(0).With(mailbox.FlagSeen).With(mailbox.FlagFlagged)
	if err := mb.SetFlags(1, set, true); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if err := mb.SetKeywords(1, []string{"$Work", "$Todo"}, true); err != nil {
		t.Fatalf("SetKeywords failed: %v", err)
	}
	mb.Close(false)

	store2 := root.Store()
	store2.Open("alice")
	mb2, _ := store2.Mailbox("INBOX", false)
	defer mb2.Close(false)

	fs, err := mb2.Flags(1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !fs.Has(mailbox.FlagSeen) || !fs.Has(mailbox.FlagFlagged) {
		t.Errorf("Flags lost across sessions: %v", fs)
	}
	kws, err := mb2.Keywords(1)
	if err != nil || len(kws) != 2 {
		t.Fatalf("Keywords = %v, %v", kws, err)
	}

	// ReplaceFlags drops everything not named and never stores Recent.
	replace := mailbox.FlagSet(0).With(mailbox.FlagDraft).With(mailbox.FlagRecent)
	if err := mb2.ReplaceFlags(1, replace); err != nil {
		t.Fatalf("ReplaceFlags failed: %v", err)
	}
	fs, _ = mb2.Flags(1)
	if fs.Has(mailbox.FlagSeen) || !fs.Has(mailbox.FlagDraft) {
		t.Errorf("ReplaceFlags result: %v", fs)
	}
}

func TestSQLiteCopyAndMove(t *testing.T) {
	_, store := newTestStore(t)
	if err := store.Create("Archive"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mb, _ := store.Mailbox("INBOX", false)
	defer mb.Close(false)

	appendMessage(t, mb, "Subject: a\r\n\r\nA\r\n")
	appendMessage(t, mb, "Subject: b\r\n\r\nB\r\n")
	mb.SetKeywords(2, []string{"$Keep"}, true)

	result, err := mb.Copy([]uint32{2}, "Archive")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if result[2] != 1 {
		t.Errorf("Expected destination UID 1, got %v", result)
	}

	dest, _ := store.Mailbox("Archive", false)
	defer dest.Close(false)
	rc, err := dest.Content(1)
	if err != nil {
		t.Fatalf("Content failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !strings.Contains(string(data), "Subject: b") {
		t.Errorf("Copied content = %q", data)
	}
	kws, _ := dest.Keywords(1)
	if len(kws) != 1 || kws[0] != "$Keep" {
		t.Errorf("Copied keywords = %v", kws)
	}

	moved, err := mb.Move([]uint32{1}, "Archive")
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if moved[1] != 2 {
		t.Errorf("Expected destination UID 2, got %v", moved)
	}
	if deleted, _ := mb.IsDeleted(1); !deleted {
		t.Errorf("Move should mark the source deleted")
	}
}

func TestSQLiteTop(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	defer mb.Close(false)

	appendMessage(t, mb, "Subject: top\r\n\r\nline1\r\nline2\r\nline3\r\n")

	rc, err := mb.Top(1, 2)
	if err != nil {
		t.Fatalf("Top failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	got := string(data)
	if !strings.Contains(got, "line2") || strings.Contains(got, "line3") {
		t.Errorf("Top(1, 2) = %q", got)
	}

	rc, _ = mb.Top(1, 0)
	data, _ = io.ReadAll(rc)
	rc.Close()
	if strings.Contains(string(data), "line1") {
		t.Errorf("Top(1, 0) should stop at the separator, got %q", data)
	}
}

func TestSQLiteSearch(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	defer mb.Close(false)

	appendMessage(t, mb, "From: boss@example.com\r\nSubject: report\r\n\r\nnumbers\r\n")
	appendMessage(t, mb, "From: friend@example.com\r\nSubject: lunch\r\n\r\nnoon?\r\n")
	mb.SetFlags(1, mailbox.FlagSet(0).With(mailbox.FlagSeen), true)

	expr, err := search.Parse("UNSEEN FROM friend")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	seqs, err := mb.Search(expr)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(seqs) != 1 || seqs[0] != 2 {
		t.Errorf("Expected [2], got %v", seqs)
	}
}

func TestSQLiteHierarchy(t *testing.T) {
	_, store := newTestStore(t)

	for _, name := range []string{"Work/Projects/Go", "Work/Done"} {
		if err := store.Create(name); err != nil {
			t.Fatalf("Create %q failed: %v", name, err)
		}
	}
	if err := store.Create("Work"); !errors.Is(err, mailbox.ErrExists) {
		t.Errorf("Creating an intermediate again: %v", err)
	}

	infos, err := store.List("", "*")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	want := []string{"INBOX", "Work", "Work/Done", "Work/Projects", "Work/Projects/Go"}
	if len(names) != len(want) {
		t.Fatalf("List * = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List * = %v, expected %v", names, want)
			break
		}
	}

	// % does not cross the delimiter.
	infos, _ = store.List("", "Work/%")
	if len(infos) != 2 {
		t.Errorf("List Work/%% = %v", infos)
	}

	if err := store.Delete("Work"); !errors.Is(err, mailbox.ErrHasChildren) {
		t.Errorf("Deleting a parent: %v", err)
	}
	if err := store.Delete("Work/Projects/Go"); err != nil {
		t.Errorf("Delete leaf failed: %v", err)
	}
	if err := store.Delete("INBOX"); !errors.Is(err, mailbox.ErrInvalidName) {
		t.Errorf("Deleting INBOX: %v", err)
	}
	if err := store.Delete("Nope"); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Deleting a missing mailbox: %v", err)
	}
}

func TestSQLiteDeleteOpenMailbox(t *testing.T) {
	_, store := newTestStore(t)
	store.Create("Busy")
	mb, _ := store.Mailbox("Busy", false)
	if err := store.Delete("Busy"); !errors.Is(err, mailbox.ErrInUse) {
		t.Errorf("Deleting an open mailbox: %v", err)
	}
	mb.Close(false)
	if err := store.Delete("Busy"); err != nil {
		t.Errorf("Delete after close failed: %v", err)
	}
}

func TestSQLiteRenameBumpsValidity(t *testing.T) {
	_, store := newTestStore(t)
	store.Create("Old")
	mb, _ := store.Mailbox("Old", false)
	appendMessage(t, mb, "carried\r\n")
	before, _ := mb.UIDValidity()
	mb.Close(false)

	if err := store.Rename("Old", "New"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := store.Mailbox("Old", true); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Old name still opens: %v", err)
	}
	mb2, err := store.Mailbox("New", false)
	if err != nil {
		t.Fatalf("Mailbox New failed: %v", err)
	}
	defer mb2.Close(false)
	after, _ := mb2.UIDValidity()
	if after <= before {
		t.Errorf("UIDVALIDITY not bumped: %d <= %d", after, before)
	}
	count, _ := mb2.MessageCount()
	if count != 1 {
		t.Errorf("Messages lost in rename: %d", count)
	}
}

func TestSQLiteRenameInbox(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	appendMessage(t, mb, "moved out\r\n")
	mb.Close(false)

	if err := store.Rename("INBOX", "Saved"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	// INBOX survives, empty; the messages live under the new name.
	mb, err := store.Mailbox("INBOX", false)
	if err != nil {
		t.Fatalf("INBOX gone after rename: %v", err)
	}
	defer mb.Close(false)
	if count, _ := mb.MessageCount(); count != 0 {
		t.Errorf("Expected empty INBOX, got %d messages", count)
	}
	saved, err := store.Mailbox("Saved", true)
	if err != nil {
		t.Fatalf("Mailbox Saved failed: %v", err)
	}
	defer saved.Close(false)
	if count, _ := saved.MessageCount(); count != 1 {
		t.Errorf("Expected 1 message in Saved, got %d", count)
	}
}

func TestSQLiteSubscriptions(t *testing.T) {
	_, store := newTestStore(t)
	store.Create("Lists/golang")

	if err := store.Subscribe("Lists/golang"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	// Idempotent.
	if err := store.Subscribe("Lists/golang"); err != nil {
		t.Errorf("Second subscribe failed: %v", err)
	}

	infos, err := store.ListSubscribed("", "*")
	if err != nil {
		t.Fatalf("ListSubscribed failed: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.Name == "Lists/golang" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListSubscribed = %v", infos)
	}

	// Subscriptions survive deletion; the entry turns Noselect.
	if err := store.Delete("Lists/golang"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	infos, _ = store.ListSubscribed("", "*")
	for _, info := range infos {
		if info.Name == "Lists/golang" && !info.Attrs.Has(mailbox.AttrNoselect) {
			t.Errorf("Dead subscription not Noselect: %v", info.Attrs)
		}
	}

	if err := store.Unsubscribe("Lists/golang"); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
}

func TestSQLiteReadOnlyHandle(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	appendMessage(t, mb, "immutable\r\n")
	mb.Close(false)

	ro, err := store.Mailbox("INBOX", true)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}
	defer ro.Close(false)

	if err := ro.StartAppend(0, time.Time{}); !errors.Is(err, mailbox.ErrUnsupported) {
		t.Errorf("StartAppend on read-only: %v", err)
	}
	if err := ro.SetFlags(1, mailbox.FlagSet(0).With(mailbox.FlagSeen), true); !errors.Is(err, mailbox.ErrUnsupported) {
		t.Errorf("SetFlags on read-only: %v", err)
	}
	if _, err := ro.Expunge(); !errors.Is(err, mailbox.ErrUnsupported) {
		t.Errorf("Expunge on read-only: %v", err)
	}
}

func TestSQLiteAppendStateMachine(t *testing.T) {
	_, store := newTestStore(t)
	mb, _ := store.Mailbox("INBOX", false)
	defer mb.Close(false)

	if _, err := mb.AppendContent([]byte("x")); !errors.Is(err, mailbox.ErrInvalidState) {
		t.Errorf("AppendContent before StartAppend: %v", err)
	}
	if _, err := mb.EndAppend(); !errors.Is(err, mailbox.ErrInvalidState) {
		t.Errorf("EndAppend before StartAppend: %v", err)
	}
	if err := mb.StartAppend(0, time.Time{}); err != nil {
		t.Fatalf("StartAppend failed: %v", err)
	}
	if err := mb.StartAppend(0, time.Time{}); !errors.Is(err, mailbox.ErrInvalidState) {
		t.Errorf("Second StartAppend: %v", err)
	}
	if _, err := mb.EndAppend(); err != nil {
		t.Fatalf("EndAppend failed: %v", err)
	}
}
