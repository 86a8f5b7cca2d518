package mailbox

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{
		"INBOX",
		"Sent",
		"Work/Projects/Go",
		"Données/été",
		"a b c",
	}
	for _, name := range valid {
		if err := ValidateName(name, "/"); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}

	invalid := []string{
		"",
		"/leading",
		"trailing/",
		"double//delimiter",
		".",
		"..",
		"up/../escape",
		"\xff\xfe",
	}
	for _, name := range invalid {
		if err := ValidateName(name, "/"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, expected ErrInvalidName", name, err)
		}
	}
}

func TestIsInbox(t *testing.T) {
	for _, name := range []string{"INBOX", "inbox", "InBox"} {
		if !IsInbox(name) {
			t.Errorf("IsInbox(%q) = false", name)
		}
	}
	if IsInbox("INBOX/sub") {
		t.Error("IsInbox should not match children")
	}
}

func TestParents(t *testing.T) {
	got := Parents("a/b/c", "/")
	if len(got) != 2 || got[0] != "a" || got[1] != "a/b" {
		t.Errorf("Parents(a/b/c) = %v", got)
	}
	if got := Parents("top", "/"); len(got) != 0 {
		t.Errorf("Parents(top) = %v", got)
	}
}

func TestSpecialUse(t *testing.T) {
	cases := map[string]Attr{
		"Drafts":        AttrDrafts,
		"sent":          AttrSent,
		"Sent Items":    AttrSent,
		"Trash":         AttrTrash,
		"Deleted Items": AttrTrash,
		"Spam":          AttrJunk,
		"Archive":       AttrArchive,
		"Work":          "",
	}
	for name, want := range cases {
		if got := SpecialUse(name); got != want {
			t.Errorf("SpecialUse(%q) = %q, expected %q", name, got, want)
		}
	}
}

func TestAttrSetWith(t *testing.T) {
	s := AttrSet{}.With(AttrHasNoChildren)
	s = s.With(AttrHasChildren)
	if s.Has(AttrHasNoChildren) {
		t.Error("HasChildren should replace HasNoChildren")
	}
	if !s.Has(AttrHasChildren) {
		t.Error("Expected HasChildren")
	}
	// Idempotent.
	if len(s.With(AttrHasChildren)) != len(s) {
		t.Error("Adding a present attribute grew the set")
	}
}
