package mailbox

import "testing"

func TestParseFlag(t *testing.T) {
	cases := []struct {
		in   string
		want Flag
	}{
		{`\Seen`, FlagSeen},
		{`\ANSWERED`, FlagAnswered},
		{`flagged`, FlagFlagged},
		{`\Deleted`, FlagDeleted},
		{`\draft`, FlagDraft},
		{`\Recent`, FlagRecent},
	}
	for _, c := range cases {
		got, err := ParseFlag(c.in)
		if err != nil || got != c.want {
			t.Errorf("ParseFlag(%q) = %v, %v", c.in, got, err)
		}
	}
	if _, err := ParseFlag(`\Bogus`); err == nil {
		t.Error("Expected error for unknown flag")
	}
}

func TestParseFlagSet(t *testing.T) {
	set, err := ParseFlagSet(`\Seen \Flagged`)
	if err != nil {
		t.Fatalf("ParseFlagSet failed: %v", err)
	}
	if !set.Has(FlagSeen) || !set.Has(FlagFlagged) || set.Has(FlagDeleted) {
		t.Errorf("ParseFlagSet = %v", set)
	}

	if set, err := ParseFlagSet(""); err != nil || set != 0 {
		t.Errorf("Empty list: %v, %v", set, err)
	}
	if _, err := ParseFlagSet(`\Seen \Nope`); err == nil {
		t.Error("Expected error for unknown flag in list")
	}
}

func TestFlagSetString(t *testing.T) {
	set := FlagSet(0).With(FlagFlagged).With(FlagSeen)
	if got := set.String(); got != `\Seen \Flagged` {
		t.Errorf("String = %q", got)
	}
}

func TestLetters(t *testing.T) {
	set := FlagSet(0).With(FlagSeen).With(FlagDraft).With(FlagAnswered)
	if got := set.Letters(); got != "DRS" {
		t.Errorf("Letters = %q, expected sorted DRS", got)
	}

	// Recent never gets a letter.
	if got := FlagSet(0).With(FlagRecent).Letters(); got != "" {
		t.Errorf("Recent produced letter %q", got)
	}
}

func TestParseLetters(t *testing.T) {
	set := ParseLetters("FST")
	if !set.Has(FlagFlagged) || !set.Has(FlagSeen) || !set.Has(FlagDeleted) {
		t.Errorf("ParseLetters(FST) = %v", set)
	}
	// Keyword letters and unknown characters are skipped.
	if set := ParseLetters("abz9"); set != 0 {
		t.Errorf("ParseLetters(abz9) = %v", set)
	}
}

func TestUnionMinus(t *testing.T) {
	a := FlagSet(0).With(FlagSeen).With(FlagFlagged)
	b := FlagSet(0).With(FlagFlagged).With(FlagDeleted)
	if u := a.Union(b); !u.Has(FlagSeen) || !u.Has(FlagDeleted) {
		t.Errorf("Union = %v", u)
	}
	if m := a.Minus(b); m.Has(FlagFlagged) || !m.Has(FlagSeen) {
		t.Errorf("Minus = %v", m)
	}
}

func TestParseStoreAction(t *testing.T) {
	cases := []struct {
		in     string
		action StoreAction
		silent bool
	}{
		{"FLAGS", StoreReplace, false},
		{"+FLAGS", StoreAdd, false},
		{"-FLAGS", StoreRemove, false},
		{"+flags.silent", StoreAdd, true},
		{"FLAGS.SILENT", StoreReplace, true},
	}
	for _, c := range cases {
		action, silent, err := ParseStoreAction(c.in)
		if err != nil || action != c.action || silent != c.silent {
			t.Errorf("ParseStoreAction(%q) = %v, %v, %v", c.in, action, silent, err)
		}
	}
	if _, _, err := ParseStoreAction("FLAGS+"); err == nil {
		t.Error("Expected error for malformed item")
	}
}
