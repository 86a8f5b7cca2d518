package maildir

import (
	"strings"
	"sync"
	"testing"

	"gumdrop/internal/mailbox"
)

func TestParseNameFull(t *testing.T) {
	n, err := ParseName("1733356800000.12345.1,S=4523:2,SF")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if n.Timestamp != 1733356800000 {
		t.Errorf("Expected timestamp 1733356800000, got %d", n.Timestamp)
	}
	if n.Unique != "12345.1" {
		t.Errorf("Expected unique %q, got %q", "12345.1", n.Unique)
	}
	if n.Size != 4523 {
		t.Errorf("Expected size 4523, got %d", n.Size)
	}
	want := mailbox.FlagSet(0).With(mailbox.FlagSeen).With(mailbox.FlagFlagged)
	if n.Flags != want {
		t.Errorf("Expected flags %v, got %v", want, n.Flags)
	}
	if len(n.Keywords) != 0 {
		t.Errorf("Expected no keyword slots, got %v", n.Keywords)
	}
}

func TestNameEmitNormalisesLetterOrder(t *testing.T) {
	n, err := ParseName("1733356800000.12345.1,S=4523:2,SF")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if got := n.String(); got != "1733356800000.12345.1,S=4523:2,FS" {
		t.Errorf("Emitted %q", got)
	}
}

func TestParseNameKeywordLetters(t *testing.T) {
	n, err := ParseName("1733356800000.77.3,S=100:2,Sab")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if !n.Flags.Has(mailbox.FlagSeen) {
		t.Errorf("Expected Seen flag")
	}
	if len(n.Keywords) != 2 || n.Keywords[0] != 0 || n.Keywords[1] != 1 {
		t.Errorf("Expected keyword slots [0 1], got %v", n.Keywords)
	}
	if got := n.String(); got != "1733356800000.77.3,S=100:2,Sab" {
		t.Errorf("Round-trip emitted %q", got)
	}
}

func TestParseNameWithoutInfo(t *testing.T) {
	n, err := ParseName("1733356800000.99.5,S=12")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if n.Flags != 0 || n.Size != 12 {
		t.Errorf("Unexpected parse: flags=%v size=%d", n.Flags, n.Size)
	}
	if got := n.BasePrefix(); got != "1733356800000.99.5,S=12" {
		t.Errorf("BasePrefix = %q", got)
	}
}

func TestParseNameWithoutSize(t *testing.T) {
	n, err := ParseName("1733356800000.99.5:2,T")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if n.Size != -1 {
		t.Errorf("Expected size -1 when absent, got %d", n.Size)
	}
	if !n.Flags.Has(mailbox.FlagDeleted) {
		t.Errorf("Expected Deleted flag")
	}
}

func TestParseNameErrors(t *testing.T) {
	cases := []string{
		"",
		"noseparator",
		".unique",
		"1733356800000.",
		"abc.unique",
		"1733356800000.u,S=big",
		"1733356800000.u:2,X",
		"1733356800000.u:2,S!",
	}
	for _, input := range cases {
		if _, err := ParseName(input); err == nil {
			t.Errorf("ParseName(%q) succeeded, expected error", input)
		}
	}
}

func TestNewNameUnique(t *testing.T) {
	const workers = 8
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				name := NewName(10, 0, nil).String()
				mu.Lock()
				if seen[name] {
					t.Errorf("Duplicate generated name %q", name)
				}
				seen[name] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d distinct names, got %d", workers*perWorker, len(seen))
	}
	for name := range seen {
		if _, err := ParseName(name); err != nil {
			t.Errorf("Generated name %q does not parse: %v", name, err)
		}
		if !strings.Contains(name, ",S=10") {
			t.Errorf("Generated name %q missing size field", name)
		}
	}
}
