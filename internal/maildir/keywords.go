package maildir

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	keywordsFile   = ".keywords"
	keywordsHeader = "# gumdrop-keywords v1"
	maxKeywords    = 26
)

// KeywordTable maps IMAP keywords to the lowercase filename letters a-z.
// One table lives per mailbox directory; slot assignments are stable for
// the life of the mailbox so existing filenames stay meaningful.
type KeywordTable struct {
	dir   string
	slots [maxKeywords]string
	index map[string]int // lowercased keyword -> slot
	dirty bool
}

// LoadKeywordTable reads the table from dir. A missing file yields an
// empty table. Damage never blocks opening the mailbox: a header mismatch
// is logged and the table treated as empty, and a malformed slot line is
// logged and skipped.
func LoadKeywordTable(dir string) (*KeywordTable, error) {
	t := &KeywordTable{dir: dir, index: make(map[string]int)}

	f, err := os.Open(filepath.Join(dir, keywordsFile))
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != keywordsHeader {
		slog.Warn("keyword table header mismatch, treating as empty", "dir", dir)
		return t, nil
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		numStr, kw, ok := strings.Cut(line, " ")
		slot, err := strconv.Atoi(numStr)
		if !ok || err != nil || slot < 0 || slot >= maxKeywords || kw == "" {
			slog.Warn("skipping malformed keyword table line", "dir", dir, "line", line)
			continue
		}
		t.slots[slot] = kw
		t.index[strings.ToLower(kw)] = slot
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// Keyword returns the keyword assigned to a slot, or "" when unassigned.
func (t *KeywordTable) Keyword(slot int) string {
	if slot < 0 || slot >= maxKeywords {
		return ""
	}
	return t.slots[slot]
}

// Slot returns the slot of a keyword, matched case-insensitively, or -1.
func (t *KeywordTable) Slot(keyword string) int {
	if slot, ok := t.index[strings.ToLower(keyword)]; ok {
		return slot
	}
	return -1
}

// Keywords lists the assigned keywords in slot order.
func (t *KeywordTable) Keywords() []string {
	var out []string
	for _, kw := range t.slots {
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// GetOrCreate returns the slot for a keyword, assigning the lowest free
// slot if it is new. Returns -1 when all slots are taken.
func (t *KeywordTable) GetOrCreate(keyword string) int {
	if slot := t.Slot(keyword); slot >= 0 {
		return slot
	}
	for slot := 0; slot < maxKeywords; slot++ {
		if t.slots[slot] == "" {
			t.slots[slot] = keyword
			t.index[strings.ToLower(keyword)] = slot
			t.dirty = true
			return slot
		}
	}
	return -1
}

// Save writes the table back atomically if it changed since load.
func (t *KeywordTable) Save() error {
	if !t.dirty {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(keywordsHeader)
	sb.WriteByte('\n')
	for slot, kw := range t.slots {
		if kw != "" {
			fmt.Fprintf(&sb, "%d %s\n", slot, kw)
		}
	}

	path := filepath.Join(t.dir, keywordsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	t.dirty = false
	return nil
}
