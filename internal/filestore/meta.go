package filestore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gumdrop/internal/mailbox"
)

// writeFileAtomic writes through a temporary file and renames it into
// place so readers never observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readUint32File(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, mailbox.ErrCorrupt)
	}
	return uint32(n), nil
}

func writeUint32File(path string, n uint32) error {
	return writeFileAtomic(path, []byte(strconv.FormatUint(uint64(n), 10)+"\n"))
}

// initMailboxDir makes dir a selectable mailbox if it is not one yet.
func initMailboxDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if isMailboxDir(dir) {
		return nil
	}
	if err := writeUint32File(filepath.Join(dir, uidNextFile), 1); err != nil {
		return err
	}
	return writeUint32File(filepath.Join(dir, uidValidityFile), uint32(time.Now().Unix()))
}

// bumpUIDValidity assigns a strictly greater UIDVALIDITY after the mailbox
// identity breaks.
func bumpUIDValidity(dir string) error {
	path := filepath.Join(dir, uidValidityFile)
	old, err := readUint32File(path)
	if err != nil {
		return err
	}
	next := uint32(time.Now().Unix())
	if next <= old {
		next = old + 1
	}
	return writeUint32File(path, next)
}

// allocateUID hands out the next UID and advances UIDNEXT. Callers hold
// the mailbox write lock.
func allocateUID(dir string) (uint32, error) {
	path := filepath.Join(dir, uidNextFile)
	next, err := readUint32File(path)
	if err != nil {
		return 0, err
	}
	if err := writeUint32File(path, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// pairTable is the shared shape of .uidmap, .flags and .keywords: one
// "<filename> <value>" line per message file.
type pairTable map[string]string

func loadPairTable(path string) (pairTable, error) {
	t := make(pairTable)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, " ")
		if name == "" {
			return nil, fmt.Errorf("%s: %w", path, mailbox.ErrCorrupt)
		}
		t[name] = value
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func savePairTable(path string, t pairTable) error {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		if v := t[name]; v != "" {
			sb.WriteByte(' ')
			sb.WriteString(v)
		}
		sb.WriteByte('\n')
	}
	return writeFileAtomic(path, []byte(sb.String()))
}
