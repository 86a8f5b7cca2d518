package blobstorage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores blobs as files under a root directory, fanned out by the
// first two characters of the key to keep directories small.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local blob storage requires a path")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &Local{root: root}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, key[:2], key)
}

func (l *Local) Store(_ context.Context, data []byte) (string, error) {
	key := blobKey(data)
	path := l.path(key)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: already present.
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return key, nil
}

func (l *Local) Retrieve(_ context.Context, key string) ([]byte, error) {
	if len(key) < 2 {
		return nil, fmt.Errorf("malformed blob key %q", key)
	}
	return os.ReadFile(l.path(key))
}

func (l *Local) Delete(_ context.Context, key string) error {
	if len(key) < 2 {
		return fmt.Errorf("malformed blob key %q", key)
	}
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
