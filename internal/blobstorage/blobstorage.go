// Package blobstorage stores raw message bodies for the SQLite backend.
// Blobs are content-addressed by SHA-256, so identical messages delivered
// to several mailboxes share one blob. Two implementations exist: a local
// directory store and an S3-compatible object store.
package blobstorage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Config selects and configures the blob store. It is embedded in the
// top-level yaml configuration under blob_storage.
type Config struct {
	// Backend is "local" or "s3".
	Backend string `yaml:"backend"`

	// Path is the blob directory for the local backend.
	Path string `yaml:"path"`

	// S3 settings.
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Storage is a content-addressed blob store. Store returns the key under
// which the content was written; storing the same content twice returns
// the same key.
type Storage interface {
	Store(ctx context.Context, data []byte) (string, error)
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the storage selected by cfg.
func New(cfg Config) (Storage, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Path)
	case "s3":
		return NewS3(cfg)
	}
	return nil, fmt.Errorf("unknown blob storage backend %q", cfg.Backend)
}

// blobKey derives the content address of a blob.
func blobKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
