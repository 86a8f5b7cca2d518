// Package conf loads the yaml configuration shared by the tooling. The
// configuration names the mailbox backend, its root directory, and the
// blob storage used by the sqlite backend.
package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"gumdrop/internal/blobstorage"
)

type Config struct {
	// Backend is "filestore", "maildir" or "sqlite".
	Backend string `yaml:"backend"`
	// Root is the directory holding per-user mailbox state.
	Root string `yaml:"root"`
	// LogLevel is "debug", "info", "warn" or "error"; empty means info.
	LogLevel string `yaml:"log_level"`

	BlobStorage blobstorage.Config `yaml:"blob_storage"`
}

// Validate checks the fields a backend needs before any store is opened.
func (c *Config) Validate() error {
	switch c.Backend {
	case "", "filestore", "maildir", "sqlite":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Root == "" {
		return fmt.Errorf("root directory not set")
	}
	return nil
}

// LoadConfig probes the conventional locations and loads the first file
// found.
func LoadConfig() (*Config, error) {
	configPaths := []string{
		"/etc/gumdrop/gumdrop.yaml",
		"./config/gumdrop.yaml",
		"./gumdrop.yaml",
		"config/gumdrop.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return parse(data)
}

// LoadConfigFile loads one explicit file, for the -config flag.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
