// Package local provides a filesystem storage backend built on go-billy.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/fruitsalade/dropzone/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Backend implements storage.Backend on a billy filesystem.
type Backend struct {
	fs billy.Filesystem
}

// New creates a backend rooted at cfg.RootPath on the host filesystem.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return NewFS(osfs.New(cfg.RootPath)), nil
}

// NewFS creates a backend over an existing filesystem.
func NewFS(fs billy.Filesystem) *Backend {
	return &Backend{fs: fs}
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// cleanKey rejects keys that would escape the root.
func cleanKey(key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return clean, nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation("local", op, time.Since(start), err == nil)
}

// PutObject writes content atomically through a temp file and rename.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	p, err := cleanKey(key)
	if err != nil {
		return err
	}
	dir := path.Dir(p)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := b.fs.TempFile(dir, ".dropzone-")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := b.fs.Rename(tmpName, p); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// MakeDir creates the directory and any missing parents.
func (b *Backend) MakeDir(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { record("make_dir", start, err) }()

	p, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := b.fs.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	return nil
}

// GetObject opens a file for reading.
func (b *Backend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	p, err := cleanKey(key)
	if err != nil {
		return nil, 0, err
	}
	info, err := b.fs.Stat(p)
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory", key)
	}
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// ObjectExists checks if a file or directory exists.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	p, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	if _, err := b.fs.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// DeleteObject removes a file. Missing files are not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	p, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := b.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
