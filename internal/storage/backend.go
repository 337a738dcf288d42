// Package storage defines the Backend interface uploads are written to and
// the named locations a drop can target.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrReadOnlyStorage is returned when a write operation targets a read-only storage location.
var ErrReadOnlyStorage = errors.New("storage location is read-only")

// Backend is the interface for content storage backends.
// Keys are slash separated and relative to the backend root.
type Backend interface {
	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// MakeDir materializes a directory, including an empty one.
	MakeDir(ctx context.Context, key string) error

	// GetObject retrieves the whole object and its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

type readOnly struct {
	Backend
}

// ReadOnly wraps b so that every write returns ErrReadOnlyStorage.
func ReadOnly(b Backend) Backend {
	if IsReadOnly(b) {
		return b
	}
	return readOnly{Backend: b}
}

// IsReadOnly reports whether b was wrapped by ReadOnly.
func IsReadOnly(b Backend) bool {
	_, ok := b.(readOnly)
	return ok
}

func (readOnly) PutObject(context.Context, string, io.Reader, int64) error { return ErrReadOnlyStorage }
func (readOnly) MakeDir(context.Context, string) error                     { return ErrReadOnlyStorage }
func (readOnly) DeleteObject(context.Context, string) error                { return ErrReadOnlyStorage }
