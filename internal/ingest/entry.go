package ingest

import (
	"bytes"
	"context"
	"io"
	"time"
)

// Entry is a node discovered in a dropped tree. Adapters return their own
// implementations and recognise them again in ResolveFile and OpenDir.
type Entry interface {
	Name() string
	IsDir() bool
}

// Content opens the bytes of a resolved file. Opening is deferred so a batch
// can carry thousands of files without holding them in memory.
type Content interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ContentFunc adapts a function to Content.
type ContentFunc func(ctx context.Context) (io.ReadCloser, error)

// Open calls f.
func (f ContentFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// Bytes is in-memory file content.
type Bytes []byte

// Open returns a reader over b.
func (b Bytes) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// File is a resolved file: a name, a size and a handle on its content.
type File struct {
	Name    string
	Size    int64
	ModTime time.Time
	Content Content
}

// NewBytesFile returns a File backed by data.
func NewBytesFile(name string, data []byte) *File {
	return &File{
		Name:    name,
		Size:    int64(len(data)),
		ModTime: time.Now(),
		Content: Bytes(data),
	}
}

// Source is the host tree-walking primitive a traversal runs against.
//
// ResolveFile turns a file entry into a File. OpenDir starts a read cycle over
// a directory entry; the returned DirReader pages its children. Host errors are
// returned as values and never escape a traversal.
type Source interface {
	ResolveFile(ctx context.Context, entry Entry) (*File, error)
	OpenDir(ctx context.Context, entry Entry) (DirReader, error)
}

// DirReader pages the children of one directory. A single call is not
// guaranteed to return every child: callers keep calling ReadNextPage until it
// returns an empty page.
type DirReader interface {
	ReadNextPage(ctx context.Context) ([]Entry, error)
}

// Root is a top-level entry of a gesture. Fallback, when set, is used in place
// of a file entry that fails to resolve (for example a symlink whose target is
// no longer readable through the source).
type Root struct {
	Entry    Entry
	Fallback *File
}
