// Package billyfs exposes a go-billy filesystem as an ingest entry source.
//
// Directories are listed once per read cycle and handed out in pages of
// PageSize entries, mirroring hosts that page large directories. Symlinked
// children are followed unless they lead back into a directory already being
// walked; such links and dangling links surface as files whose resolution
// fails, which lets the traversal fall back or drop them.
package billyfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

// DefaultPageSize matches the batch size browsers use for directory readers.
const DefaultPageSize = 100

// maxLinkHops bounds symlink resolution within a single path.
const maxLinkHops = 255

// ErrSymlinkLoop is returned for links that lead back into a directory the walk
// is already inside.
var ErrSymlinkLoop = errors.New("symlink leads to an enclosing directory")

// Option configures a Source.
type Option func(*Source)

// WithPageSize sets the number of children returned per page.
func WithPageSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Source implements ingest.Source over a billy.Filesystem.
type Source struct {
	fs       billy.Filesystem
	pageSize int
}

// New creates a Source over fs.
func New(fs billy.Filesystem, opts ...Option) *Source {
	s := &Source{
		fs:       fs,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entry struct {
	src      *Source
	path     string
	info     os.FileInfo
	resolved string // path with every symlink resolved
	parent   *entry
	err      error // set for links that are not followed
}

// encloses reports whether resolved is e or one of its ancestors, or contains
// one of them.
func (e *entry) encloses(resolved string) bool {
	for d := e; d != nil; d = d.parent {
		if within(d.resolved, resolved) {
			return true
		}
	}
	return false
}

func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *entry) Name() string { return e.info.Name() }
func (e *entry) IsDir() bool  { return e.info.IsDir() }

// Path returns the entry's path inside the filesystem.
func (e *entry) Path() string { return e.path }

// Entry returns the entry at path, following symlinks when possible.
func (s *Source) Entry(path string) (ingest.Entry, error) {
	info, err := s.stat(path)
	if err != nil {
		return nil, err
	}
	resolved, err := s.realPath(path)
	if err != nil {
		resolved = filepath.Join(string(filepath.Separator), path)
	}
	return &entry{src: s, path: path, info: info, resolved: resolved}, nil
}

// Roots returns one root per path.
func (s *Source) Roots(paths ...string) ([]ingest.Root, error) {
	roots := make([]ingest.Root, 0, len(paths))
	for _, p := range paths {
		e, err := s.Entry(p)
		if err != nil {
			return nil, err
		}
		roots = append(roots, ingest.Root{Entry: e})
	}
	return roots, nil
}

// stat follows symlinks and falls back to the link itself when the target is gone.
func (s *Source) stat(path string) (os.FileInfo, error) {
	info, err := s.fs.Stat(path)
	if err == nil {
		return info, nil
	}
	if linfo, lerr := s.fs.Lstat(path); lerr == nil {
		return linfo, nil
	}
	return nil, fmt.Errorf("billy: stat %q: %w", path, err)
}

// realPath resolves every symlink in p, one component at a time. Billy paths
// are rooted at the filesystem root, so the result is always absolute.
func (s *Source) realPath(p string) (string, error) {
	sep := string(filepath.Separator)
	todo := strings.Split(filepath.Clean(p), sep)
	done := sep

	hops := 0
	for len(todo) > 0 {
		c := todo[0]
		todo = todo[1:]
		switch c {
		case "", ".":
			continue
		case "..":
			done = filepath.Dir(done)
			continue
		}

		next := filepath.Join(done, c)
		info, err := s.fs.Lstat(next)
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			done = next
			continue
		}

		if hops++; hops > maxLinkHops {
			return "", ErrSymlinkLoop
		}
		target, err := s.fs.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			done = sep
		}
		todo = append(strings.Split(filepath.Clean(target), sep), todo...)
	}
	return done, nil
}

func (s *Source) own(e ingest.Entry) (*entry, error) {
	be, ok := e.(*entry)
	if !ok || be.src != s {
		return nil, ingest.ErrForeignEntry
	}
	return be, nil
}

// ResolveFile implements ingest.Source.
func (s *Source) ResolveFile(ctx context.Context, e ingest.Entry) (*ingest.File, error) {
	start := time.Now()
	defer func() { metrics.RecordSourceCall("billy", "resolve_file", time.Since(start)) }()

	be, err := s.own(e)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if be.err != nil {
		return nil, &ingest.EntryError{Op: "resolve", Path: be.path, Err: be.err}
	}

	info, err := s.fs.Stat(be.path)
	if err != nil {
		return nil, &ingest.EntryError{Op: "resolve", Path: be.path, Err: err}
	}
	if info.IsDir() {
		return nil, &ingest.EntryError{Op: "resolve", Path: be.path, Err: ingest.ErrNotFile}
	}

	// Probe readability now so unreadable files fail during traversal, not upload.
	f, err := s.fs.Open(be.path)
	if err != nil {
		return nil, &ingest.EntryError{Op: "resolve", Path: be.path, Err: err}
	}
	f.Close()

	fs, path := s.fs, be.path
	return &ingest.File{
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Content: ingest.ContentFunc(func(context.Context) (io.ReadCloser, error) {
			return fs.Open(path)
		}),
	}, nil
}

// OpenDir implements ingest.Source.
func (s *Source) OpenDir(ctx context.Context, e ingest.Entry) (ingest.DirReader, error) {
	be, err := s.own(e)
	if err != nil {
		return nil, err
	}
	if !be.IsDir() {
		return nil, &ingest.EntryError{Op: "open", Path: be.path, Err: ingest.ErrNotDirectory}
	}
	return &dirReader{src: s, dir: be, path: be.path}, nil
}

type dirReader struct {
	src    *Source
	dir    *entry
	path   string
	loaded bool
	infos  []os.FileInfo
	pos    int
}

// ReadNextPage implements ingest.DirReader.
func (r *dirReader) ReadNextPage(ctx context.Context) ([]ingest.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordSourceCall("billy", "read_page", time.Since(start)) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.loaded {
		infos, err := r.src.fs.ReadDir(r.path)
		if err != nil {
			return nil, &ingest.EntryError{Op: "read", Path: r.path, Err: err}
		}
		r.infos = infos
		r.loaded = true
	}

	end := r.pos + r.src.pageSize
	if end > len(r.infos) {
		end = len(r.infos)
	}
	page := make([]ingest.Entry, 0, end-r.pos)
	for _, info := range r.infos[r.pos:end] {
		page = append(page, r.child(info))
	}
	r.pos = end
	return page, nil
}

// child builds the entry for info, following symlinks that do not lead back
// into the directories enclosing this reader.
func (r *dirReader) child(info os.FileInfo) *entry {
	e := &entry{
		src:      r.src,
		path:     r.src.fs.Join(r.path, info.Name()),
		info:     info,
		resolved: filepath.Join(r.dir.resolved, info.Name()),
		parent:   r.dir,
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return e
	}

	target, err := r.src.fs.Stat(e.path)
	if err != nil {
		return e
	}
	if !target.IsDir() {
		e.info = target
		return e
	}

	resolved, err := r.src.realPath(e.resolved)
	switch {
	case err != nil:
		e.err = err
	case r.dir.encloses(resolved):
		e.err = ErrSymlinkLoop
	default:
		e.info = target
		e.resolved = resolved
	}
	return e
}
