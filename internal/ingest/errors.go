package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToUpload is returned when a gesture carries no entries and no files.
	ErrNothingToUpload = errors.New("nothing to upload")

	// ErrNotDirectory is returned by sources asked to page a file entry.
	ErrNotDirectory = errors.New("entry is not a directory")

	// ErrNotFile is returned by sources asked to resolve a directory entry.
	ErrNotFile = errors.New("entry is not a file")

	// ErrForeignEntry is returned by sources handed an entry they did not produce.
	ErrForeignEntry = errors.New("entry does not belong to this source")
)

// EntryError records a failed source call for one entry.
type EntryError struct {
	Op   string // resolve, open, read
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
