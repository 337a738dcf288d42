package ingest

import (
	"sort"
	"strings"
)

// Separator terminates every component of a relative path.
const Separator = "/"

// Item is one uploadable file and the directory path it was found under.
type Item struct {
	Path string // relative directory path, "" for roots, otherwise ends in Separator
	Name string
	File *File
}

// Key returns the item's full relative name, e.g. "photos/2024/a.jpg".
func (it Item) Key() string {
	return it.Path + it.Name
}

// Stats summarises how a batch was collected.
type Stats struct {
	Resolved     int
	Fallbacks    int
	Dropped      int
	Directories  int
	PageFailures int
	Cancelled    int // directories left unread because the gesture was cancelled
}

// Batch is the consolidated result of one gesture.
type Batch struct {
	ID               string
	Files            []Item
	EmptyDirectories []string
	Stats            Stats
}

// Empty reports whether the batch carries neither files nor directories.
func (b *Batch) Empty() bool {
	return len(b.Files) == 0 && len(b.EmptyDirectories) == 0
}

// TotalSize returns the sum of the file sizes in the batch.
func (b *Batch) TotalSize() int64 {
	var n int64
	for _, it := range b.Files {
		if it.File != nil {
			n += it.File.Size
		}
	}
	return n
}

// Sink accepts finished batches. Submit is called synchronously, once per gesture.
type Sink interface {
	Submit(b *Batch)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(b *Batch)

// Submit calls f.
func (f SinkFunc) Submit(b *Batch) {
	f(b)
}

// ChildPath returns the relative path of directory name under parent.
func ChildPath(parent, name string) string {
	return parent + name + Separator
}

// JoinPath builds a relative path from its ancestor names.
func JoinPath(names ...string) string {
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteString(Separator)
	}
	return sb.String()
}

// SplitPath returns the ancestor names of a relative path. It is the inverse of JoinPath.
func SplitPath(p string) []string {
	p = strings.TrimSuffix(p, Separator)
	if p == "" {
		return nil
	}
	return strings.Split(p, Separator)
}

// sortItems orders items by path then name so batches compare stably.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Path != items[j].Path {
			return items[i].Path < items[j].Path
		}
		return items[i].Name < items[j].Name
	})
}
