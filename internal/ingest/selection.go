package ingest

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/logging"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

// Selected is a file picked through a folder picker that cannot expose
// directory entries, only files tagged with their path below the picked folder.
type Selected struct {
	File         *File
	RelativePath string // e.g. "photos/2024/a.jpg"; empty for plain file picks
}

// FromSelection builds a batch from a flat picker selection. Directory
// emptiness is not observable this way, so the batch never lists empty
// directories. Entries named "." are pseudo-entries some hosts emit for the
// picked folder itself and are skipped.
func FromSelection(selected []Selected) (*Batch, error) {
	items := make([]Item, 0, len(selected))
	for _, s := range selected {
		if s.File == nil || s.File.Name == "." {
			continue
		}
		items = append(items, Item{
			Path: selectionDir(s.RelativePath, s.File.Name),
			Name: s.File.Name,
			File: s.File,
		})
	}
	if len(items) == 0 {
		return nil, ErrNothingToUpload
	}
	sortItems(items)

	return &Batch{
		ID:               uuid.NewString(),
		Files:            items,
		EmptyDirectories: []string{},
		Stats:            Stats{Resolved: len(items)},
	}, nil
}

// SubmitSelection builds a batch from selected and hands it to sink.
func SubmitSelection(ctx context.Context, selected []Selected, sink Sink) (*Batch, error) {
	metrics.RecordGestureStarted("selection")
	b, err := FromSelection(selected)
	if err != nil {
		return nil, err
	}
	metrics.RecordGestureFinalized(0, 0)
	logging.WithContext(logging.WithGesture(ctx, b.ID)).Info("selection finalized",
		zap.Int("files", len(b.Files)))
	if sink != nil {
		sink.Submit(b)
	}
	return b, nil
}

// selectionDir strips the trailing "/name" (or "\name") from a picker path and
// returns the remaining directory in relative path form.
func selectionDir(relPath, name string) string {
	if relPath == "" {
		return ""
	}
	dir := relPath
	for _, sep := range []string{"/", "\\"} {
		if strings.HasSuffix(dir, sep+name) {
			dir = strings.TrimSuffix(dir, sep+name)
			break
		}
	}
	if dir == relPath && dir == name {
		return ""
	}
	dir = strings.ReplaceAll(dir, "\\", Separator)
	dir = strings.Trim(dir, Separator)
	if dir == "" {
		return ""
	}
	return dir + Separator
}
