package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/storage"
)

// ErrReadOnlyTarget is returned when a drop targets a location that refuses writes.
var ErrReadOnlyTarget = errors.New("drop target is read-only")

// WritableFunc reports whether the drop target accepts writes.
// A storage.ErrReadOnlyStorage result refuses the drop.
type WritableFunc func() error

// Dropzone accepts drops and picker selections for one target.
type Dropzone struct {
	sink     ingest.Sink
	writable WritableFunc
	opts     []ingest.Option
}

// NewDropzone creates a Dropzone delivering batches to sink. opts apply to
// every gesture it starts.
func NewDropzone(sink ingest.Sink, writable WritableFunc, opts ...ingest.Option) *Dropzone {
	return &Dropzone{sink: sink, writable: writable, opts: opts}
}

func (d *Dropzone) check() error {
	if d.writable == nil {
		return nil
	}
	if err := d.writable(); err != nil {
		if errors.Is(err, storage.ErrReadOnlyStorage) {
			return ErrReadOnlyTarget
		}
		return fmt.Errorf("check drop target: %w", err)
	}
	return nil
}

// Drop starts a traversal of roots. It returns without waiting for the batch.
func (d *Dropzone) Drop(ctx context.Context, src ingest.Source, roots []ingest.Root) (*ingest.Gesture, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	return ingest.Start(ctx, src, roots, d.sink, d.opts...)
}

// Pick submits a folder-picker selection.
func (d *Dropzone) Pick(ctx context.Context, selected []ingest.Selected) (*ingest.Batch, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	return ingest.SubmitSelection(ctx, selected, d.sink)
}
