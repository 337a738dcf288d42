// Package sink receives finalized batches and uploads them.
//
// A Queue hands batch items to a Target with a fixed pool of workers. A Gate
// sits in front of the queue and holds batches back until a session exists.
// Dropzone ties a gesture to the gate and refuses read-only targets.
package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/events"
	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/logging"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

const (
	KindFile = "file"
	KindDir  = "dir"
)

// Target receives uploaded files and materialized empty directories.
// storage.Backend and remote.Client both satisfy it.
type Target interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
	MakeDir(ctx context.Context, key string) error
}

// Recorder journals batches and item outcomes.
type Recorder interface {
	RecordBatch(ctx context.Context, b *ingest.Batch) error
	RecordItem(ctx context.Context, batchID, key, kind string, size int64, uploadErr error) error
}

// Stats counts processed items.
type Stats struct {
	Uploaded int
	Failed   int
	Bytes    int64
}

type task struct {
	batchID string
	kind    string
	key     string
	file    *ingest.File
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of concurrent uploads.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithEvents publishes item and batch events on bus.
func WithEvents(bus *events.Broadcaster) QueueOption {
	return func(q *Queue) { q.bus = bus }
}

// WithJournal records batches and item outcomes in r.
func WithJournal(r Recorder) QueueOption {
	return func(q *Queue) { q.journal = r }
}

// WithPrefix places every key under prefix.
func WithPrefix(prefix string) QueueOption {
	return func(q *Queue) { q.prefix = prefix }
}

// Queue is a pausable FIFO of upload tasks. Each task gets a single attempt.
type Queue struct {
	target  Target
	workers int
	bus     *events.Broadcaster
	journal Recorder
	prefix  string

	mu        sync.Mutex
	cond      *sync.Cond
	items     []task
	remaining map[string]int
	paused    bool
	closed    bool
	active    int
	stats     Stats

	wg sync.WaitGroup
}

// NewQueue creates a stopped queue. Call Start to launch workers.
func NewQueue(target Target, opts ...QueueOption) *Queue {
	q := &Queue{
		target:    target,
		workers:   4,
		remaining: make(map[string]int),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	if q.prefix != "" {
		q.prefix = ingest.JoinPath(ingest.SplitPath(q.prefix)...)
	}
	return q
}

// Start launches the workers. They stop when ctx ends or Close is called.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// Submit implements ingest.Sink.
func (q *Queue) Submit(b *ingest.Batch) {
	q.Enqueue(context.Background(), b)
}

// Enqueue adds every empty directory and file of b. Directories go first so
// they exist before anything else is written into the same tree.
func (q *Queue) Enqueue(ctx context.Context, b *ingest.Batch) {
	if b == nil || b.Empty() {
		return
	}
	if q.journal != nil {
		if err := q.journal.RecordBatch(ctx, b); err != nil {
			logging.Warn("journal batch failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}

	tasks := make([]task, 0, len(b.EmptyDirectories)+len(b.Files))
	for _, d := range b.EmptyDirectories {
		tasks = append(tasks, task{batchID: b.ID, kind: KindDir, key: q.prefix + d})
	}
	for _, it := range b.Files {
		tasks = append(tasks, task{batchID: b.ID, kind: KindFile, key: q.prefix + it.Key(), file: it.File})
	}

	q.mu.Lock()
	q.items = append(q.items, tasks...)
	q.remaining[b.ID] += len(tasks)
	q.cond.Broadcast()
	q.mu.Unlock()

	logging.Info("batch queued",
		zap.String("batch_id", b.ID),
		zap.Int("files", len(b.Files)),
		zap.Int("empty_dirs", len(b.EmptyDirectories)),
		zap.Int64("bytes", b.TotalSize()))
	q.publish(events.Event{Type: events.EventBatchReady, BatchID: b.ID, Size: b.TotalSize()})
}

// Pause stops workers from taking new tasks. Running uploads finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	metrics.SetQueuePaused(true)
}

// Resume lets workers take tasks again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
	metrics.SetQueuePaused(false)
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of tasks not yet taken by a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns the counters so far.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Wait blocks until no task is queued or running, or ctx ends.
// A paused queue with queued tasks only returns through ctx.
func (q *Queue) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.active > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Close stops the workers after their current task. Queued tasks are abandoned.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	left := len(q.items)
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
	if left > 0 {
		logging.Warn("upload queue closed with pending items", zap.Int("pending", left))
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for !q.closed && (q.paused || len(q.items) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		t := q.items[0]
		q.items = q.items[1:]
		q.active++
		q.mu.Unlock()

		size, err := q.process(ctx, t)

		q.mu.Lock()
		q.active--
		if err != nil {
			q.stats.Failed++
		} else {
			q.stats.Uploaded++
			q.stats.Bytes += size
		}
		q.remaining[t.batchID]--
		batchDone := q.remaining[t.batchID] == 0
		if batchDone {
			delete(q.remaining, t.batchID)
		}
		if len(q.items) == 0 && q.active == 0 {
			q.cond.Broadcast()
		}
		q.mu.Unlock()

		if batchDone {
			logging.Info("batch uploaded", zap.String("batch_id", t.batchID))
			q.publish(events.Event{Type: events.EventBatchDone, BatchID: t.batchID})
		}
	}
}

func (q *Queue) process(ctx context.Context, t task) (int64, error) {
	start := time.Now()
	var size int64
	var err error

	switch t.kind {
	case KindDir:
		err = q.target.MakeDir(ctx, t.key)
	default:
		if t.file != nil {
			size = t.file.Size
		}
		err = q.upload(ctx, t)
	}
	metrics.RecordQueueItem(t.kind, size, err == nil)

	if q.journal != nil {
		if jerr := q.journal.RecordItem(ctx, t.batchID, t.key, t.kind, size, err); jerr != nil {
			logging.Warn("journal item failed", zap.String("key", t.key), zap.Error(jerr))
		}
	}

	if err != nil {
		logging.Warn("upload failed",
			zap.String("batch_id", t.batchID),
			zap.String("key", t.key),
			zap.String("kind", t.kind),
			zap.Error(err))
		q.publish(events.Event{Type: events.EventItemFailed, BatchID: t.batchID, Path: t.key, Error: err.Error()})
		return 0, err
	}

	logging.Debug("upload complete",
		zap.String("key", t.key),
		zap.Int64("size", size),
		zap.Duration("elapsed", time.Since(start)))
	q.publish(events.Event{Type: events.EventItemUploaded, BatchID: t.batchID, Path: t.key, Size: size})
	return size, nil
}

func (q *Queue) upload(ctx context.Context, t task) error {
	if t.file == nil || t.file.Content == nil {
		return fmt.Errorf("%s has no content", t.key)
	}
	rc, err := t.file.Content.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	return q.target.PutObject(ctx, t.key, rc, t.file.Size)
}

func (q *Queue) publish(e events.Event) {
	if q.bus != nil {
		q.bus.Publish(e)
	}
}
