// Package ingest turns a drop or folder-picker gesture into a single upload batch.
//
// A gesture walks a forest of root entries through a Source. Every file
// resolution and every directory read cycle holds one unit of the gesture's
// pending count; the goroutine that brings the count back to zero builds the
// batch and hands it to the Sink. Children are always counted before their
// parent's read cycle releases its own unit, so fan-out can never be mistaken
// for completion.
package ingest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/logging"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

// Option configures a gesture.
type Option func(*options)

type options struct {
	id          string
	maxInFlight int
}

// WithID sets the gesture (and batch) id instead of a random UUID.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithMaxInFlight bounds the number of concurrent source calls. 0 means unbounded.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		o.maxInFlight = n
	}
}

// Gesture is the traversal state of one drop. Gestures never share state.
type Gesture struct {
	id      string
	source  Source
	sink    Sink
	started time.Time
	sem     chan struct{}

	pending atomic.Int64

	mu     sync.Mutex
	files  []Item
	ledger map[string]int
	stats  Stats

	batch *Batch
	done  chan struct{}
}

// Start begins a traversal of roots and returns without waiting for it. The
// batch is delivered to sink exactly once, possibly before Start returns when
// every root settles immediately.
//
// Cancelling ctx stops further dispatches and page reads; the gesture still
// finalizes with whatever was collected.
func Start(ctx context.Context, src Source, roots []Root, sink Sink, opts ...Option) (*Gesture, error) {
	var valid []Root
	for _, r := range roots {
		if r.Entry != nil {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil, ErrNothingToUpload
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	g := &Gesture{
		id:      o.id,
		source:  src,
		sink:    sink,
		started: time.Now(),
		ledger:  make(map[string]int),
		done:    make(chan struct{}),
	}
	if o.maxInFlight > 0 {
		g.sem = make(chan struct{}, o.maxInFlight)
	}

	ctx = logging.WithGesture(ctx, g.id)
	metrics.RecordGestureStarted("entries")
	logging.WithContext(ctx).Info("gesture started", zap.Int("roots", len(valid)))

	// The guard unit keeps the count above zero until every root is dispatched.
	g.acquire()
	for _, r := range valid {
		g.dispatch(ctx, r.Entry, "", r.Fallback)
	}
	g.release(ctx)

	return g, nil
}

// ID returns the gesture id. It is also the batch id.
func (g *Gesture) ID() string {
	return g.id
}

// Pending returns the number of outstanding operations.
func (g *Gesture) Pending() int64 {
	return g.pending.Load()
}

// Done is closed after the batch has been handed to the sink.
func (g *Gesture) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gesture finalizes or ctx ends.
func (g *Gesture) Wait(ctx context.Context) (*Batch, error) {
	select {
	case <-g.done:
		return g.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gesture) acquire() {
	g.pending.Add(1)
	metrics.AddPending(1)
}

// release is the only place a gesture can finalize.
func (g *Gesture) release(ctx context.Context) {
	metrics.AddPending(-1)
	if g.pending.Add(-1) == 0 {
		g.finalize(ctx)
	}
}

func (g *Gesture) dispatch(ctx context.Context, e Entry, parent string, fallback *File) {
	g.acquire()

	if e.IsDir() {
		dirPath := ChildPath(parent, e.Name())
		g.mu.Lock()
		g.ledger[dirPath] = 0
		g.stats.Directories++
		g.mu.Unlock()
		go g.walkDir(ctx, e, dirPath)
		return
	}
	go g.resolveFile(ctx, e, parent, fallback)
}

func (g *Gesture) resolveFile(ctx context.Context, e Entry, dirPath string, fallback *File) {
	defer g.release(ctx)

	var f *File
	err := ctx.Err()
	if err == nil {
		err = g.call(ctx, func() error {
			var rerr error
			f, rerr = g.source.ResolveFile(ctx, e)
			return rerr
		})
	}
	if err == nil && f != nil {
		g.addFile(Item{Path: dirPath, Name: nameOf(f, e), File: f}, "resolved")
		return
	}

	log := logging.WithContext(ctx)
	if fallback != nil {
		log.Debug("file resolve failed, using fallback",
			zap.String("path", dirPath+e.Name()), zap.Error(err))
		g.addFile(Item{Path: dirPath, Name: nameOf(fallback, e), File: fallback}, "fallback")
		return
	}

	log.Warn("file resolve failed, dropping entry",
		zap.String("path", dirPath+e.Name()), zap.Error(err))
	g.mu.Lock()
	g.stats.Dropped++
	g.mu.Unlock()
	metrics.RecordFile("dropped")
}

func (g *Gesture) walkDir(ctx context.Context, e Entry, dirPath string) {
	defer g.release(ctx)
	log := logging.WithContext(ctx)

	var reader DirReader
	err := ctx.Err()
	if err == nil {
		err = g.call(ctx, func() error {
			var oerr error
			reader, oerr = g.source.OpenDir(ctx, e)
			return oerr
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			g.unread(ctx, dirPath)
			return
		}
		log.Warn("unable to traverse directory", zap.String("path", dirPath), zap.Error(err))
		g.pageFailed()
		return
	}

	for {
		if ctx.Err() != nil {
			g.unread(ctx, dirPath)
			return
		}

		var page []Entry
		err := g.call(ctx, func() error {
			var rerr error
			page, rerr = reader.ReadNextPage(ctx)
			return rerr
		})
		if err != nil {
			if ctx.Err() != nil {
				g.unread(ctx, dirPath)
				return
			}
			log.Warn("unable to traverse directory", zap.String("path", dirPath), zap.Error(err))
			g.pageFailed()
			return
		}
		metrics.RecordDirectoryPage(true)
		if len(page) == 0 {
			return
		}

		// Nil children are skipped and do not count toward the tally.
		n := 0
		for _, child := range page {
			if child != nil {
				g.dispatch(ctx, child, dirPath, nil)
				n++
			}
		}

		g.mu.Lock()
		g.ledger[dirPath] += n
		g.mu.Unlock()
	}
}

// call runs fn holding a slot of the in-flight bound, if one is set.
func (g *Gesture) call(ctx context.Context, fn func() error) error {
	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-g.sem }()
	}
	return fn()
}

func (g *Gesture) addFile(it Item, outcome string) {
	g.mu.Lock()
	g.files = append(g.files, it)
	if outcome == "fallback" {
		g.stats.Fallbacks++
	} else {
		g.stats.Resolved++
	}
	g.mu.Unlock()
	metrics.RecordFile(outcome)
}

// unread drops a directory whose reads were cut short by cancellation from
// the ledger. Its contents are unknown, so it must not be reported empty.
func (g *Gesture) unread(ctx context.Context, dirPath string) {
	g.mu.Lock()
	delete(g.ledger, dirPath)
	g.stats.Cancelled++
	g.mu.Unlock()
	logging.WithContext(ctx).Debug("directory read cancelled",
		zap.String("path", dirPath), zap.Error(ctx.Err()))
}

func (g *Gesture) pageFailed() {
	g.mu.Lock()
	g.stats.PageFailures++
	g.mu.Unlock()
	metrics.RecordDirectoryPage(false)
}

func (g *Gesture) finalize(ctx context.Context) {
	g.mu.Lock()
	files := g.files
	ledger := g.ledger
	stats := g.stats
	g.files = nil
	g.ledger = nil
	g.mu.Unlock()

	empty := make([]string, 0)
	for p, tally := range ledger {
		if tally < 1 {
			empty = append(empty, p)
		}
	}
	sort.Strings(empty)
	if files == nil {
		files = make([]Item, 0)
	}
	sortItems(files)

	g.batch = &Batch{
		ID:               g.id,
		Files:            files,
		EmptyDirectories: empty,
		Stats:            stats,
	}

	elapsed := time.Since(g.started)
	metrics.RecordGestureFinalized(elapsed, len(empty))
	logging.WithContext(ctx).Info("gesture finalized",
		zap.Int("files", len(files)),
		zap.Int("empty_dirs", len(empty)),
		zap.Int("dropped", stats.Dropped),
		zap.Int("page_failures", stats.PageFailures),
		zap.Int("cancelled_dirs", stats.Cancelled),
		zap.Duration("elapsed", elapsed))

	if g.sink != nil {
		g.sink.Submit(g.batch)
	}
	close(g.done)
}

func nameOf(f *File, e Entry) string {
	if f.Name != "" {
		return f.Name
	}
	return e.Name()
}
