package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/events"
	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/logging"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

// Authenticator reports whether uploads may proceed.
type Authenticator interface {
	Authenticated() bool
}

// Gate forwards batches to a Queue once a session exists. Without one, batches
// are buffered and the queue is paused; the next session.initialized event
// enqueues the buffer and resumes the queue.
type Gate struct {
	queue   *Queue
	session Authenticator

	mu       sync.Mutex
	buffered []*ingest.Batch
}

// NewGate creates a gate in front of queue listening for sessions on bus.
func NewGate(queue *Queue, session Authenticator, bus *events.Broadcaster) *Gate {
	g := &Gate{queue: queue, session: session}
	if bus != nil {
		bus.Handle(events.EventSessionInitialized, func(events.Event) {
			g.Flush(context.Background())
		})
	}
	return g
}

// Submit implements ingest.Sink.
func (g *Gate) Submit(b *ingest.Batch) {
	if b == nil || b.Empty() {
		logging.Info("nothing to upload")
		return
	}

	g.mu.Lock()
	if g.session == nil || g.session.Authenticated() {
		g.mu.Unlock()
		g.queue.Enqueue(context.Background(), b)
		return
	}
	g.buffered = append(g.buffered, b)
	n := len(g.buffered)
	g.queue.Pause()
	g.mu.Unlock()

	metrics.RecordBatchDeferred()
	logging.Info("batch deferred until login",
		zap.String("batch_id", b.ID),
		zap.Int("deferred_batches", n))
}

// Flush enqueues every buffered batch in arrival order and resumes the queue.
func (g *Gate) Flush(ctx context.Context) {
	g.mu.Lock()
	batches := g.buffered
	g.buffered = nil
	for _, b := range batches {
		g.queue.Enqueue(ctx, b)
	}
	g.queue.Resume()
	g.mu.Unlock()

	if len(batches) > 0 {
		logging.Info("deferred batches released", zap.Int("batches", len(batches)))
	}
}

// Pending returns the number of buffered batches.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffered)
}
