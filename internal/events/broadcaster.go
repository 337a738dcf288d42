// Package events carries upload lifecycle and session notifications between
// the sink, the login gate and any interested listener.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/logging"
)

const (
	EventBatchReady         = "batch.ready"
	EventBatchDone          = "batch.done"
	EventItemUploaded       = "item.uploaded"
	EventItemFailed         = "item.failed"
	EventSessionInitialized = "session.initialized"
)

// Event is a single notification.
type Event struct {
	Type      string `json:"type"`
	BatchID   string `json:"batch_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Handler receives events synchronously.
type Handler func(Event)

// Broadcaster fans events out to channel subscribers and handlers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	handlers    map[string][]Handler
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		handlers:    make(map[string][]Handler),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Handle registers h for events of type typ. Handlers never miss an event;
// they run on the publishing goroutine and must not block.
func (b *Broadcaster) Handle(typ string, h Handler) {
	b.mu.Lock()
	b.handlers[typ] = append(b.handlers[typ], h)
	b.mu.Unlock()
}

// Publish sends an event to all subscribers and handlers. Channel delivery is
// non-blocking: events are dropped for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logging.Debug("event dropped for slow subscriber", zap.String("type", event.Type))
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
