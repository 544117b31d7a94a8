package events

import (
	"sync"
	"time"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

// Conn is the sink the broadcaster delivers into. Implementations wrap a
// live connection; Send must be safe for concurrent use.
type Conn interface {
	Send(event Event) error
}

// Broadcaster fans events out to registered connections. Delivery is
// synchronous and best-effort: a failing connection is logged and skipped,
// never allowed to block the rest, and events published from one goroutine
// reach each connection in publish order.
type Broadcaster struct {
	logger *observability.Logger

	mu     sync.RWMutex
	global map[Conn]struct{}
	subs   map[string]map[Conn]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *observability.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		global: make(map[Conn]struct{}),
		subs:   make(map[string]map[Conn]struct{}),
	}
}

// RegisterClient adds a connection to the global scope; it will receive
// every event until UnsubscribeAll.
func (b *Broadcaster) RegisterClient(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global[conn] = struct{}{}
}

// Subscribe adds a connection to one subscription key (see JobKey, BatchKey,
// DocTypeKey).
func (b *Broadcaster) Subscribe(conn Conn, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[Conn]struct{})
	}
	b.subs[key][conn] = struct{}{}
}

// Unsubscribe removes a connection from one subscription key.
func (b *Broadcaster) Unsubscribe(conn Conn, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[key]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

// UnsubscribeAll removes a connection from the global scope and every
// subscription key. Every disconnect path must end up here.
func (b *Broadcaster) UnsubscribeAll(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, conn)
	for key, set := range b.subs {
		delete(set, conn)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

// Publish delivers the event to the global scope and to every connection
// subscribed to one of the event's scope keys, once per connection.
func (b *Broadcaster) Publish(event Event) {
	b.publish(event, nil)
}

// PublishExcept is Publish minus one connection. The relay uses it to
// deliver remote events without echoing them back onto the shared channel.
func (b *Broadcaster) PublishExcept(event Event, skip Conn) {
	b.publish(event, skip)
}

func (b *Broadcaster) publish(event Event, skip Conn) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]Conn, 0, len(b.global))
	seen := make(map[Conn]struct{}, len(b.global))
	for conn := range b.global {
		if conn == skip {
			continue
		}
		seen[conn] = struct{}{}
		targets = append(targets, conn)
	}
	for _, key := range event.scopeKeys() {
		for conn := range b.subs[key] {
			if conn == skip {
				continue
			}
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			targets = append(targets, conn)
		}
	}
	b.mu.RUnlock()

	// Delivery happens outside the lock so a Send implementation may call
	// back into the broadcaster (to unsubscribe itself, for instance).
	for _, conn := range targets {
		if err := conn.Send(event); err != nil {
			b.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Failed to deliver event")
		}
	}
}

// JobStarted announces a job transitioning to processing.
func (b *Broadcaster) JobStarted(ref JobRef) {
	b.Publish(Event{
		Type:           EventJobStarted,
		JobID:          ref.JobID,
		DocumentID:     ref.DocumentID,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "processing",
	})
}

// JobProgress announces a new partial extraction for a running job.
func (b *Broadcaster) JobProgress(ref JobRef, percent int, partial map[string]any) {
	b.Publish(Event{
		Type:           EventJobProgress,
		JobID:          ref.JobID,
		DocumentID:     ref.DocumentID,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "processing",
		Progress:       &JobProgress{Percent: percent, PartialData: partial},
	})
}

// JobCompleted announces a successful extraction.
func (b *Broadcaster) JobCompleted(ref JobRef) {
	b.Publish(Event{
		Type:           EventJobCompleted,
		JobID:          ref.JobID,
		DocumentID:     ref.DocumentID,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "completed",
	})
}

// JobFailed announces a failed (or cancelled) job.
func (b *Broadcaster) JobFailed(ref JobRef, errMsg string) {
	b.Publish(Event{
		Type:           EventJobFailed,
		JobID:          ref.JobID,
		DocumentID:     ref.DocumentID,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "failed",
		Error:          errMsg,
	})
}

// BatchStarted announces a batch beginning to process.
func (b *Broadcaster) BatchStarted(ref BatchRef, total int) {
	b.Publish(Event{
		Type:           EventBatchStarted,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "processing",
		Batch:          &BatchCounters{Total: total},
	})
}

// BatchProgress announces updated batch counters.
func (b *Broadcaster) BatchProgress(ref BatchRef, total, completed, failed int) {
	b.Publish(Event{
		Type:           EventBatchProgress,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "processing",
		Batch:          &BatchCounters{Total: total, Completed: completed, Failed: failed},
	})
}

// BatchCompleted announces a batch whose jobs have all settled.
func (b *Broadcaster) BatchCompleted(ref BatchRef, total, completed, failed int) {
	b.Publish(Event{
		Type:           EventBatchCompleted,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         "completed",
		Batch:          &BatchCounters{Total: total, Completed: completed, Failed: failed},
	})
}

// BatchFailed announces a batch ending abnormally; status distinguishes a
// cancelled batch from a failed one.
func (b *Broadcaster) BatchFailed(ref BatchRef, status string, total, completed, failed int) {
	b.Publish(Event{
		Type:           EventBatchFailed,
		BatchID:        ref.BatchID,
		DocumentTypeID: ref.DocumentTypeID,
		Status:         status,
		Batch:          &BatchCounters{Total: total, Completed: completed, Failed: failed},
	})
}
