package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/threadworks/autonomy/pkg/models"
)

// Handler processes one event. It is invoked under the per-session
// serialization guarantee: for a given session key, at most one invocation is
// in flight at any time, in strict enqueue order.
type Handler func(ctx context.Context, event *models.Event) error

// entry pairs an event with the future its enqueuer is waiting on.
type entry struct {
	event *models.Event
	done  chan error
}

// EventQueue serializes event processing per session key while letting
// distinct sessions drain fully in parallel. All state is owned by the
// instance; a restart rebuilds from the durable stores, so nothing here needs
// to survive the process.
type EventQueue struct {
	handler Handler

	mu       sync.Mutex
	pending  map[models.SessionKey][]*entry
	draining map[models.SessionKey]bool
	closed   bool

	wg sync.WaitGroup
}

// NewEventQueue creates an EventQueue that hands events to handler.
func NewEventQueue(handler Handler) *EventQueue {
	return &EventQueue{
		handler:  handler,
		pending:  make(map[models.SessionKey][]*entry),
		draining: make(map[models.SessionKey]bool),
	}
}

// Enqueue appends the event to its session's list and returns a future that
// settles only after the handler finishes for this specific event — success
// or failure, never on enqueue. If no drain loop is running for the session,
// one is started. The N+1th event of a session is never started before the
// Nth has settled.
func (q *EventQueue) Enqueue(event *models.Event) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrQueueClosed
		return done
	}

	key := event.SessionKey
	q.pending[key] = append(q.pending[key], &entry{event: event, done: done})

	if !q.draining[key] {
		q.draining[key] = true
		q.wg.Add(1)
		go q.drainSession(key)
	}
	q.mu.Unlock()

	return done
}

// EnqueueWait enqueues the event and blocks until its processing settles or
// ctx is done. The event still processes if ctx expires first; only the wait
// is abandoned.
func (q *EventQueue) EnqueueWait(ctx context.Context, event *models.Event) error {
	select {
	case err := <-q.Enqueue(event):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainSession runs until the session's list is empty, invoking the handler
// for each entry in FIFO order. A handler failure rejects that entry's future
// and draining continues — one bad event does not poison the session.
func (q *EventQueue) drainSession(key models.SessionKey) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		list := q.pending[key]
		if len(list) == 0 {
			// Delete the map entries to bound memory across many sessions.
			delete(q.pending, key)
			delete(q.draining, key)
			q.mu.Unlock()
			return
		}
		next := list[0]
		q.pending[key] = list[1:]
		q.mu.Unlock()

		err := q.process(next.event)
		if err != nil {
			slog.Warn("Event processing failed",
				"session_key", key,
				"seq", next.event.Seq,
				"event_type", next.event.Type,
				"error", err)
		}
		next.done <- err
	}
}

// process invokes the handler, converting a panic into an error so the drain
// loop survives and the entry's future still settles.
func (q *EventQueue) process(event *models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return q.handler(context.Background(), event)
}

// Depth returns the number of events waiting for a session (not counting one
// currently being processed).
func (q *EventQueue) Depth(key models.SessionKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}

// TotalQueued returns the number of waiting events across all sessions.
func (q *EventQueue) TotalQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, list := range q.pending {
		total += len(list)
	}
	return total
}

// IsProcessing reports whether a drain loop is active for the session.
func (q *EventQueue) IsProcessing(key models.SessionKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining[key]
}

// Shutdown rejects new enqueues and waits for in-flight drains to finish, or
// until ctx is done.
func (q *EventQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
