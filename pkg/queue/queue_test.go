package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadworks/autonomy/pkg/models"
)

func testEvent(key models.SessionKey, seq int64) *models.Event {
	return &models.Event{
		SessionKey: key,
		Seq:        seq,
		Type:       models.EventTypeUserMessage,
		Payload:    json.RawMessage(`{"text":"hi"}`),
	}
}

func TestEventQueueProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []int64

	q := NewEventQueue(func(_ context.Context, event *models.Event) error {
		mu.Lock()
		processed = append(processed, event.Seq)
		mu.Unlock()
		return nil
	})

	const n = 50
	futures := make([]<-chan error, 0, n)
	for i := int64(0); i < n; i++ {
		futures = append(futures, q.Enqueue(testEvent("u:a:t", i)))
	}
	for _, f := range futures {
		require.NoError(t, <-f)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, processed, n)
	for i := int64(0); i < n; i++ {
		assert.Equal(t, i, processed[i], "events must process in enqueue order")
	}
}

func TestEventQueueNeverOverlapsWithinSession(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	q := NewEventQueue(func(_ context.Context, _ *models.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	var futures []<-chan error
	for i := int64(0); i < 20; i++ {
		futures = append(futures, q.Enqueue(testEvent("u:a:t", i)))
	}
	for _, f := range futures {
		require.NoError(t, <-f)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "at most one event per session may be in flight")
}

func TestEventQueueSessionsDrainInParallel(t *testing.T) {
	started := make(chan models.SessionKey, 2)
	release := make(chan struct{})

	q := NewEventQueue(func(_ context.Context, event *models.Event) error {
		started <- event.SessionKey
		<-release
		return nil
	})

	f1 := q.Enqueue(testEvent("u1:a:t", 0))
	f2 := q.Enqueue(testEvent("u2:a:t", 0))

	// Both sessions must start without either finishing.
	keys := map[models.SessionKey]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-started:
			keys[k] = true
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not drain in parallel")
		}
	}
	assert.Len(t, keys, 2)

	close(release)
	require.NoError(t, <-f1)
	require.NoError(t, <-f2)
}

func TestEventQueueFailureDoesNotPoisonSession(t *testing.T) {
	boom := errors.New("boom")
	q := NewEventQueue(func(_ context.Context, event *models.Event) error {
		if event.Seq == 1 {
			return boom
		}
		return nil
	})

	f0 := q.Enqueue(testEvent("u:a:t", 0))
	f1 := q.Enqueue(testEvent("u:a:t", 1))
	f2 := q.Enqueue(testEvent("u:a:t", 2))

	assert.NoError(t, <-f0)
	assert.ErrorIs(t, <-f1, boom)
	assert.NoError(t, <-f2, "later events must still process after a failure")
}

func TestEventQueueRecoversHandlerPanic(t *testing.T) {
	q := NewEventQueue(func(_ context.Context, event *models.Event) error {
		if event.Seq == 0 {
			panic("handler exploded")
		}
		return nil
	})

	err := <-q.Enqueue(testEvent("u:a:t", 0))
	assert.ErrorIs(t, err, ErrHandlerPanic)

	assert.NoError(t, <-q.Enqueue(testEvent("u:a:t", 1)))
}

func TestEventQueueFutureSettlesAfterProcessing(t *testing.T) {
	processing := make(chan struct{})
	release := make(chan struct{})

	q := NewEventQueue(func(_ context.Context, _ *models.Event) error {
		close(processing)
		<-release
		return nil
	})

	future := q.Enqueue(testEvent("u:a:t", 0))
	<-processing

	select {
	case <-future:
		t.Fatal("future settled before the handler finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-future)
}

func TestEventQueueDepthAndStats(t *testing.T) {
	release := make(chan struct{})
	q := NewEventQueue(func(_ context.Context, _ *models.Event) error {
		<-release
		return nil
	})

	key := models.SessionKey("u:a:t")
	assert.Equal(t, 0, q.Depth(key))
	assert.False(t, q.IsProcessing(key))

	f0 := q.Enqueue(testEvent(key, 0))
	f1 := q.Enqueue(testEvent(key, 1))
	f2 := q.Enqueue(testEvent(key, 2))

	// One event is being processed, up to two are waiting.
	require.Eventually(t, func() bool { return q.IsProcessing(key) },
		time.Second, time.Millisecond)
	assert.LessOrEqual(t, q.Depth(key), 2)
	assert.LessOrEqual(t, q.TotalQueued(), 2)

	close(release)
	for _, f := range []<-chan error{f0, f1, f2} {
		require.NoError(t, <-f)
	}

	require.Eventually(t, func() bool { return !q.IsProcessing(key) },
		time.Second, time.Millisecond)
	assert.Equal(t, 0, q.Depth(key))
	assert.Equal(t, 0, q.TotalQueued())
}

func TestEventQueueShutdownRejectsNewEnqueues(t *testing.T) {
	q := NewEventQueue(func(_ context.Context, _ *models.Event) error { return nil })

	require.NoError(t, <-q.Enqueue(testEvent("u:a:t", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	assert.ErrorIs(t, <-q.Enqueue(testEvent("u:a:t", 1)), ErrQueueClosed)
}

func TestEventQueueShutdownWaitsForInFlight(t *testing.T) {
	var processed int
	var mu sync.Mutex
	release := make(chan struct{})

	q := NewEventQueue(func(_ context.Context, _ *models.Event) error {
		<-release
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	})

	for i := int64(0); i < 3; i++ {
		q.Enqueue(testEvent("u:a:t", i))
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, processed, "shutdown must wait for queued events")
}

func TestEventQueueConcurrentEnqueueAcrossSessions(t *testing.T) {
	var mu sync.Mutex
	order := make(map[models.SessionKey][]int64)

	q := NewEventQueue(func(_ context.Context, event *models.Event) error {
		mu.Lock()
		order[event.SessionKey] = append(order[event.SessionKey], event.Seq)
		mu.Unlock()
		return nil
	})

	const sessions = 8
	const perSession = 25
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		key := models.SessionKey(fmt.Sprintf("user%d:agent:thread", s))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < perSession; i++ {
				assert.NoError(t, q.EnqueueWait(context.Background(), testEvent(key, i)))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, sessions)
	for key, seqs := range order {
		require.Len(t, seqs, perSession, "session %s", key)
		for i := int64(0); i < perSession; i++ {
			assert.Equal(t, i, seqs[i], "session %s out of order", key)
		}
	}
}
