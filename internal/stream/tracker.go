package stream

import (
	"context"
	"sync"
)

// Tracker holds the cancel func of every live session. Once CancelAll has run
// it refuses new sessions, so shutdown cannot race a late upgrade.
type Tracker struct {
	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	draining bool
	wg       sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{cancels: make(map[string]context.CancelFunc)}
}

// Register adds a session. ok is false when the tracker is draining; the
// returned unregister is idempotent.
func (t *Tracker) Register(sessionID string, cancel context.CancelFunc) (unregister func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return func() {}, false
	}
	t.cancels[sessionID] = cancel
	t.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.cancels, sessionID)
			t.mu.Unlock()
			t.wg.Done()
		})
	}, true
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}

// CancelAll stops accepting sessions and cancels the live ones.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	t.draining = true
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for _, cancel := range t.cancels {
		cancels = append(cancels, cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Wait blocks until every registered session unregistered or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
