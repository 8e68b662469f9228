// Package crawl tracks in-flight static-import requests and fires a
// one-shot notification when the set drains. The dependency optimizer uses
// this to decide when it is safe to release scan results: once the first
// request crawl has ended, no further imports will be discovered by simply
// waiting.
package crawl

import (
	"context"
	"sync"
	"time"
)

// defaultIdleDelay is how long the tracker waits after the in-flight set
// drains before declaring crawl end. Chained imports register within this
// window, so a momentary drain mid-crawl does not fire early.
const defaultIdleDelay = 50 * time.Millisecond

// Tracker counts in-flight request processing registered by the transform
// coordinator. Crawl end fires exactly once; callbacks registered after the
// fact run immediately.
type Tracker struct {
	mu        sync.Mutex
	idleDelay time.Duration
	seen      map[string]struct{}
	inflight  int
	fired     bool
	cancelled bool
	callbacks []func()
	idleTimer *time.Timer
	done      chan struct{}
}

// NewTracker creates a tracker with the default idle delay.
func NewTracker() *Tracker {
	return NewTrackerWithDelay(defaultIdleDelay)
}

// NewTrackerWithDelay creates a tracker with an explicit idle delay.
// Primarily for tests.
func NewTrackerWithDelay(idleDelay time.Duration) *Tracker {
	return &Tracker{
		idleDelay: idleDelay,
		seen:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// RegisterRequestProcessing records that id is being processed and returns
// the completion func the caller must invoke when the request settles. An
// id already seen in this session does not re-arm the tracker; its
// completion func is a no-op.
func (t *Tracker) RegisterRequestProcessing(id string) (done func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired || t.cancelled {
		return func() {}
	}
	if _, ok := t.seen[id]; ok {
		return func() {}
	}
	t.seen[id] = struct{}{}
	t.inflight++
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}

	var once sync.Once
	return func() {
		once.Do(t.requestDone)
	}
}

func (t *Tracker) requestDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight--
	if t.inflight > 0 || t.fired || t.cancelled {
		return
	}
	// Drained. Arm the idle timer; a new registration disarms it.
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idleDelay, t.fire)
}

func (t *Tracker) fire() {
	t.mu.Lock()
	if t.fired || t.cancelled || t.inflight > 0 {
		t.mu.Unlock()
		return
	}
	t.fired = true
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// OnCrawlEnd registers interest in the crawl-end event. If crawl end has
// already fired, cb runs synchronously.
func (t *Tracker) OnCrawlEnd(cb func()) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		cb()
		return
	}
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// WaitForRequestsIdle blocks until crawl end fires, the tracker is
// cancelled, or ctx is done.
func (t *Tracker) WaitForRequestsIdle(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ended reports whether crawl end has fired.
func (t *Tracker) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Cancel drops pending callbacks and unblocks waiters without firing them.
// Used at server shutdown.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.cancelled {
		return
	}
	t.cancelled = true
	t.callbacks = nil
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	close(t.done)
}
