package crawl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerFiresOnceAfterDrain(t *testing.T) {
	tr := NewTrackerWithDelay(10 * time.Millisecond)

	var fired atomic.Int32
	tr.OnCrawlEnd(func() { fired.Add(1) })

	doneA := tr.RegisterRequestProcessing("/a.js")
	doneB := tr.RegisterRequestProcessing("/b.js")
	doneA()
	assert.False(t, tr.Ended(), "still one request in flight")
	doneB()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForRequestsIdle(ctx))
	assert.True(t, tr.Ended())
	assert.Equal(t, int32(1), fired.Load())

	// Registrations after the fact are inert no-ops.
	done := tr.RegisterRequestProcessing("/c.js")
	done()
	assert.Equal(t, int32(1), fired.Load())
}

func TestTrackerNewRegistrationDisarmsIdleTimer(t *testing.T) {
	tr := NewTrackerWithDelay(30 * time.Millisecond)

	doneA := tr.RegisterRequestProcessing("/a.js")
	doneA()

	// A chained import arriving inside the idle window keeps the crawl open.
	time.Sleep(10 * time.Millisecond)
	doneB := tr.RegisterRequestProcessing("/b.js")
	time.Sleep(40 * time.Millisecond)
	assert.False(t, tr.Ended(), "crawl must not end while /b.js is in flight")

	doneB()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForRequestsIdle(ctx))
}

func TestTrackerDuplicateIDDoesNotRearm(t *testing.T) {
	tr := NewTrackerWithDelay(10 * time.Millisecond)

	done := tr.RegisterRequestProcessing("/a.js")
	dup := tr.RegisterRequestProcessing("/a.js")
	done()
	dup() // no-op, must not drive inflight negative

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForRequestsIdle(ctx))
}

func TestTrackerDoneIsIdempotent(t *testing.T) {
	tr := NewTrackerWithDelay(10 * time.Millisecond)

	doneA := tr.RegisterRequestProcessing("/a.js")
	doneB := tr.RegisterRequestProcessing("/b.js")
	doneA()
	doneA()
	doneA()
	assert.False(t, tr.Ended(), "/b.js still holds the crawl open")

	doneB()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForRequestsIdle(ctx))
}

func TestTrackerLateCallbackRunsImmediately(t *testing.T) {
	tr := NewTrackerWithDelay(5 * time.Millisecond)

	done := tr.RegisterRequestProcessing("/a.js")
	done()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForRequestsIdle(ctx))

	ran := false
	tr.OnCrawlEnd(func() { ran = true })
	assert.True(t, ran)
}

func TestTrackerCancel(t *testing.T) {
	tr := NewTrackerWithDelay(time.Hour)

	var fired atomic.Int32
	tr.OnCrawlEnd(func() { fired.Add(1) })
	_ = tr.RegisterRequestProcessing("/a.js")

	tr.Cancel()

	// Waiters unblock, callbacks never run, and late callbacks are dropped.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForRequestsIdle(ctx))
	assert.False(t, tr.Ended())
	assert.Equal(t, int32(0), fired.Load())

	tr.OnCrawlEnd(func() { fired.Add(1) })
	assert.Equal(t, int32(0), fired.Load())
}

func TestTrackerWaitHonorsContext(t *testing.T) {
	tr := NewTrackerWithDelay(time.Hour)
	_ = tr.RegisterRequestProcessing("/a.js")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.WaitForRequestsIdle(ctx), context.DeadlineExceeded)
}
