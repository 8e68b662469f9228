package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	mu      sync.Mutex
	batches [][]Event
}

func (c *eventCollector) handle(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, events)
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *eventCollector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func newWatchedDir(t *testing.T) (*FileWatcher, *eventCollector, string) {
	t.Helper()
	dir := t.TempDir()
	fw, err := New([]string{"node_modules", ".git"}, 30*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fw.Close() })

	collector := &eventCollector{}
	fw.AddHandler(collector.handle)
	require.NoError(t, fw.WatchRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fw.Start(ctx)
	return fw, collector, dir
}

func findEvent(events []Event, path string) (Event, bool) {
	for _, ev := range events {
		if ev.Path == path {
			return ev, true
		}
	}
	return Event{}, false
}

func TestWatcherDeliversDebouncedBatch(t *testing.T) {
	_, collector, dir := newWatchedDir(t)

	file := filepath.Join(dir, "main.js")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := findEvent(collector.all(), file)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ev, _ := findEvent(collector.all(), file)
	assert.Equal(t, EventCreate, ev.Type, "create followed by write inside one window stays a create")
}

func TestWatcherCoalescesBurst(t *testing.T) {
	_, collector, dir := newWatchedDir(t)

	file := filepath.Join(dir, "main.js")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte("aaaa"), 0o644))
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return collector.batchCount() >= 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 1, collector.batchCount(), "a write burst collapses into one batch")
	events := collector.all()
	require.Len(t, events, 1)
	assert.Equal(t, file, events[0].Path)
}

func TestWatcherReportsDelete(t *testing.T) {
	_, collector, dir := newWatchedDir(t)

	file := filepath.Join(dir, "gone.js")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := findEvent(collector.all(), file)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(file))
	require.Eventually(t, func() bool {
		ev, ok := findEvent(collector.all(), file)
		return ok && ev.Type == EventDelete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresConfiguredDirs(t *testing.T) {
	fw, err := New([]string{"node_modules"}, 10*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fw.Close() })

	assert.True(t, fw.ignored("/srv/app/node_modules/lodash/index.js"))
	assert.False(t, fw.ignored("/srv/app/src/main.js"))
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	_, collector, dir := newWatchedDir(t)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher a moment to add the new directory.
	time.Sleep(50 * time.Millisecond)

	file := filepath.Join(sub, "nested.js")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := findEvent(collector.all(), file)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
