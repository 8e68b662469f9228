// Package watcher turns fsnotify events into debounced create/update/delete
// notifications with normalized absolute paths, the external event source
// the module graph's invalidation routine consumes.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/modserve/internal/logging"
)

// EventType represents the type of file change.
type EventType int

const (
	EventCreate EventType = iota
	EventUpdate
	EventDelete
)

// String returns the string representation of the EventType.
func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one normalized file change.
type Event struct {
	Type EventType
	// Path is absolute and cleaned.
	Path string
}

// Handler consumes a debounced batch of events.
type Handler func(events []Event)

// FileWatcher watches a directory tree and delivers debounced change
// batches to registered handlers.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   logging.Logger
	ignore   []string
	debounce time.Duration

	mu       sync.Mutex
	handlers []Handler
	pending  map[string]Event
	timer    *time.Timer
}

// New creates a watcher. ignore entries are path segments (directory names)
// excluded from watching.
func New(ignore []string, debounce time.Duration, logger logging.Logger) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &FileWatcher{
		watcher:  fsw,
		logger:   logger.WithComponent("watcher"),
		ignore:   ignore,
		debounce: debounce,
		pending:  make(map[string]Event),
	}, nil
}

// AddHandler registers a change handler.
func (fw *FileWatcher) AddHandler(handler Handler) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// WatchRecursive adds root and all non-ignored subdirectories.
func (fw *FileWatcher) WatchRecursive(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if fw.ignored(path) {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

func (fw *FileWatcher) ignored(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		for _, ig := range fw.ignore {
			if seg == ig {
				return true
			}
		}
	}
	return false
}

// Start begins event processing until ctx is done.
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.loop(ctx)
}

func (fw *FileWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(ev)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "watch error")
		}
	}
}

func (fw *FileWatcher) handleEvent(ev fsnotify.Event) {
	path, err := filepath.Abs(filepath.Clean(ev.Name))
	if err != nil || fw.ignored(path) {
		return
	}

	var typ EventType
	switch {
	case ev.Op.Has(fsnotify.Create):
		typ = EventCreate
		// New directories need to join the watch set.
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			_ = fw.watcher.Add(path)
			return
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		typ = EventDelete
	case ev.Op.Has(fsnotify.Write):
		typ = EventUpdate
	default:
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	// Later events for the same path win; a create followed by a write in
	// the same window is still a create.
	if prev, ok := fw.pending[path]; !ok || !(prev.Type == EventCreate && typ == EventUpdate) {
		fw.pending[path] = Event{Type: typ, Path: path}
	}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.flush)
}

func (fw *FileWatcher) flush() {
	fw.mu.Lock()
	if len(fw.pending) == 0 {
		fw.mu.Unlock()
		return
	}
	events := make([]Event, 0, len(fw.pending))
	for _, ev := range fw.pending {
		events = append(events, ev)
	}
	fw.pending = make(map[string]Event)
	handlers := fw.handlers
	fw.mu.Unlock()

	for _, handler := range handlers {
		handler(events)
	}
}

// Close stops the watcher.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()
	return fw.watcher.Close()
}
