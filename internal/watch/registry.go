// Package watch rebroadcasts persisted task state changes to observers.
// The registry owns its watcher and timers outright: explicit Start/Stop
// lifecycle, no process-wide state, clock injected for testability.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event reports that the watched state file changed.
type Event struct {
	Path string
	At   time.Time
}

// Registry watches one persisted state file and fans out debounced change
// events to subscribers.
type Registry struct {
	path     string
	debounce time.Duration
	now      func() time.Time

	watcher *fsnotify.Watcher

	mu          sync.Mutex
	subscribers map[chan Event]bool
	running     bool
	stopCh      chan struct{}

	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithDebounce sets the quiet period before a change is broadcast.
func WithDebounce(d time.Duration) Option {
	return func(r *Registry) {
		r.debounce = d
	}
}

// WithClock injects a clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry for the given state file path.
func NewRegistry(path string, opts ...Option) *Registry {
	r := &Registry{
		path:        path,
		debounce:    200 * time.Millisecond,
		now:         time.Now,
		subscribers: make(map[chan Event]bool),
		pending:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins watching. Idempotent while running.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the containing directory: editors and atomic writers replace
	// files rather than writing in place.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	r.watcher = watcher
	r.stopCh = make(chan struct{})
	r.running = true

	go r.processEvents()
	go r.processDebounced()

	return nil
}

// Stop stops watching and drops all subscriptions.
func (r *Registry) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	r.running = false
	close(r.stopCh)
	err := r.watcher.Close()

	for ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, ch)
	}
	return err
}

// Subscribe returns a channel receiving debounced change events.
func (r *Registry) Subscribe() <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Event, 16)
	r.subscribers[ch] = true
	return ch
}

// Unsubscribe removes a subscription.
func (r *Registry) Unsubscribe(ch <-chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.subscribers {
		if sub == ch {
			close(sub)
			delete(r.subscribers, sub)
			return
		}
	}
}

// processEvents records raw fsnotify events for the watched file.
func (r *Registry) processEvents() {
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.pendingMu.Lock()
			r.pending[event.Name] = r.now()
			r.pendingMu.Unlock()
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// processDebounced emits events once the quiet period has elapsed.
func (r *Registry) processDebounced() {
	interval := r.debounce / 2
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.flushPending()
		}
	}
}

// flushPending broadcasts paths whose last event is older than the debounce.
func (r *Registry) flushPending() {
	now := r.now()

	r.pendingMu.Lock()
	var ready []string
	for path, last := range r.pending {
		if now.Sub(last) >= r.debounce {
			ready = append(ready, path)
			delete(r.pending, path)
		}
	}
	r.pendingMu.Unlock()

	if len(ready) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, path := range ready {
		event := Event{Path: path, At: now}
		for ch := range r.subscribers {
			select {
			case ch <- event:
			default: // Drop rather than block a slow subscriber.
			}
		}
	}
}
