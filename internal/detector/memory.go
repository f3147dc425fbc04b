package detector

import (
	"fmt"
	"sync"
)

// MemoryNotifier is an in-memory Notifier for tests and embedding
// hosts. Synthetic events are injected with Emit and watch failures
// with LoseWatch, exercising the detector without touching a real
// filesystem.
type MemoryNotifier struct {
	events chan Event
	errors chan error

	mu        sync.Mutex
	watched   map[string]bool
	closed    bool
	failWatch bool
}

// NewMemoryNotifier creates an empty MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{
		events:  make(chan Event, 64),
		errors:  make(chan error, 8),
		watched: make(map[string]bool),
	}
}

// Watch subscribes to a path. Fails while SetFailWatch(true) is in
// effect, exercising re-watch retry paths.
func (n *MemoryNotifier) Watch(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failWatch {
		return fmt.Errorf("watch refused for %s", path)
	}
	n.watched[path] = true
	return nil
}

// SetFailWatch toggles whether Watch calls are refused.
func (n *MemoryNotifier) SetFailWatch(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failWatch = fail
}

// Unwatch removes a subscription.
func (n *MemoryNotifier) Unwatch(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.watched, path)
	return nil
}

// Events returns the synthetic event channel.
func (n *MemoryNotifier) Events() <-chan Event { return n.events }

// Errors returns the synthetic error channel.
func (n *MemoryNotifier) Errors() <-chan error { return n.errors }

// Close marks the notifier closed and closes its channels.
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	close(n.events)
	close(n.errors)
	return nil
}

// Emit injects a synthetic modification event for a path. Emitting for
// an unwatched path is silently ignored, matching how a real notifier
// only reports subscribed files.
func (n *MemoryNotifier) Emit(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || !n.watched[path] {
		return
	}
	n.events <- Event{Path: path}
}

// LoseWatch simulates the OS invalidating all subscriptions, as
// happens when the watched directory is removed or recreated.
func (n *MemoryNotifier) LoseWatch() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	for path := range n.watched {
		delete(n.watched, path)
	}
	n.errors <- fmt.Errorf("synthetic invalidation: %w", ErrWatchLost)
}

// Watching reports whether a path currently has a subscription.
func (n *MemoryNotifier) Watching(path string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watched[path]
}
