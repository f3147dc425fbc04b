package detector

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrWatchLost indicates the underlying filesystem watch was
// invalidated (the watched directory disappeared or the OS dropped the
// subscription). This is not a data-loss condition: the detector
// re-establishes the watch and forces a catch-up signal, and the
// periodic fallback tick covers anything missed in between.
var ErrWatchLost = errors.New("detector: filesystem watch lost")

// Event is a raw modification observation on a watched file.
type Event struct {
	// Path is the watched file the event refers to.
	Path string
}

// Notifier is the filesystem-notification capability the detector is
// built on. One implementation is backed by native OS notifications
// (fsnotify); MemoryNotifier injects synthetic events for tests and
// embedding hosts.
//
// Implementations may silently drop events - a documented platform
// limitation that the detector's periodic fallback tick compensates
// for.
type Notifier interface {
	// Watch subscribes to modification events for a single file.
	// Watching a file that does not exist yet is allowed as long as
	// its directory exists; the file appearing later is an event.
	Watch(path string) error

	// Unwatch removes the subscription for a file.
	Unwatch(path string) error

	// Events returns the channel of raw modification events.
	Events() <-chan Event

	// Errors returns the channel of watch errors. An error wrapping
	// ErrWatchLost means Watch must be re-established.
	Errors() <-chan error

	// Close stops the notifier and releases its resources.
	Close() error
}

// fsNotifier implements Notifier with fsnotify.
//
// It watches the directory containing each file rather than the file
// itself: the WAL file is routinely deleted and recreated by SQLite
// checkpoints, and a direct file watch would die on every checkpoint.
// Directory events are filtered down to the subscribed paths.
type fsNotifier struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	paths map[string]bool // absolute file path -> subscribed
	dirs  map[string]int  // watched directory -> subscriber count
}

// NewNotifier creates a Notifier backed by native OS filesystem
// notifications.
func NewNotifier() (Notifier, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	n := &fsNotifier{
		watcher: watcher,
		events:  make(chan Event, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
		paths:   make(map[string]bool),
		dirs:    make(map[string]int),
	}

	n.wg.Add(1)
	go n.processEvents()

	return n, nil
}

func (n *fsNotifier) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.paths[abs] {
		return nil
	}

	if n.dirs[dir] == 0 {
		if err := n.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}
	n.dirs[dir]++
	n.paths[abs] = true

	return nil
}

func (n *fsNotifier) Unwatch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	dir := filepath.Dir(abs)

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.paths[abs] {
		return nil
	}
	delete(n.paths, abs)

	n.dirs[dir]--
	if n.dirs[dir] <= 0 {
		delete(n.dirs, dir)
		if err := n.watcher.Remove(dir); err != nil {
			return fmt.Errorf("failed to unwatch directory %s: %w", dir, err)
		}
	}

	return nil
}

func (n *fsNotifier) Events() <-chan Event { return n.events }

func (n *fsNotifier) Errors() <-chan error { return n.errors }

func (n *fsNotifier) Close() error {
	close(n.done)
	err := n.watcher.Close()
	n.wg.Wait()
	close(n.events)
	close(n.errors)
	if err != nil {
		return fmt.Errorf("failed to close fsnotify watcher: %w", err)
	}
	return nil
}

// processEvents converts raw fsnotify directory events into per-file
// Events for subscribed paths.
func (n *fsNotifier) processEvents() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return

		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handleEvent(event)

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			select {
			case n.errors <- err:
			case <-n.done:
				return
			}
		}
	}
}

func (n *fsNotifier) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	n.mu.Lock()
	subscribed := n.paths[abs]
	lostDir := n.dirs[abs] > 0 && event.Has(fsnotify.Remove|fsnotify.Rename)
	if lostDir {
		// The watched directory itself went away, and the kernel watch
		// died with it. Forget the subscriptions under it so the next
		// Watch call re-adds the directory instead of short-circuiting
		// on the stale bookkeeping.
		delete(n.dirs, abs)
		for p := range n.paths {
			if filepath.Dir(p) == abs {
				delete(n.paths, p)
			}
		}
	}
	n.mu.Unlock()

	if lostDir {
		select {
		case n.errors <- fmt.Errorf("directory %s removed: %w", abs, ErrWatchLost):
		case <-n.done:
		}
		return
	}

	if !subscribed {
		return
	}

	// A Remove of a subscribed file is still a change observation: a
	// WAL file disappearing means SQLite checkpointed it into the main
	// database. Chmod alone carries no content signal.
	if event.Op == fsnotify.Chmod {
		return
	}

	select {
	case n.events <- Event{Path: abs}:
	case <-n.done:
	default:
		// Raw events are only hints; dropping one under pressure is
		// recovered by the debounce window or the fallback tick.
	}
}
