package detector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newFsNotifier builds a real fsnotify-backed notifier subscribed to a
// WAL-style file in its own temp directory.
func newFsNotifier(t *testing.T) (Notifier, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	path := filepath.Join(dir, "chat.db-wal")
	if err := os.WriteFile(path, []byte("wal"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier() failed: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	if err := n.Watch(path); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	return n, path
}

func waitFsEvent(t *testing.T, n Notifier, timeout time.Duration) Event {
	t.Helper()

	select {
	case ev, ok := <-n.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for filesystem event")
	}
	return Event{}
}

func TestFsNotifier_WriteProducesEvent(t *testing.T) {
	n, path := newFsNotifier(t)

	if err := os.WriteFile(path, []byte("wal+"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	ev := waitFsEvent(t, n, 5*time.Second)
	abs, _ := filepath.Abs(path)
	if ev.Path != abs {
		t.Errorf("event path = %q, want %q", ev.Path, abs)
	}
}

func TestFsNotifier_FileRemovalIsAChangeEvent(t *testing.T) {
	n, path := newFsNotifier(t)

	// A checkpoint deletes the WAL file; that is still a change
	// observation, not a watch failure.
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	waitFsEvent(t, n, 5*time.Second)
}

func TestFsNotifier_RewatchAfterDirectoryRemoval(t *testing.T) {
	n, path := newFsNotifier(t)
	dir := filepath.Dir(path)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("failed to remove directory: %v", err)
	}

	// Losing the directory invalidates the kernel watch and surfaces
	// as ErrWatchLost.
	deadline := time.After(5 * time.Second)
	lost := false
	for !lost {
		select {
		case err := <-n.Errors():
			lost = errors.Is(err, ErrWatchLost)
		case <-deadline:
			t.Fatal("timed out waiting for watch-lost error")
		}
	}

	// The owning application recreates the directory. Re-watching must
	// establish a live subscription again, not bail out on stale
	// bookkeeping from before the loss.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to recreate directory: %v", err)
	}
	if err := n.Watch(path); err != nil {
		t.Fatalf("Watch() after recovery failed: %v", err)
	}

	// Let events queued before the loss drain so the assertion below
	// only sees post-recovery activity.
	settle := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case <-n.Events():
		case <-settle:
			break drain
		}
	}

	if err := os.WriteFile(path, []byte("post-recovery"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	select {
	case ev := <-n.Events():
		if got := filepath.Base(ev.Path); got != "chat.db-wal" {
			t.Errorf("post-recovery event for %q, want the watched file", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event after recovery: the filesystem watch was not re-established")
	}
}
