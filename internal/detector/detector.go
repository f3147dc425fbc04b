// Package detector turns raw filesystem events on the source
// database's write-ahead log into a minimal stream of sync triggers.
//
// A burst of writes to chat.db produces dozens of WAL modification
// events in quick succession. The detector debounces them: each raw
// event re-arms a quiet-period timer, and a single ChangeSignal is
// emitted once the burst goes quiet. A maximum coalescing window
// bounds total deferral so a sustained burst still produces periodic
// signals instead of starving the consumer.
//
// Two trigger paths are independent of filesystem events: a periodic
// fallback tick (OS notification drops are a documented possibility)
// and ForceTrigger (used on startup to catch up on changes that
// happened while nothing was watching).
//
// All debounce state lives on a single goroutine's event loop - timer
// arming, re-arming, and firing never race because they are processed
// in order from one select statement.
package detector

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Signal is an ephemeral "the source possibly changed" token. Many raw
// events may be coalesced into one; it carries nothing beyond the
// observation time.
type Signal struct {
	ObservedAt time.Time
}

// Config holds detector tuning knobs.
type Config struct {
	// QuietPeriod is how long the event stream must stay silent before
	// a signal fires. Short enough to feel instant.
	QuietPeriod time.Duration

	// MaxCoalesce caps total deferral during a sustained burst. Once a
	// pending signal has been deferred this long, it fires regardless
	// of further events. This is the liveness bound of the design.
	MaxCoalesce time.Duration

	// FallbackInterval is the period of the catch-up tick that fires
	// even when no filesystem events arrive.
	FallbackInterval time.Duration

	// RewatchBackoff is how long to wait between attempts to
	// re-establish a lost watch.
	RewatchBackoff time.Duration

	// Logger for detector activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QuietPeriod:      200 * time.Millisecond,
		MaxCoalesce:      2 * time.Second,
		FallbackInterval: 30 * time.Second,
		RewatchBackoff:   time.Second,
		Logger:           log.New(os.Stderr, "[detector] ", log.LstdFlags),
	}
}

// Detector owns a Notifier subscription on the source's WAL (and main
// database file) and emits debounced ChangeSignals.
type Detector struct {
	notifier Notifier
	paths    []string
	config   *Config

	signals chan Signal
	force   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	healthy bool
	lostAt  time.Time
}

// New creates a Detector that watches the given paths through the
// notifier. The detector takes ownership of the notifier and closes it
// on Stop.
func New(notifier Notifier, paths []string, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = defaults.QuietPeriod
	}
	if config.MaxCoalesce <= 0 {
		config.MaxCoalesce = defaults.MaxCoalesce
	}
	if config.FallbackInterval <= 0 {
		config.FallbackInterval = defaults.FallbackInterval
	}
	if config.RewatchBackoff <= 0 {
		config.RewatchBackoff = defaults.RewatchBackoff
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[detector] ", log.LstdFlags)
	}

	return &Detector{
		notifier: notifier,
		paths:    paths,
		config:   config,
		signals:  make(chan Signal, 1),
		force:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the watched paths and begins emitting signals.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("detector already running")
	}

	for i, path := range d.paths {
		if err := d.notifier.Watch(path); err != nil {
			for _, prev := range d.paths[:i] {
				_ = d.notifier.Unwatch(prev)
			}
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	d.running = true
	d.healthy = true
	d.wg.Add(1)
	go d.run()

	return nil
}

// Stop cancels pending timers, stops listening, and closes the signal
// channel. Blocks until the event loop has exited.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.done)
	err := d.notifier.Close()
	d.wg.Wait()
	close(d.signals)

	if err != nil {
		return fmt.Errorf("failed to close notifier: %w", err)
	}
	return nil
}

// Signals returns the channel of debounced change signals. The channel
// has capacity one and sends are non-blocking: a signal arriving while
// one is already pending is coalesced, which is all the consumer needs
// given that extraction is watermark-driven.
func (d *Detector) Signals() <-chan Signal { return d.signals }

// ForceTrigger requests an immediate signal, bypassing the debounce.
// Used on startup and after watch recovery to pick up anything that
// changed while unobserved.
func (d *Detector) ForceTrigger() {
	select {
	case d.force <- struct{}{}:
	default:
	}
}

// Healthy reports whether the filesystem watch is currently
// established. False means WatchLost recovery is in progress; signals
// still flow from the fallback tick in the meantime.
func (d *Detector) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

func (d *Detector) setHealthy(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.healthy && !ok {
		d.lostAt = time.Now()
	}
	d.healthy = ok
}

// run is the single-threaded event loop owning all debounce state.
//
// State machine: idle (no timer) -> pending (timer armed) -> pending
// (timer re-armed per event, bounded by MaxCoalesce) -> fired -> idle.
func (d *Detector) run() {
	defer d.wg.Done()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		firstAt   time.Time // arrival of the first event in the pending window

		rewatch  *time.Timer
		rewatchC <-chan time.Time
	)

	fallback := time.NewTicker(d.config.FallbackInterval)
	defer fallback.Stop()

	// clearDebounce returns the loop to the idle state. Safe against
	// the stop/receive race because only this goroutine reads the
	// timer channel.
	clearDebounce := func() {
		if debounce == nil {
			return
		}
		if !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce = nil
		debounceC = nil
	}

	emit := func() {
		clearDebounce()
		select {
		case d.signals <- Signal{ObservedAt: time.Now()}:
		default:
			// A signal is already pending; the next cycle covers this
			// change too.
		}
	}

	for {
		select {
		case <-d.done:
			clearDebounce()
			if rewatch != nil {
				rewatch.Stop()
			}
			return

		case _, ok := <-d.notifier.Events():
			if !ok {
				return
			}
			now := time.Now()
			switch {
			case debounce == nil:
				firstAt = now
				debounce = time.NewTimer(d.config.QuietPeriod)
				debounceC = debounce.C
			case now.Sub(firstAt) >= d.config.MaxCoalesce:
				// Burst has deferred the signal long enough; fire now
				// so the consumer is never starved.
				emit()
			default:
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(d.config.QuietPeriod)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			emit()

		case <-fallback.C:
			// Catch-up tick: covers dropped OS notifications and the
			// window while a lost watch is being re-established.
			emit()

		case <-d.force:
			emit()

		case err, ok := <-d.notifier.Errors():
			if !ok {
				return
			}
			if errors.Is(err, ErrWatchLost) {
				d.config.Logger.Printf("Watch lost: %v", err)
				d.setHealthy(false)
				if d.tryRewatch() {
					emit()
				} else if rewatch == nil {
					rewatch = time.NewTimer(d.config.RewatchBackoff)
					rewatchC = rewatch.C
				}
			} else {
				d.config.Logger.Printf("Watcher error: %v", err)
			}

		case <-rewatchC:
			rewatch = nil
			rewatchC = nil
			if d.tryRewatch() {
				// Forced catch-up pass: anything that changed while
				// the watch was down gets picked up immediately.
				emit()
			} else {
				rewatch = time.NewTimer(d.config.RewatchBackoff)
				rewatchC = rewatch.C
			}
		}
	}
}

// tryRewatch attempts to re-establish all subscriptions. Returns true
// and restores health on success.
func (d *Detector) tryRewatch() bool {
	for _, path := range d.paths {
		if err := d.notifier.Watch(path); err != nil {
			d.config.Logger.Printf("Re-watch of %s failed: %v", path, err)
			return false
		}
	}
	d.setHealthy(true)
	d.config.Logger.Printf("Watch re-established on %d path(s)", len(d.paths))
	return true
}
