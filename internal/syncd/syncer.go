package syncd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tylerb/livesync/internal/detector"
	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/watermark"
)

// Transformer consumes one extracted batch. Apply must be idempotent:
// a batch whose watermark commit failed is redelivered in full on the
// next cycle.
type Transformer interface {
	Apply(ctx context.Context, batch *source.Batch) error
}

// Listener receives sync lifecycle events, for monitoring surfaces
// like the dashboard. Methods are called from the cycle goroutine and
// must not block.
type Listener interface {
	// WatermarkAdvanced fires after each committed batch.
	WatermarkAdvanced(stream source.Stream, cursor int64, rows int)

	// CycleCompleted fires after each successful cycle.
	CycleCompleted(status Status, duration time.Duration)
}

// Config holds syncer tuning knobs.
type Config struct {
	// BatchCap bounds how many rows one extraction returns. A stream
	// with more backlog than this is drained in consecutive batches
	// within the same cycle.
	BatchCap int

	// Listener receives lifecycle events. Optional.
	Listener Listener

	// Logger receives sync activity. If nil, a default stderr logger
	// is used.
	Logger *log.Logger
}

// DefaultConfig returns the default syncer configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchCap: 500,
	}
}

// StreamStatus describes one stream's sync progress.
type StreamStatus struct {
	Stream       source.Stream `json:"stream"`
	Bootstrapped bool          `json:"bootstrapped"`
	Cursor       int64         `json:"cursor"`
	RowsSynced   int64         `json:"rows_synced"`
	LastSyncAt   time.Time     `json:"last_sync_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Status is a point-in-time snapshot of the syncer.
type Status struct {
	Running        bool           `json:"running"`
	WatcherHealthy bool           `json:"watcher_healthy"`
	CyclesRun      int64          `json:"cycles_run"`
	LastCycleAt    time.Time      `json:"last_cycle_at,omitempty"`
	Streams        []StreamStatus `json:"streams"`
}

// Syncer orchestrates incremental sync cycles.
type Syncer struct {
	src          *source.DB
	marks        *watermark.Store
	transformers map[source.Stream]Transformer
	det          *detector.Detector
	logger       *log.Logger
	batchCap     int
	listener     Listener

	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	running   bool
	cycles    int64
	lastCycle time.Time
	streams   map[source.Stream]*StreamStatus
}

// New creates a syncer. det may be nil when the syncer is only used
// for one-shot cycles via SyncOnce; Start requires it.
func New(src *source.DB, marks *watermark.Store, transformers map[source.Stream]Transformer, det *detector.Detector, config *Config) *Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	batchCap := config.BatchCap
	if batchCap <= 0 {
		batchCap = DefaultConfig().BatchCap
	}

	streams := make(map[source.Stream]*StreamStatus, len(source.Streams))
	for _, stream := range source.Streams {
		streams[stream] = &StreamStatus{Stream: stream}
	}

	return &Syncer{
		src:          src,
		marks:        marks,
		transformers: transformers,
		det:          det,
		logger:       logger,
		batchCap:     batchCap,
		listener:     config.Listener,
		trigger:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		streams:      streams,
	}
}

// Start begins watching for changes and running sync cycles. An
// initial catch-up cycle runs immediately so rows written while the
// syncer was down are picked up without waiting for a trigger.
func (s *Syncer) Start(ctx context.Context) error {
	if s.det == nil {
		return fmt.Errorf("syncer has no change detector")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.det.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to start change detector: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Printf("Sync loop started (batch cap %d)", s.batchCap)
	return nil
}

// Stop shuts down the sync loop and the change detector. Safe to call
// more than once.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	if s.det != nil {
		if err := s.det.Stop(); err != nil {
			s.logger.Printf("Warning: failed to stop change detector: %v", err)
		}
	}
	s.logger.Printf("Sync loop stopped")
}

// Trigger requests a sync cycle outside the detector's signals, as for
// an operator-initiated sync. Collapses into any already-pending
// trigger.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of sync progress.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:     s.running,
		CyclesRun:   s.cycles,
		LastCycleAt: s.lastCycle,
	}
	if s.det != nil {
		status.WatcherHealthy = s.det.Healthy()
	}
	for _, stream := range source.Streams {
		status.Streams = append(status.Streams, *s.streams[stream])
	}
	return status
}

// Bootstrap seeds every stream's watermark at the source's current
// maximum ROWID, so sync starts from "now" without replaying history.
// Streams already bootstrapped are left untouched.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	for _, stream := range source.Streams {
		if err := s.bootstrapStream(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) bootstrapStream(ctx context.Context, stream source.Stream) error {
	cursor, err := s.src.MaxCursor(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to read max cursor for %s: %w", stream, err)
	}

	err = s.marks.Bootstrap(ctx, string(stream), cursor)
	if errors.Is(err, watermark.ErrAlreadyBootstrapped) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to bootstrap %s: %w", stream, err)
	}

	s.logger.Printf("Bootstrapped %s at ROWID %d (existing rows are not replayed)", stream, cursor)
	return nil
}

// SyncOnce runs a single full cycle: every stream, in dependency
// order, drained to its current backlog. Returns the first error; the
// watermark of a failed stream stays put and later streams are
// skipped.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	start := time.Now()
	for _, stream := range source.Streams {
		if err := s.syncStream(ctx, stream); err != nil {
			s.noteError(stream, err)
			return err
		}
	}
	s.noteCycle(start)
	if s.listener != nil {
		s.listener.CycleCompleted(s.Status(), time.Since(start))
	}
	return nil
}

// run is the cycle loop. It owns cycle execution: signals and triggers
// that arrive mid-cycle wait in their capacity-1 channels and collapse
// into one follow-up cycle.
func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()

	// Cycles run detached from the start context so a shutdown signal
	// never cancels one mid-commit; the loop itself still exits on it.
	cycleCtx := context.WithoutCancel(ctx)

	// Catch-up cycle before the first signal.
	s.runCycle(cycleCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case sig, ok := <-s.det.Signals():
			if !ok {
				return
			}
			s.logger.Printf("Change detected (observed %s), syncing",
				sig.ObservedAt.Format(time.RFC3339))
			s.runCycle(cycleCtx)
		case <-s.trigger:
			s.runCycle(cycleCtx)
		}
	}
}

// runCycle executes one cycle and contains its errors: a failed cycle
// is logged and the loop waits for the next trigger.
func (s *Syncer) runCycle(ctx context.Context) {
	err := s.SyncOnce(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if errors.Is(err, source.ErrUnavailable) {
		s.logger.Printf("Warning: source unavailable, will retry on next trigger: %v", err)
		return
	}
	s.logger.Printf("Error: sync cycle failed: %v", err)
}

// syncStream drains one stream: extract past the watermark, apply,
// commit, repeat until a partial batch shows the backlog is empty.
func (s *Syncer) syncStream(ctx context.Context, stream source.Stream) error {
	tr := s.transformers[stream]
	if tr == nil {
		return nil
	}

	for {
		wm, err := s.marks.Load(ctx, string(stream))
		if errors.Is(err, watermark.ErrNotBootstrapped) {
			if err := s.bootstrapStream(ctx, stream); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load watermark for %s: %w", stream, err)
		}
		s.noteCursor(stream, wm.Cursor)

		batch, err := s.src.Extract(ctx, stream, wm.Cursor, s.batchCap)
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", stream, err)
		}
		if batch.Empty() {
			return nil
		}

		if err := tr.Apply(ctx, batch); err != nil {
			return fmt.Errorf("failed to apply %s batch through ROWID %d: %w",
				stream, batch.NextCursor, err)
		}

		if err := s.marks.Commit(ctx, string(stream), batch.NextCursor); err != nil {
			if errors.Is(err, watermark.ErrNonMonotonic) {
				// Someone moved the watermark past us mid-cycle. Do not
				// clobber it; the next cycle re-reads the newer cursor.
				s.logger.Printf("Error: watermark for %s is ahead of this cycle (tried %d): %v",
					stream, batch.NextCursor, err)
				return err
			}
			return fmt.Errorf("failed to commit watermark for %s: %w", stream, err)
		}
		s.noteProgress(stream, batch.NextCursor, batch.Count())
		if s.listener != nil {
			s.listener.WatermarkAdvanced(stream, batch.NextCursor, batch.Count())
		}

		if batch.Count() < s.batchCap {
			return nil
		}
		// Full batch: more rows may be waiting.
	}
}

func (s *Syncer) noteCursor(stream source.Stream, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[stream]
	st.Bootstrapped = true
	st.Cursor = cursor
}

func (s *Syncer) noteProgress(stream source.Stream, cursor int64, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[stream]
	st.Bootstrapped = true
	st.Cursor = cursor
	st.RowsSynced += int64(rows)
	st.LastSyncAt = time.Now()
	st.LastError = ""
}

func (s *Syncer) noteError(stream source.Stream, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream].LastError = err.Error()
}

func (s *Syncer) noteCycle(start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.lastCycle = start
}
