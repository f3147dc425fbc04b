// Package watermark tracks the last successfully synchronized position
// per logical stream.
//
// A watermark is the durable "how far we've gotten" record for one
// stream (messages or attachments). It is read at the start of every
// sync cycle and advanced only after a batch has been committed
// downstream, which is what makes crash recovery and at-least-once
// redelivery work: an unadvanced watermark simply causes the next
// cycle to re-extract the same rows.
//
// The store lives in the destination database as a small
// sync_watermarks table. It assumes a single writer per stream (the
// sync orchestrator) and relies on SQLite's WAL journal for
// durability: once Commit returns, the new cursor survives a crash.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotBootstrapped is returned by Load when no watermark exists
	// for the stream. The caller must Bootstrap explicitly before
	// syncing; this is never auto-recovered.
	ErrNotBootstrapped = errors.New("watermark: stream not bootstrapped")

	// ErrAlreadyBootstrapped is returned by Bootstrap when a watermark
	// already exists. Callers that want idempotent startup should check
	// with Load first rather than relying on this error for control flow.
	ErrAlreadyBootstrapped = errors.New("watermark: stream already bootstrapped")

	// ErrNonMonotonic is returned by Commit when the new cursor is
	// behind the stored one. The orchestrator must never attempt this;
	// the store enforces it as a last line of defense and the caller
	// is expected to log it loudly.
	ErrNonMonotonic = errors.New("watermark: cursor would move backwards")
)

// Watermark is the persisted position of one stream.
type Watermark struct {
	// Stream identifies the logical stream ("messages" or "attachments").
	Stream string

	// Cursor is the last synchronized source ROWID. Monotonically
	// non-decreasing over the stream's lifetime.
	Cursor int64

	// UpdatedAt is the wall-clock time of the last successful advance.
	UpdatedAt time.Time
}

// Store persists watermarks in a sync_watermarks table.
//
// Store performs no I/O against the source database; it only touches
// the destination connection it was given.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection.
// Call Init before first use to create the table.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the sync_watermarks table if it doesn't exist.
// Idempotent - safe to call on every startup.
func (s *Store) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_watermarks (
		stream_id TEXT PRIMARY KEY,
		cursor INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sync_watermarks table: %w", err)
	}
	return nil
}

// Load returns the watermark for a stream.
//
// Returns ErrNotBootstrapped if the stream has never been initialized.
func (s *Store) Load(ctx context.Context, stream string) (Watermark, error) {
	var (
		wm        Watermark
		updatedAt string
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT stream_id, cursor, updated_at FROM sync_watermarks WHERE stream_id = ?`,
		stream)
	if err := row.Scan(&wm.Stream, &wm.Cursor, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Watermark{}, fmt.Errorf("stream %q: %w", stream, ErrNotBootstrapped)
		}
		return Watermark{}, fmt.Errorf("failed to load watermark for %q: %w", stream, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to parse updated_at for %q: %w", stream, err)
	}
	wm.UpdatedAt = ts

	return wm, nil
}

// Bootstrap creates the initial watermark for a stream.
//
// Returns ErrAlreadyBootstrapped if a watermark already exists. The
// insert is a single statement, so concurrent bootstrap attempts
// cannot both succeed.
func (s *Store) Bootstrap(ctx context.Context, stream string, cursor int64) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_watermarks (stream_id, cursor, updated_at) VALUES (?, ?, ?)`,
		stream, cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to bootstrap watermark for %q: %w", stream, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check bootstrap result for %q: %w", stream, err)
	}
	if n == 0 {
		return fmt.Errorf("stream %q: %w", stream, ErrAlreadyBootstrapped)
	}

	return nil
}

// Commit atomically advances the cursor for a stream.
//
// The monotonicity check happens inside the UPDATE's WHERE clause, so
// a stale caller can never move the cursor backwards regardless of
// interleaving. Committing the current cursor again is allowed (a
// no-op advance), which keeps retries after a duplicate trigger safe.
//
// Returns ErrNotBootstrapped if the stream has no watermark, and
// ErrNonMonotonic if newCursor is behind the stored cursor.
func (s *Store) Commit(ctx context.Context, stream string, newCursor int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_watermarks SET cursor = ?, updated_at = ? WHERE stream_id = ? AND cursor <= ?`,
		newCursor, time.Now().UTC().Format(time.RFC3339Nano), stream, newCursor)
	if err != nil {
		return fmt.Errorf("failed to commit watermark for %q: %w", stream, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check commit result for %q: %w", stream, err)
	}
	if n > 0 {
		return nil
	}

	// The update matched nothing: either the stream is missing or the
	// cursor would move backwards. Distinguish for the caller.
	if _, err := s.Load(ctx, stream); err != nil {
		return err
	}
	return fmt.Errorf("stream %q: cursor %d: %w", stream, newCursor, ErrNonMonotonic)
}

// Reset deletes the watermark for a stream.
//
// This is the only way a watermark is ever removed, and it is meant
// for explicit operator use (re-bootstrap, backfill). Returns nil if
// the stream has no watermark (idempotent).
func (s *Store) Reset(ctx context.Context, stream string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_watermarks WHERE stream_id = ?`, stream); err != nil {
		return fmt.Errorf("failed to reset watermark for %q: %w", stream, err)
	}
	return nil
}
