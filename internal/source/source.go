// Package source provides read-only access to the live Messages
// database (chat.db) and bounded incremental extraction by ROWID.
//
// The source database is owned and written by the Messages application
// while we read it. Every read here:
//
//   - opens the file in read-only mode with a busy timeout, so a
//     checkpoint or write lock surfaces as a retryable error instead
//     of corrupting anything
//   - runs inside a read transaction, so one extraction sees a
//     consistent snapshot even while rows are being inserted
//   - filters with an indexed ROWID range predicate, never a full scan
//
// ROWIDs in chat.db are assigned monotonically, so they double as the
// sync cursor: rows with ROWID greater than the watermark are exactly
// the rows not yet synchronized.
package source

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrUnavailable indicates the source database could not be opened or
// read (missing, locked, or mid-checkpoint). Always retryable: the
// source is externally owned and the next cycle tries again.
var ErrUnavailable = errors.New("source: database unavailable")

// Stream identifies a logical extraction stream within the source.
type Stream string

const (
	// StreamMessages is the message stream (chat.db message table).
	StreamMessages Stream = "messages"

	// StreamAttachments is the attachment stream (chat.db attachment table).
	StreamAttachments Stream = "attachments"
)

// Streams lists all streams in dependency order: attachments reference
// messages, so messages must always be processed first.
var Streams = []Stream{StreamMessages, StreamAttachments}

// String returns the stream identifier.
func (s Stream) String() string { return string(s) }

// DB is a read-only handle on the live chat.db.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens the source database read-only.
//
// The connection never writes: mode=ro at the filesystem level plus a
// busy timeout so reads wait briefly for the owning application's
// write locks instead of failing immediately.
//
// Returns an error wrapping ErrUnavailable if the file cannot be
// opened or pinged.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open source database %s: %w: %w", path, ErrUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach source database %s: %w: %w", path, ErrUnavailable, err)
	}

	// Wait up to a second for the owning application's write locks.
	if _, err := conn.Exec("PRAGMA busy_timeout=1000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w: %w", ErrUnavailable, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the path to the source database file.
func (db *DB) Path() string { return db.path }

// WALPath returns the path to the source database's write-ahead log.
// This is the file the change detector watches: the owning application
// appends there before anything becomes visible in the main file.
func (db *DB) WALPath() string { return db.path + "-wal" }

// Close closes the source connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close source database: %w", err)
	}
	db.conn = nil
	return nil
}
