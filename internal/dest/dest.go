// Package dest provides the destination analytics database the live
// sync writes into.
//
// The database is a local SQLite file in WAL mode: concurrent readers
// (the analytics application) stay unblocked while sync cycles write.
// It holds the transformed chats/messages/attachments tables plus the
// sync_watermarks table owned by the watermark package.
//
// All loads are keyed by source GUID with conflict-ignoring inserts,
// which is what makes the downstream side of the sync idempotent under
// at-least-once redelivery: re-applying a batch whose commit previously
// failed inserts nothing twice.
package dest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timestampLayout is RFC 3339 with a fixed-width nanosecond fraction.
// chats.last_message_date is maintained with a lexical MAX(), and
// time.RFC3339Nano trims trailing fraction zeros, which makes strings
// within the same second sort out of order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the destination database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the destination database at the given path.
//
// The database is opened in WAL mode with a busy timeout and foreign
// keys enabled. The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection. Used to build the
// watermark store on the same file.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the path to the database file.
func (db *DB) Path() string { return db.path }

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the destination tables and indexes if they don't
// exist. Idempotent - safe to call on every startup.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY,
		chat_identifier TEXT NOT NULL UNIQUE,
		chat_name TEXT,
		service_name TEXT,
		is_group INTEGER NOT NULL DEFAULT 0,
		created_date TEXT NOT NULL,
		last_message_date TEXT,
		total_messages INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		guid TEXT NOT NULL UNIQUE,
		chat_id INTEGER NOT NULL,
		sender_identifier TEXT,
		content TEXT,
		timestamp TEXT NOT NULL,
		is_from_me INTEGER NOT NULL DEFAULT 0,
		service_name TEXT,
		reply_to_guid TEXT,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS reactions (
		id INTEGER PRIMARY KEY,
		guid TEXT NOT NULL UNIQUE,
		message_guid TEXT NOT NULL,
		reaction_type INTEGER NOT NULL,
		sender_identifier TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY,
		guid TEXT NOT NULL UNIQUE,
		message_guid TEXT NOT NULL,
		created_date TEXT,
		file_name TEXT,
		uti TEXT,
		mime_type TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		is_sticker INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (message_guid) REFERENCES messages(guid) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_identifier);
	CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_guid);
	CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_guid);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// MessageRecord is a transformed message ready for loading.
type MessageRecord struct {
	GUID        string
	ChatID      int64
	Sender      string
	Content     string
	Timestamp   time.Time
	IsFromMe    bool
	ServiceName string
	ReplyToGUID string
}

// ReactionRecord is a transformed tapback/reaction ready for loading.
type ReactionRecord struct {
	GUID        string
	MessageGUID string
	Type        int64
	Sender      string
	Timestamp   time.Time
}

// AttachmentRecord is a transformed attachment ready for loading.
type AttachmentRecord struct {
	GUID        string
	MessageGUID string
	CreatedDate time.Time
	FileName    string
	UTI         string
	MimeType    string
	Size        int64
	IsSticker   bool
}

// EnsureChat returns the id of the chat with the given identifier,
// creating it if missing.
func (db *DB) EnsureChat(ctx context.Context, identifier, name, service string, isGroup bool) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM chats WHERE chat_identifier = ?`, identifier).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up chat %q: %w", identifier, err)
	}

	now := time.Now().UTC().Format(timestampLayout)
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO chats (chat_identifier, chat_name, service_name, is_group, created_date)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_identifier) DO NOTHING`,
		identifier, name, service, isGroup, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create chat %q: %w", identifier, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		if id, err := res.LastInsertId(); err == nil {
			return id, nil
		}
	}

	// Lost a race with another insert; read the winner.
	if err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM chats WHERE chat_identifier = ?`, identifier).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to re-read chat %q: %w", identifier, err)
	}
	return id, nil
}

// InsertMessage loads a message, ignoring duplicates by GUID.
// Returns true if the row was actually inserted. On insert, the owning
// chat's last_message_date and total_messages are maintained.
func (db *DB) InsertMessage(ctx context.Context, rec *MessageRecord) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := rec.Timestamp.UTC().Format(timestampLayout)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (guid, chat_id, sender_identifier, content, timestamp, is_from_me, service_name, reply_to_guid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO NOTHING`,
		rec.GUID, rec.ChatID, rec.Sender, rec.Content, ts, rec.IsFromMe, rec.ServiceName, rec.ReplyToGUID)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", rec.GUID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result for %s: %w", rec.GUID, err)
	}
	if n == 0 {
		return false, nil // already loaded by an earlier delivery
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET total_messages = total_messages + 1,
		        last_message_date = MAX(COALESCE(last_message_date, ''), ?)
		 WHERE id = ?`, ts, rec.ChatID); err != nil {
		return false, fmt.Errorf("failed to update chat stats for %d: %w", rec.ChatID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message %s: %w", rec.GUID, err)
	}
	return true, nil
}

// InsertReaction loads a reaction, ignoring duplicates by GUID.
func (db *DB) InsertReaction(ctx context.Context, rec *ReactionRecord) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO reactions (guid, message_guid, reaction_type, sender_identifier, timestamp)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO NOTHING`,
		rec.GUID, rec.MessageGUID, rec.Type, rec.Sender, rec.Timestamp.UTC().Format(timestampLayout))
	if err != nil {
		return false, fmt.Errorf("failed to insert reaction %s: %w", rec.GUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result for %s: %w", rec.GUID, err)
	}
	return n > 0, nil
}

// MessageExists reports whether a message with the given source GUID
// has been loaded.
func (db *DB) MessageExists(ctx context.Context, guid string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE guid = ?`, guid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message %s: %w", guid, err)
	}
	return true, nil
}

// InsertAttachment loads an attachment, ignoring duplicates by GUID.
// The owning message must already exist (foreign key).
func (db *DB) InsertAttachment(ctx context.Context, rec *AttachmentRecord) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO attachments (guid, message_guid, created_date, file_name, uti, mime_type, size, is_sticker)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO NOTHING`,
		rec.GUID, rec.MessageGUID, rec.CreatedDate.UTC().Format(timestampLayout),
		rec.FileName, rec.UTI, rec.MimeType, rec.Size, rec.IsSticker)
	if err != nil {
		return false, fmt.Errorf("failed to insert attachment %s: %w", rec.GUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result for %s: %w", rec.GUID, err)
	}
	return n > 0, nil
}

// MessageCount returns the total number of loaded messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// AttachmentCount returns the total number of loaded attachments.
func (db *DB) AttachmentCount(ctx context.Context) (int64, error) {
	var count int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return count, nil
}
