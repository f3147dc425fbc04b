// Package sourcetest builds miniature chat.db-shaped databases for
// tests. It creates just enough of the Messages schema (message, chat,
// handle, attachment and their join tables) for the extractor queries
// to run against, and provides writers that mimic the owning
// application inserting rows.
package sourcetest

import (
	"database/sql"
	"path/filepath"
	"strconv"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY,
	guid TEXT UNIQUE,
	text TEXT,
	attributedBody BLOB,
	handle_id INTEGER,
	service TEXT,
	date INTEGER,
	is_from_me INTEGER DEFAULT 0,
	associated_message_guid TEXT,
	associated_message_type INTEGER DEFAULT 0,
	reply_to_guid TEXT
);

CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY,
	guid TEXT,
	chat_identifier TEXT,
	display_name TEXT,
	service_name TEXT
);

CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY,
	id TEXT UNIQUE
);

CREATE TABLE chat_message_join (
	chat_id INTEGER,
	message_id INTEGER
);

CREATE TABLE attachment (
	ROWID INTEGER PRIMARY KEY,
	guid TEXT UNIQUE,
	created_date INTEGER,
	filename TEXT,
	uti TEXT,
	mime_type TEXT,
	total_bytes INTEGER DEFAULT 0,
	is_sticker INTEGER DEFAULT 0
);

CREATE TABLE message_attachment_join (
	message_id INTEGER,
	attachment_id INTEGER
);
`

// DB is a writable handle on a fixture chat.db.
type DB struct {
	tb   testing.TB
	Conn *sql.DB
	Path string

	chatID int64
}

// New creates a chat.db fixture in a temp directory with one default
// chat ("+15550001111") that messages attach to unless another chat is
// added.
func New(tb testing.TB) *DB {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "chat.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		tb.Fatalf("sourcetest: failed to open %s: %v", path, err)
	}
	tb.Cleanup(func() { conn.Close() })

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		tb.Fatalf("sourcetest: failed to enable WAL: %v", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		tb.Fatalf("sourcetest: failed to create schema: %v", err)
	}

	db := &DB{tb: tb, Conn: conn, Path: path}
	db.chatID = db.AddChat("+15550001111", "")
	return db
}

// AddChat inserts a chat row and returns its ROWID.
func (db *DB) AddChat(identifier, displayName string) int64 {
	db.tb.Helper()

	res, err := db.Conn.Exec(
		`INSERT INTO chat (guid, chat_identifier, display_name, service_name) VALUES (?, ?, ?, 'iMessage')`,
		"chat-"+identifier, identifier, displayName)
	if err != nil {
		db.tb.Fatalf("sourcetest: failed to insert chat %s: %v", identifier, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		db.tb.Fatalf("sourcetest: failed to read chat rowid: %v", err)
	}
	return id
}

// Message describes a message row to insert. Zero values get sensible
// defaults: GUID derived from the assigned ROWID, the fixture's
// default chat, and a date equal to the ROWID (keeps date order equal
// to insert order).
type Message struct {
	GUID           string
	Text           string
	Sender         string
	ChatID         int64
	Date           int64
	IsFromMe       bool
	AssociatedGUID string
	AssociatedType int64
}

// AddMessage inserts a message row joined to its chat and returns the
// assigned ROWID.
func (db *DB) AddMessage(m Message) int64 {
	db.tb.Helper()

	var handleID any
	if m.Sender != "" {
		handleID = db.handleID(m.Sender)
	}

	res, err := db.Conn.Exec(
		`INSERT INTO message (guid, text, handle_id, service, date, is_from_me, associated_message_guid, associated_message_type)
		 VALUES (?, ?, ?, 'iMessage', ?, ?, ?, ?)`,
		m.GUID, m.Text, handleID, m.Date, m.IsFromMe, m.AssociatedGUID, m.AssociatedType)
	if err != nil {
		db.tb.Fatalf("sourcetest: failed to insert message: %v", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		db.tb.Fatalf("sourcetest: failed to read message rowid: %v", err)
	}

	if m.GUID == "" {
		guid := messageGUID(rowID)
		if _, err := db.Conn.Exec(`UPDATE message SET guid = ? WHERE ROWID = ?`, guid, rowID); err != nil {
			db.tb.Fatalf("sourcetest: failed to set message guid: %v", err)
		}
	}
	if m.Date == 0 {
		if _, err := db.Conn.Exec(`UPDATE message SET date = ? WHERE ROWID = ?`, rowID, rowID); err != nil {
			db.tb.Fatalf("sourcetest: failed to set message date: %v", err)
		}
	}

	chatID := m.ChatID
	if chatID == 0 {
		chatID = db.chatID
	}
	if _, err := db.Conn.Exec(
		`INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)`, chatID, rowID); err != nil {
		db.tb.Fatalf("sourcetest: failed to join message to chat: %v", err)
	}

	return rowID
}

// AddMessages inserts n default messages and returns the last ROWID.
func (db *DB) AddMessages(n int) int64 {
	db.tb.Helper()

	var last int64
	for i := 0; i < n; i++ {
		last = db.AddMessage(Message{})
	}
	return last
}

// Attachment describes an attachment row to insert.
type Attachment struct {
	GUID        string
	Filename    string
	MimeType    string
	TotalBytes  int64
	IsSticker   bool
	CreatedDate int64
	// MessageRowID is the ROWID of the owning message. Required.
	MessageRowID int64
}

// AddAttachment inserts an attachment row joined to its message and
// returns the assigned ROWID.
func (db *DB) AddAttachment(a Attachment) int64 {
	db.tb.Helper()

	res, err := db.Conn.Exec(
		`INSERT INTO attachment (guid, created_date, filename, uti, mime_type, total_bytes, is_sticker)
		 VALUES (?, ?, ?, 'public.jpeg', ?, ?, ?)`,
		a.GUID, a.CreatedDate, a.Filename, a.MimeType, a.TotalBytes, a.IsSticker)
	if err != nil {
		db.tb.Fatalf("sourcetest: failed to insert attachment: %v", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		db.tb.Fatalf("sourcetest: failed to read attachment rowid: %v", err)
	}

	if a.GUID == "" {
		if _, err := db.Conn.Exec(`UPDATE attachment SET guid = ? WHERE ROWID = ?`,
			attachmentGUID(rowID), rowID); err != nil {
			db.tb.Fatalf("sourcetest: failed to set attachment guid: %v", err)
		}
	}

	if _, err := db.Conn.Exec(
		`INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (?, ?)`,
		a.MessageRowID, rowID); err != nil {
		db.tb.Fatalf("sourcetest: failed to join attachment to message: %v", err)
	}

	return rowID
}

// MessageGUID returns the GUID AddMessage assigns to a default message
// with the given ROWID.
func MessageGUID(rowID int64) string { return messageGUID(rowID) }

func (db *DB) handleID(identifier string) int64 {
	db.tb.Helper()

	if _, err := db.Conn.Exec(`INSERT OR IGNORE INTO handle (id) VALUES (?)`, identifier); err != nil {
		db.tb.Fatalf("sourcetest: failed to insert handle %s: %v", identifier, err)
	}
	var id int64
	if err := db.Conn.QueryRow(`SELECT ROWID FROM handle WHERE id = ?`, identifier).Scan(&id); err != nil {
		db.tb.Fatalf("sourcetest: failed to look up handle %s: %v", identifier, err)
	}
	return id
}

func messageGUID(rowID int64) string {
	return "msg-guid-" + strconv.FormatInt(rowID, 10)
}

func attachmentGUID(rowID int64) string {
	return "att-guid-" + strconv.FormatInt(rowID, 10)
}
