package source

import (
	"context"
	"database/sql"
	"fmt"
)

// MessageRow is a raw message row from chat.db, joined with its chat
// and sender handle. Timestamps are raw Apple-epoch values as stored
// by the source; normalization happens downstream.
type MessageRow struct {
	RowID          int64
	GUID           string
	Text           string
	AttributedBody []byte
	Date           int64
	IsFromMe       bool
	Service        string
	AssociatedGUID string
	AssociatedType int64
	ReplyToGUID    string
	Sender         string
	ChatRowID      int64
	ChatIdentifier string
	ChatName       string
}

// AttachmentRow is a raw attachment row from chat.db, joined with the
// GUID of its owning message.
type AttachmentRow struct {
	RowID       int64
	GUID        string
	CreatedDate int64
	Filename    string
	UTI         string
	MimeType    string
	TotalBytes  int64
	IsSticker   bool
	MessageGUID string
}

// Batch is one bounded, ordered extraction result for a single stream.
//
// Exactly one of Messages or Attachments is populated, matching
// Stream. Rows are in strictly increasing ROWID order and NextCursor
// is the ROWID of the last row (or the input cursor when the batch is
// empty). A batch is owned by the orchestrator for one cycle and never
// retried from memory: if the downstream commit fails, the next cycle
// re-extracts from the unadvanced watermark.
type Batch struct {
	Stream      Stream
	Messages    []MessageRow
	Attachments []AttachmentRow
	NextCursor  int64
}

// Count returns the number of rows in the batch.
func (b *Batch) Count() int {
	return len(b.Messages) + len(b.Attachments)
}

// Empty reports whether the batch contains no rows. An empty batch is
// the normal "nothing new" outcome, not an error.
func (b *Batch) Empty() bool { return b.Count() == 0 }

const extractMessagesQuery = `
SELECT
	m.ROWID, m.guid, IFNULL(m.text, ''), IFNULL(m.attributedBody, x''),
	IFNULL(m.date, 0), IFNULL(m.is_from_me, 0), IFNULL(m.service, ''),
	IFNULL(m.associated_message_guid, ''), IFNULL(m.associated_message_type, 0),
	IFNULL(m.reply_to_guid, ''),
	IFNULL(sender_handle.id, ''),
	c.ROWID, IFNULL(c.chat_identifier, ''), IFNULL(c.display_name, '')
FROM message m
JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
JOIN chat c ON cmj.chat_id = c.ROWID
LEFT JOIN handle AS sender_handle ON m.handle_id = sender_handle.ROWID
WHERE m.ROWID > ?
ORDER BY m.ROWID ASC
LIMIT ?
`

const extractAttachmentsQuery = `
SELECT
	a.ROWID, a.guid, IFNULL(a.created_date, 0), IFNULL(a.filename, ''),
	IFNULL(a.uti, ''), IFNULL(a.mime_type, ''), IFNULL(a.total_bytes, 0),
	IFNULL(a.is_sticker, 0), m.guid
FROM attachment a
JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
JOIN message m ON maj.message_id = m.ROWID
WHERE a.ROWID > ?
ORDER BY a.ROWID ASC
LIMIT ?
`

// Extract returns up to limit rows of the given stream with ROWID
// strictly greater than afterCursor, in ascending ROWID order.
//
// The query runs inside a read-only transaction so the batch observes
// a consistent snapshot even while the owning application is writing.
// ROWID is unique, so the ordering is total and consecutive batches
// can never skip or duplicate a boundary row.
//
// Read failures wrap ErrUnavailable.
func (db *DB) Extract(ctx context.Context, stream Stream, afterCursor int64, limit int) (*Batch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("extract limit must be positive, got %d", limit)
	}

	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w: %w", ErrUnavailable, err)
	}
	defer tx.Rollback()

	batch := &Batch{Stream: stream, NextCursor: afterCursor}

	switch stream {
	case StreamMessages:
		err = db.extractMessages(ctx, tx, afterCursor, limit, batch)
	case StreamAttachments:
		err = db.extractAttachments(ctx, tx, afterCursor, limit, batch)
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	if err != nil {
		return nil, err
	}

	return batch, nil
}

func (db *DB) extractMessages(ctx context.Context, tx *sql.Tx, afterCursor int64, limit int, batch *Batch) error {
	rows, err := tx.QueryContext(ctx, extractMessagesQuery, afterCursor, limit)
	if err != nil {
		return fmt.Errorf("failed to query messages after ROWID %d: %w: %w", afterCursor, ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(
			&m.RowID, &m.GUID, &m.Text, &m.AttributedBody,
			&m.Date, &m.IsFromMe, &m.Service,
			&m.AssociatedGUID, &m.AssociatedType, &m.ReplyToGUID,
			&m.Sender, &m.ChatRowID, &m.ChatIdentifier, &m.ChatName,
		); err != nil {
			return fmt.Errorf("failed to scan message row: %w: %w", ErrUnavailable, err)
		}
		batch.Messages = append(batch.Messages, m)
		batch.NextCursor = m.RowID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read message rows: %w: %w", ErrUnavailable, err)
	}

	return nil
}

func (db *DB) extractAttachments(ctx context.Context, tx *sql.Tx, afterCursor int64, limit int, batch *Batch) error {
	rows, err := tx.QueryContext(ctx, extractAttachmentsQuery, afterCursor, limit)
	if err != nil {
		return fmt.Errorf("failed to query attachments after ROWID %d: %w: %w", afterCursor, ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a AttachmentRow
		if err := rows.Scan(
			&a.RowID, &a.GUID, &a.CreatedDate, &a.Filename,
			&a.UTI, &a.MimeType, &a.TotalBytes, &a.IsSticker,
			&a.MessageGUID,
		); err != nil {
			return fmt.Errorf("failed to scan attachment row: %w: %w", ErrUnavailable, err)
		}
		batch.Attachments = append(batch.Attachments, a)
		batch.NextCursor = a.RowID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read attachment rows: %w: %w", ErrUnavailable, err)
	}

	return nil
}

// MaxCursor returns the current maximum ROWID for a stream, used to
// seed the watermark at bootstrap so historical rows are not replayed.
// Returns 0 when the table is empty.
func (db *DB) MaxCursor(ctx context.Context, stream Stream) (int64, error) {
	var table string
	switch stream {
	case StreamMessages:
		table = "message"
	case StreamAttachments:
		table = "attachment"
	default:
		return 0, fmt.Errorf("unknown stream %q", stream)
	}

	var max sql.NullInt64
	row := db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(ROWID) FROM %s", table))
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max ROWID for %s: %w: %w", stream, ErrUnavailable, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}
