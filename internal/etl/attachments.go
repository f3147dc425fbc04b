package etl

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/source"
)

// AttachmentTransformer loads attachment batches into the destination
// database. It runs after the message transformer in every cycle, so
// an attachment's owning message is normally already loaded; one that
// isn't (its message was a reaction, or arrived chat-less in the
// source) is skipped with a warning rather than failing the batch.
type AttachmentTransformer struct {
	db     *dest.DB
	logger *log.Logger
}

// NewAttachmentTransformer creates an attachment transformer writing
// to db. If logger is nil, a default stderr logger is used.
func NewAttachmentTransformer(db *dest.DB, logger *log.Logger) *AttachmentTransformer {
	if logger == nil {
		logger = log.New(os.Stderr, "[etl] ", log.LstdFlags)
	}
	return &AttachmentTransformer{db: db, logger: logger}
}

// Apply transforms and loads one extracted attachment batch.
// Idempotent: redelivered rows are skipped by GUID.
func (t *AttachmentTransformer) Apply(ctx context.Context, batch *source.Batch) error {
	if batch.Stream != source.StreamAttachments {
		return fmt.Errorf("attachment transformer received %q batch", batch.Stream)
	}

	var imported, skipped int

	for i := range batch.Attachments {
		row := &batch.Attachments[i]

		exists, err := t.db.MessageExists(ctx, row.MessageGUID)
		if err != nil {
			return fmt.Errorf("failed to look up message for attachment %s: %w", row.GUID, err)
		}
		if !exists {
			t.logger.Printf("Warning: message %s not found for attachment %s, skipping", row.MessageGUID, row.GUID)
			skipped++
			continue
		}

		rec := &dest.AttachmentRecord{
			GUID:        row.GUID,
			MessageGUID: row.MessageGUID,
			CreatedDate: appleTime(row.CreatedDate),
			FileName:    row.Filename,
			UTI:         row.UTI,
			MimeType:    row.MimeType,
			Size:        row.TotalBytes,
			IsSticker:   row.IsSticker,
		}

		inserted, err := t.db.InsertAttachment(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to load attachment %s: %w", row.GUID, err)
		}
		if inserted {
			imported++
		} else {
			skipped++
		}
	}

	t.logger.Printf("Attachments batch: imported=%d skipped=%d (through ROWID %d)",
		imported, skipped, batch.NextCursor)
	return nil
}
