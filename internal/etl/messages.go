// Package etl transforms raw chat.db rows into the destination
// analytics schema.
//
// The two transformers here are the downstream side of the sync
// orchestrator's Transformer contract. Both are idempotent under
// at-least-once redelivery: every load is keyed by the source GUID
// and conflict-ignoring, so a batch whose watermark commit failed can
// be safely re-applied in full on the next cycle.
package etl

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/source"
)

// Reaction tapback type ranges in chat.db. 2000-2005 place a reaction,
// 3000-3005 remove one.
const (
	reactionAddMin    = 2000
	reactionAddMax    = 2005
	reactionRemoveMin = 3000
	reactionRemoveMax = 3005
)

// MessageTransformer loads message batches into the destination
// database, splitting reactions out of the message stream.
type MessageTransformer struct {
	db     *dest.DB
	logger *log.Logger
}

// NewMessageTransformer creates a message transformer writing to db.
// If logger is nil, a default stderr logger is used.
func NewMessageTransformer(db *dest.DB, logger *log.Logger) *MessageTransformer {
	if logger == nil {
		logger = log.New(os.Stderr, "[etl] ", log.LstdFlags)
	}
	return &MessageTransformer{db: db, logger: logger}
}

// Apply transforms and loads one extracted message batch.
//
// The batch is all-or-nothing from the orchestrator's perspective: any
// database error fails the whole call and the watermark stays put.
// Rows already present (a redelivery) are counted as skipped, not
// errors.
func (t *MessageTransformer) Apply(ctx context.Context, batch *source.Batch) error {
	if batch.Stream != source.StreamMessages {
		return fmt.Errorf("message transformer received %q batch", batch.Stream)
	}

	var imported, reactions, skipped int

	for i := range batch.Messages {
		row := &batch.Messages[i]

		if isReaction(row.AssociatedType) {
			ok, err := t.applyReaction(ctx, row)
			if err != nil {
				return err
			}
			if ok {
				reactions++
			} else {
				skipped++
			}
			continue
		}
		if isReactionRemoval(row.AssociatedType) {
			// Removal events carry no content; the analytics side keeps
			// the original reaction row.
			skipped++
			continue
		}

		ok, err := t.applyMessage(ctx, row)
		if err != nil {
			return err
		}
		if ok {
			imported++
		} else {
			skipped++
		}
	}

	t.logger.Printf("Messages batch: imported=%d reactions=%d skipped=%d (through ROWID %d)",
		imported, reactions, skipped, batch.NextCursor)
	return nil
}

func (t *MessageTransformer) applyMessage(ctx context.Context, row *source.MessageRow) (bool, error) {
	chatID, err := t.db.EnsureChat(ctx,
		row.ChatIdentifier, row.ChatName, row.Service, isGroupChat(row.ChatIdentifier))
	if err != nil {
		return false, fmt.Errorf("failed to ensure chat for message %s: %w", row.GUID, err)
	}

	rec := &dest.MessageRecord{
		GUID:        row.GUID,
		ChatID:      chatID,
		Sender:      senderOf(row),
		Content:     contentOf(row),
		Timestamp:   appleTime(row.Date),
		IsFromMe:    row.IsFromMe,
		ServiceName: row.Service,
		ReplyToGUID: row.ReplyToGUID,
	}

	inserted, err := t.db.InsertMessage(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("failed to load message %s: %w", row.GUID, err)
	}
	return inserted, nil
}

func (t *MessageTransformer) applyReaction(ctx context.Context, row *source.MessageRow) (bool, error) {
	rec := &dest.ReactionRecord{
		GUID:        row.GUID,
		MessageGUID: cleanAssociatedGUID(row.AssociatedGUID),
		Type:        row.AssociatedType,
		Sender:      senderOf(row),
		Timestamp:   appleTime(row.Date),
	}

	inserted, err := t.db.InsertReaction(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("failed to load reaction %s: %w", row.GUID, err)
	}
	return inserted, nil
}

// senderOf returns the normalized sender identifier. Messages sent by
// the local user have no handle row; they are identified by IsFromMe.
func senderOf(row *source.MessageRow) string {
	if row.IsFromMe {
		return "me"
	}
	return normalizeIdentifier(row.Sender)
}

// contentOf returns the message body, falling back to the archived
// attributed body when the plain text column is empty.
func contentOf(row *source.MessageRow) string {
	text := row.Text
	if text == "" && len(row.AttributedBody) > 0 {
		text = decodeAttributedBody(row.AttributedBody)
	}
	// Strip the object-replacement placeholders Messages leaves where
	// attachments sit inline.
	text = strings.ReplaceAll(text, "￼", "")
	return strings.TrimSpace(text)
}

func isReaction(associatedType int64) bool {
	return associatedType >= reactionAddMin && associatedType <= reactionAddMax
}

func isReactionRemoval(associatedType int64) bool {
	return associatedType >= reactionRemoveMin && associatedType <= reactionRemoveMax
}
