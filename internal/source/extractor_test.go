package source_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/source/sourcetest"
)

func openSource(t *testing.T, path string) *source.DB {
	t.Helper()

	db, err := source.Open(path)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := source.Open(filepath.Join(t.TempDir(), "missing", "chat.db"))
	if !errors.Is(err, source.ErrUnavailable) {
		t.Errorf("Open() on missing file = %v, want ErrUnavailable", err)
	}
}

func TestExtract_EmptySource(t *testing.T) {
	fixture := sourcetest.New(t)
	db := openSource(t, fixture.Path)

	batch, err := db.Extract(context.Background(), source.StreamMessages, 0, 50)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if !batch.Empty() {
		t.Errorf("Extract() on empty source returned %d rows, want 0", batch.Count())
	}
	if batch.NextCursor != 0 {
		t.Errorf("NextCursor = %d, want input cursor 0 for empty batch", batch.NextCursor)
	}
}

func TestExtract_OrderedAndBounded(t *testing.T) {
	fixture := sourcetest.New(t)
	fixture.AddMessages(10)
	db := openSource(t, fixture.Path)

	batch, err := db.Extract(context.Background(), source.StreamMessages, 3, 5)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}

	if got := batch.Count(); got != 5 {
		t.Fatalf("Extract() returned %d rows, want 5 (limit)", got)
	}

	// Rows [4..8] in strictly increasing ROWID order.
	want := int64(4)
	for _, m := range batch.Messages {
		if m.RowID != want {
			t.Errorf("RowID = %d, want %d", m.RowID, want)
		}
		want++
	}
	if batch.NextCursor != 8 {
		t.Errorf("NextCursor = %d, want 8 (last row's ROWID)", batch.NextCursor)
	}
}

func TestExtract_NoBoundaryGapsAcrossBatches(t *testing.T) {
	fixture := sourcetest.New(t)
	fixture.AddMessages(23)
	db := openSource(t, fixture.Path)

	// Walk the whole table in capped batches and verify the union is
	// every row exactly once.
	seen := make(map[int64]bool)
	cursor := int64(0)
	for {
		batch, err := db.Extract(context.Background(), source.StreamMessages, cursor, 7)
		if err != nil {
			t.Fatalf("Extract() failed: %v", err)
		}
		if batch.Empty() {
			break
		}
		for _, m := range batch.Messages {
			if seen[m.RowID] {
				t.Errorf("ROWID %d delivered twice across batch boundaries", m.RowID)
			}
			seen[m.RowID] = true
		}
		cursor = batch.NextCursor
	}

	if len(seen) != 23 {
		t.Errorf("saw %d distinct rows, want 23", len(seen))
	}
	for i := int64(1); i <= 23; i++ {
		if !seen[i] {
			t.Errorf("ROWID %d was never delivered", i)
		}
	}
}

func TestExtract_MessageFields(t *testing.T) {
	fixture := sourcetest.New(t)
	chatID := fixture.AddChat("group-chat-1", "Ski Trip")
	fixture.AddMessage(sourcetest.Message{
		GUID:   "guid-hello",
		Text:   "hello there",
		Sender: "+15559990000",
		ChatID: chatID,
		Date:   635000000000000000,
	})
	db := openSource(t, fixture.Path)

	batch, err := db.Extract(context.Background(), source.StreamMessages, 0, 10)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if batch.Count() != 1 {
		t.Fatalf("Extract() returned %d rows, want 1", batch.Count())
	}

	m := batch.Messages[0]
	if m.GUID != "guid-hello" {
		t.Errorf("GUID = %q, want %q", m.GUID, "guid-hello")
	}
	if m.Text != "hello there" {
		t.Errorf("Text = %q, want %q", m.Text, "hello there")
	}
	if m.Sender != "+15559990000" {
		t.Errorf("Sender = %q, want %q", m.Sender, "+15559990000")
	}
	if m.ChatIdentifier != "group-chat-1" {
		t.Errorf("ChatIdentifier = %q, want %q", m.ChatIdentifier, "group-chat-1")
	}
	if m.ChatName != "Ski Trip" {
		t.Errorf("ChatName = %q, want %q", m.ChatName, "Ski Trip")
	}
	if m.Date != 635000000000000000 {
		t.Errorf("Date = %d, want 635000000000000000", m.Date)
	}
	if m.Service != "iMessage" {
		t.Errorf("Service = %q, want %q", m.Service, "iMessage")
	}
}

func TestExtract_Attachments(t *testing.T) {
	fixture := sourcetest.New(t)
	msgRowID := fixture.AddMessage(sourcetest.Message{GUID: "guid-with-att", Text: "photo"})
	fixture.AddAttachment(sourcetest.Attachment{
		GUID:         "att-1",
		Filename:     "~/Library/Messages/Attachments/ab/photo.jpeg",
		MimeType:     "image/jpeg",
		TotalBytes:   123456,
		CreatedDate:  635000001,
		MessageRowID: msgRowID,
	})
	db := openSource(t, fixture.Path)

	batch, err := db.Extract(context.Background(), source.StreamAttachments, 0, 10)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if batch.Count() != 1 {
		t.Fatalf("Extract() returned %d rows, want 1", batch.Count())
	}

	a := batch.Attachments[0]
	if a.GUID != "att-1" {
		t.Errorf("GUID = %q, want %q", a.GUID, "att-1")
	}
	if a.MessageGUID != "guid-with-att" {
		t.Errorf("MessageGUID = %q, want %q", a.MessageGUID, "guid-with-att")
	}
	if a.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q, want %q", a.MimeType, "image/jpeg")
	}
	if a.TotalBytes != 123456 {
		t.Errorf("TotalBytes = %d, want 123456", a.TotalBytes)
	}
}

func TestMaxCursor(t *testing.T) {
	fixture := sourcetest.New(t)
	db := openSource(t, fixture.Path)
	ctx := context.Background()

	max, err := db.MaxCursor(ctx, source.StreamMessages)
	if err != nil {
		t.Fatalf("MaxCursor() failed: %v", err)
	}
	if max != 0 {
		t.Errorf("MaxCursor() on empty table = %d, want 0", max)
	}

	fixture.AddMessages(42)

	max, err = db.MaxCursor(ctx, source.StreamMessages)
	if err != nil {
		t.Fatalf("MaxCursor() failed: %v", err)
	}
	if max != 42 {
		t.Errorf("MaxCursor() = %d, want 42", max)
	}
}

func TestExtract_ConcurrentWriterVisibleNextCycle(t *testing.T) {
	fixture := sourcetest.New(t)
	fixture.AddMessages(5)
	db := openSource(t, fixture.Path)
	ctx := context.Background()

	batch, err := db.Extract(ctx, source.StreamMessages, 0, 50)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if batch.Count() != 5 {
		t.Fatalf("first Extract() returned %d rows, want 5", batch.Count())
	}

	// The owning application writes more rows between cycles.
	fixture.AddMessages(3)

	batch, err = db.Extract(ctx, source.StreamMessages, batch.NextCursor, 50)
	if err != nil {
		t.Fatalf("second Extract() failed: %v", err)
	}
	if batch.Count() != 3 {
		t.Errorf("second Extract() returned %d rows, want exactly the 3 new rows", batch.Count())
	}
	if batch.NextCursor != 8 {
		t.Errorf("NextCursor = %d, want 8", batch.NextCursor)
	}
}
