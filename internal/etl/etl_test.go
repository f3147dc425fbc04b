package etl

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/tylerb/livesync/internal/dest"
	"github.com/tylerb/livesync/internal/source"
	"github.com/tylerb/livesync/internal/source/sourcetest"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func openDest(t *testing.T) *dest.DB {
	t.Helper()

	db, err := dest.Open(filepath.Join(t.TempDir(), "analytics.db"))
	if err != nil {
		t.Fatalf("dest.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func extract(t *testing.T, fixture *sourcetest.DB, stream source.Stream) *source.Batch {
	t.Helper()

	src, err := source.Open(fixture.Path)
	if err != nil {
		t.Fatalf("source.Open() failed: %v", err)
	}
	defer src.Close()

	batch, err := src.Extract(context.Background(), stream, 0, 100)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	return batch
}

func TestMessageTransformer_Apply(t *testing.T) {
	fixture := sourcetest.New(t)
	fixture.AddMessage(sourcetest.Message{
		GUID:   "m-1",
		Text:   "hey, lunch?",
		Sender: "+1 (555) 999-0000",
		Date:   700000000, // seconds since Apple epoch
	})

	db := openDest(t)
	tr := NewMessageTransformer(db, discard())

	batch := extract(t, fixture, source.StreamMessages)
	if err := tr.Apply(context.Background(), batch); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	ctx := context.Background()
	count, err := db.MessageCount(ctx)
	if err != nil {
		t.Fatalf("MessageCount() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("MessageCount() = %d, want 1", count)
	}

	var sender, content, ts string
	err = db.RawDB().QueryRow(
		`SELECT sender_identifier, content, timestamp FROM messages WHERE guid = 'm-1'`).
		Scan(&sender, &content, &ts)
	if err != nil {
		t.Fatalf("failed to read loaded message: %v", err)
	}
	if sender != "+15559990000" {
		t.Errorf("sender = %q, want normalized %q", sender, "+15559990000")
	}
	if content != "hey, lunch?" {
		t.Errorf("content = %q, want %q", content, "hey, lunch?")
	}

	want := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).Add(700000000 * time.Second)
	got, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t.Fatalf("failed to parse timestamp %q: %v", ts, err)
	}
	if !got.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
}

func TestMessageTransformer_CreatesChat(t *testing.T) {
	fixture := sourcetest.New(t)
	chatID := fixture.AddChat("chat90210", "Ski Trip")
	fixture.AddMessage(sourcetest.Message{GUID: "m-1", Text: "who's in?", ChatID: chatID})

	db := openDest(t)
	tr := NewMessageTransformer(db, discard())
	if err := tr.Apply(context.Background(), extract(t, fixture, source.StreamMessages)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	var name string
	var isGroup bool
	var total int
	err := db.RawDB().QueryRow(
		`SELECT COALESCE(chat_name, ''), is_group, total_messages FROM chats WHERE chat_identifier = 'chat90210'`).
		Scan(&name, &isGroup, &total)
	if err != nil {
		t.Fatalf("chat row not created: %v", err)
	}
	if name != "Ski Trip" {
		t.Errorf("chat_name = %q, want %q", name, "Ski Trip")
	}
	if !isGroup {
		t.Error("chat90210 should be detected as a group chat")
	}
	if total != 1 {
		t.Errorf("total_messages = %d, want 1", total)
	}
}

func TestMessageTransformer_SplitsReactions(t *testing.T) {
	fixture := sourcetest.New(t)
	fixture.AddMessage(sourcetest.Message{GUID: "m-1", Text: "big news!"})
	fixture.AddMessage(sourcetest.Message{
		GUID:           "r-1",
		Sender:         "+15550002222",
		AssociatedGUID: "p:0/m-1",
		AssociatedType: 2000, // loved
	})
	fixture.AddMessage(sourcetest.Message{
		GUID:           "r-2",
		AssociatedGUID: "p:0/m-1",
		AssociatedType: 3000, // removal, dropped
	})

	db := openDest(t)
	tr := NewMessageTransformer(db, discard())
	if err := tr.Apply(context.Background(), extract(t, fixture, source.StreamMessages)); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	ctx := context.Background()
	msgs, err := db.MessageCount(ctx)
	if err != nil {
		t.Fatalf("MessageCount() failed: %v", err)
	}
	if msgs != 1 {
		t.Errorf("MessageCount() = %d, want 1 (reactions excluded)", msgs)
	}

	var reactionTarget string
	var reactionType int64
	err = db.RawDB().QueryRow(
		`SELECT message_guid, reaction_type FROM reactions WHERE guid = 'r-1'`).
		Scan(&reactionTarget, &reactionType)
	if err != nil {
		t.Fatalf("reaction row not created: %v", err)
	}
	if reactionTarget != "m-1" {
		t.Errorf("reaction message_guid = %q, want %q (prefix stripped)", reactionTarget, "m-1")
	}
	if reactionType != 2000 {
		t.Errorf("reaction_type = %d, want 2000", reactionType)
	}

	var removals int
	if err := db.RawDB().QueryRow(`SELECT COUNT(*) FROM reactions WHERE guid = 'r-2'`).Scan(&removals); err != nil {
		t.Fatalf("failed to count removals: %v", err)
	}
	if removals != 0 {
		t.Error("reaction removal should not be loaded")
	}
}

func TestMessageTransformer_IdempotentRedelivery(t *testing.T) {
	fixture := sourcetest.New(t)
	fixture.AddMessages(5)

	db := openDest(t)
	tr := NewMessageTransformer(db, discard())
	batch := extract(t, fixture, source.StreamMessages)

	ctx := context.Background()
	if err := tr.Apply(ctx, batch); err != nil {
		t.Fatalf("first Apply() failed: %v", err)
	}
	// Same batch boundaries delivered again, as after a failed
	// watermark commit.
	if err := tr.Apply(ctx, batch); err != nil {
		t.Fatalf("second Apply() failed: %v", err)
	}

	count, err := db.MessageCount(ctx)
	if err != nil {
		t.Fatalf("MessageCount() failed: %v", err)
	}
	if count != 5 {
		t.Errorf("MessageCount() after redelivery = %d, want 5", count)
	}

	var total int
	if err := db.RawDB().QueryRow(`SELECT total_messages FROM chats`).Scan(&total); err != nil {
		t.Fatalf("failed to read chat stats: %v", err)
	}
	if total != 5 {
		t.Errorf("total_messages after redelivery = %d, want 5 (no double counting)", total)
	}
}

func TestAttachmentTransformer_Apply(t *testing.T) {
	fixture := sourcetest.New(t)
	msgRow := fixture.AddMessage(sourcetest.Message{GUID: "m-1", Text: "photo"})
	fixture.AddAttachment(sourcetest.Attachment{
		GUID:         "a-1",
		Filename:     "IMG_0001.jpeg",
		MimeType:     "image/jpeg",
		TotalBytes:   2048,
		MessageRowID: msgRow,
	})

	db := openDest(t)
	ctx := context.Background()

	if err := NewMessageTransformer(db, discard()).Apply(ctx, extract(t, fixture, source.StreamMessages)); err != nil {
		t.Fatalf("message Apply() failed: %v", err)
	}
	if err := NewAttachmentTransformer(db, discard()).Apply(ctx, extract(t, fixture, source.StreamAttachments)); err != nil {
		t.Fatalf("attachment Apply() failed: %v", err)
	}

	count, err := db.AttachmentCount(ctx)
	if err != nil {
		t.Fatalf("AttachmentCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("AttachmentCount() = %d, want 1", count)
	}
}

func TestAttachmentTransformer_SkipsOrphans(t *testing.T) {
	fixture := sourcetest.New(t)
	msgRow := fixture.AddMessage(sourcetest.Message{GUID: "m-unloaded", Text: "x"})
	fixture.AddAttachment(sourcetest.Attachment{GUID: "a-orphan", MessageRowID: msgRow})

	db := openDest(t)
	ctx := context.Background()

	// Message stream never applied; the attachment has no owner yet.
	err := NewAttachmentTransformer(db, discard()).Apply(ctx, extract(t, fixture, source.StreamAttachments))
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	count, err := db.AttachmentCount(ctx)
	if err != nil {
		t.Fatalf("AttachmentCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("AttachmentCount() = %d, want 0 (orphan skipped, not failed)", count)
	}
}

func TestToNanos(t *testing.T) {
	tests := []struct {
		name string
		raw  int64
		want int64
	}{
		{"seconds", 700000000, 700000000 * 1_000_000_000},
		{"milliseconds", 700000000000, 700000000000 * 1_000_000},
		{"microseconds", 700000000000000, 700000000000000 * 1_000},
		{"nanoseconds", 700000000000000000, 700000000000000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toNanos(tt.raw); got != tt.want {
				t.Errorf("toNanos(%d) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 999-0000", "+15559990000"},
		{"555.999.0000", "5559990000"},
		{"Alice@Example.COM", "alice@example.com"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := normalizeIdentifier(tt.in); got != tt.want {
			t.Errorf("normalizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeAttributedBody(t *testing.T) {
	// Short string: single length byte after the class marker preamble.
	body := append([]byte("junk-prefix NSString"), 0x01, 0x94, 0x84, 0x01, 0x2b)
	body = append(body, byte(len("hello")))
	body = append(body, []byte("hello")...)

	if got := decodeAttributedBody(body); got != "hello" {
		t.Errorf("decodeAttributedBody() = %q, want %q", got, "hello")
	}

	if got := decodeAttributedBody([]byte("no marker here")); got != "" {
		t.Errorf("decodeAttributedBody() without marker = %q, want empty", got)
	}
}
