package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *SQL {
	t.Helper()
	j, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := j.Record(ctx, Entry{
			ChatID:      "chat1",
			SenderID:    "alice",
			Inbound:     fmt.Sprintf("hi %d", i),
			Reply:       fmt.Sprintf("hello %d", i),
			ShouldReply: i%2 == 0,
			Confidence:  0.85,
			Reasoning:   "direct message",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := j.Record(ctx, Entry{ChatID: "chat2", Inbound: "other"}); err != nil {
		t.Fatalf("record other chat: %v", err)
	}

	entries, err := j.Recent(ctx, "chat1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Inbound != "hi 2" || entries[1].Inbound != "hi 1" {
		t.Fatalf("entries must be newest first, got %q, %q", entries[0].Inbound, entries[1].Inbound)
	}
	if !entries[0].ShouldReply || entries[1].ShouldReply {
		t.Fatalf("should_reply not round-tripped: %+v", entries)
	}
	if entries[0].ID == "" {
		t.Fatalf("id must be generated")
	}
	if !entries[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected created_at %v", entries[0].CreatedAt)
	}

	empty, err := j.Recent(ctx, "missing", 0)
	if err != nil {
		t.Fatalf("recent missing: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no entries, got %d", len(empty))
	}
}

func TestRecordRequiresChatID(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Record(context.Background(), Entry{}); err == nil {
		t.Fatalf("expected error for entry without chat id")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(ctx, "sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Record(ctx, Entry{ChatID: "chat1", Reply: "kept"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = j.Close()

	j, err = Open(ctx, "sqlite3", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	entries, err := j.Recent(ctx, "chat1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Reply != "kept" {
		t.Fatalf("entry must survive reopen, got %+v", entries)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "x")
	if !errors.Is(err, ErrInvalidDriver) {
		t.Fatalf("expected ErrInvalidDriver, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQL{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := &SQL{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query must be unchanged, got %q", got)
	}
}

func TestNop(t *testing.T) {
	var j Journal = Nop{}
	if err := j.Record(context.Background(), Entry{}); err != nil {
		t.Fatalf("nop record: %v", err)
	}
	entries, err := j.Recent(context.Background(), "x", 5)
	if err != nil || len(entries) != 0 {
		t.Fatalf("nop recent: %v %v", entries, err)
	}
}
