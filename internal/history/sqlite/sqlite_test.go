package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/epithetd/internal/history"
)

func sampleEvents(name string) []history.Event {
	now := time.Now().UTC()
	return []history.Event{
		{Type: history.EventStart, OccurredAt: now, Record: history.Record{Name: name, State: "starting", StartedAt: now}},
		{Type: history.EventRunning, OccurredAt: now, Record: history.Record{Name: name, PID: 4242, State: "running", RuntimeDir: "/tmp/run/a", StartedAt: now}},
		{Type: history.EventError, OccurredAt: now, Record: history.Record{Name: name, PID: 4242, State: "error", Message: "Exited with code 1", StartedAt: now}},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	for _, e := range sampleEvents("corp") {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}
	n, err := sink.Count(ctx, "corp")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 rows, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, sampleEvents("mem")[0]); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	if n, _ := sink.Count(ctx, "mem"); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, sampleEvents("cancelled")[0]); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
