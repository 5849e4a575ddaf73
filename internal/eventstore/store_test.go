package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.AppendSession(ctx, Session{ID: "s"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	if _, err := es.GetSession(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendSession(ctx, Session{ID: "session-123", Key: "10.0.0.7", SampleRate: 16000}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, evt := range []Event{
		{SessionID: "session-123", Type: TypeSessionCreated},
		{SessionID: "session-123", Type: TypeTranscriptChunk, Text: "hello"},
		{SessionID: "session-123", Type: TypeTranscriptFinal, Text: "hello world", Payload: []byte(`{"confidence":0.9}`)},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Text != "hello world" || string(events[2].Payload) != `{"confidence":0.9}` {
		t.Fatalf("unexpected final event %+v", events[2])
	}

	if err := es.EndSession(ctx, "session-123", "reset", time.Time{}); err != nil {
		t.Fatalf("end session: %v", err)
	}
	sess, err := es.GetSession(ctx, "session-123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Key != "10.0.0.7" || sess.SampleRate != 16000 || sess.EndReason != "reset" || sess.EndedAt.IsZero() {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Events != 3 {
		t.Fatalf("expected event count 3, got %d", sess.Events)
	}
}

func TestEndSessionKeepsFirstReason(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	_ = es.AppendSession(ctx, Session{ID: "s", Key: "k"})

	_ = es.EndSession(ctx, "s", "expired", time.Time{})
	_ = es.EndSession(ctx, "s", "reset", time.Time{})
	sess, err := es.GetSession(ctx, "s")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EndReason != "expired" {
		t.Fatalf("expected first end reason kept, got %q", sess.EndReason)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := es.AppendSession(ctx, Session{ID: id, Key: "k", CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("append session: %v", err)
		}
	}
	sessions, err := es.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if !sessions[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("created_at not round-tripped: %s", sessions[0].CreatedAt)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{ID: "old-session", Key: "k"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: TypeTranscriptFinal}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{ID: "new-session", Key: "k"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	n, err := es.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned session, got %d", n)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("new session must survive: %v", err)
	}
}

func TestEventRequiresSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	if err := es.AppendEvent(context.Background(), Event{SessionID: "ghost", Type: TypeTranscriptFinal}); err == nil {
		t.Fatal("expected foreign key violation for unknown session")
	}
}
