package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
)

func seededStore(t *testing.T) *eventstore.Store {
	t.Helper()
	ctx := context.Background()
	es, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.AppendSession(ctx, eventstore.Session{ID: "sess-1", Key: "token:tab", SampleRate: 16000}); err != nil {
		t.Fatal(err)
	}
	if err := es.AppendEvent(ctx, eventstore.Event{SessionID: "sess-1", Type: eventstore.TypeTranscriptFinal, Text: "good morning"}); err != nil {
		t.Fatal(err)
	}
	if err := es.EndSession(ctx, "sess-1", "reset", time.Time{}); err != nil {
		t.Fatal(err)
	}
	return es
}

func TestRunList(t *testing.T) {
	es := seededStore(t)
	var out bytes.Buffer
	if err := runList(context.Background(), es, 10, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	text := out.String()
	for _, want := range []string{"SESSION", "sess-1", "token:tab", "16000", "(reset)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestRunShow(t *testing.T) {
	es := seededStore(t)
	var out bytes.Buffer
	if err := runShow(context.Background(), es, "sess-1", 10, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "transcript.final") || !strings.Contains(out.String(), "good morning") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	err := runShow(context.Background(), es, "missing", 10, &out)
	if !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
