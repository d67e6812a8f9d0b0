package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "scribe.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.PublishTranscript(context.Background(), stt.RecognizedText{Text: "x"}); err != nil {
		t.Fatalf("ephemeral publish should be a no-op: %v", err)
	}
	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil || sessions != nil {
		t.Fatalf("expected no sessions, got %v %v", sessions, err)
	}
}

func TestSessionLifecycleAndEvents(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	started := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

	rec := SessionRecord{
		SessionID: "session-123",
		BaseName:  "2025-02-03_10-00-00",
		Device:    "manual",
		Engine:    "mock",
		StartedAt: started,
	}
	if err := es.AppendSession(ctx, rec); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i, text := range []string{"hello", "world"} {
		ev := stt.RecognizedText{Text: text, SessionID: rec.SessionID, Timestamp: started.Add(time.Duration(i) * time.Second), IsFinal: i == 1}
		if err := es.PublishTranscript(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	rec.AudioPath = "/tmp/a.wav"
	rec.TranscriptPath = "/tmp/a_real-time.txt"
	rec.StoppedAt = started.Add(90 * time.Second)
	rec.Duration = 90 * time.Second
	rec.DroppedSamples = 12
	if err := es.CompleteSession(ctx, rec); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, rec.SessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Text != "hello" || !events[1].IsFinal {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[1].CreatedAt.Equal(started.Add(time.Second)) {
		t.Fatalf("unexpected timestamp %v", events[1].CreatedAt)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Duration != 90*time.Second || got.DroppedSamples != 12 || got.AudioPath != "/tmp/a.wav" {
		t.Fatalf("unexpected session record %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.StoppedAt.Equal(rec.StoppedAt) {
		t.Fatalf("unexpected times %+v", got)
	}
}

func TestEventBeforeSessionRecord(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	started := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

	early := stt.RecognizedText{Text: "early", SessionID: "s-early", Timestamp: started.Add(time.Second)}
	if err := es.PublishTranscript(ctx, early); err != nil {
		t.Fatalf("publish before append: %v", err)
	}
	if err := es.AppendSession(ctx, SessionRecord{SessionID: "s-early", BaseName: "2025-02-03_10-00-00", StartedAt: started}); err != nil {
		t.Fatalf("append session: %v", err)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].BaseName != "2025-02-03_10-00-00" || !sessions[0].StartedAt.Equal(started) {
		t.Fatalf("placeholder not replaced: %+v", sessions)
	}
	events, err := es.ListSessionEvents(ctx, "s-early", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Text != "early" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	if err := es.CompleteSession(context.Background(), SessionRecord{SessionID: "missing"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestPublishRequiresSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	if err := es.PublishTranscript(context.Background(), stt.RecognizedText{Text: "orphan"}); err == nil {
		t.Fatal("expected error for event without session id")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, SessionRecord{SessionID: "old-session", BaseName: "old"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.PublishTranscript(ctx, stt.RecognizedText{SessionID: "old-session", Text: "note"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, SessionRecord{SessionID: "new-session", BaseName: "new"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old session events pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
