package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "runs.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvents(ctx, []Event{{RunID: "r", Stage: "STARTED"}}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
	if _, err := es.GetRun(ctx, "r"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendEventsBuildsRunSummary(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first := []Event{
		{RunID: "run-1", Stage: "STARTED", Input: "hello there", CreatedAt: base},
		{RunID: "run-1", Stage: "RETRIEVING_TOKENS", Elapsed: 5 * time.Millisecond, CreatedAt: base.Add(5 * time.Millisecond)},
	}
	second := []Event{
		{RunID: "run-1", Stage: "SYNTHESIZING", Tokens: 4, Sentences: 1, Elapsed: 40 * time.Millisecond, CreatedAt: base.Add(40 * time.Millisecond)},
		{
			RunID: "run-1", Stage: "COMPLETED", Terminal: true,
			Tokens: 6, Sentences: 2, Chunks: 9,
			Elapsed: 120 * time.Millisecond, FirstChunk: 60 * time.Millisecond,
			Response: "Hello world. Second sentence.", CreatedAt: base.Add(120 * time.Millisecond),
		},
	}
	if err := es.AppendEvents(ctx, first); err != nil {
		t.Fatalf("append events: %v", err)
	}
	if err := es.AppendEvents(ctx, second); err != nil {
		t.Fatalf("append events: %v", err)
	}

	run, err := es.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Input != "hello there" || run.Response != "Hello world. Second sentence." || run.Outcome != "COMPLETED" {
		t.Fatalf("unexpected run summary %+v", run)
	}
	if run.Tokens != 6 || run.Sentences != 2 || run.Chunks != 9 || run.FirstChunk != 60*time.Millisecond {
		t.Fatalf("unexpected counters %+v", run)
	}
	if !run.StartedAt.Equal(base) || !run.FinishedAt.Equal(base.Add(120*time.Millisecond)) {
		t.Fatalf("unexpected times %v %v", run.StartedAt, run.FinishedAt)
	}

	events, err := es.ListRunEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{"STARTED", "RETRIEVING_TOKENS", "SYNTHESIZING", "COMPLETED"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Stage != want[i] {
			t.Fatalf("event %d stage %s, want %s", i, e.Stage, want[i])
		}
	}
}

func TestAppendEventsWithoutStartedEvent(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := es.AppendEvents(ctx, []Event{{
		RunID: "run-2", Stage: "FAILED", Terminal: true, Error: "upstream timeout",
		Elapsed: time.Second, CreatedAt: now,
	}})
	if err != nil {
		t.Fatalf("append events: %v", err)
	}
	run, err := es.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Outcome != "FAILED" || run.Error != "upstream timeout" || !run.StartedAt.Equal(now.Add(-time.Second)) {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRuns: 1})
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := es.AppendEvents(ctx, []Event{{RunID: "old-run", Stage: "STARTED", CreatedAt: old}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	newer := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"mid-run", "new-run"} {
		newer = newer.Add(time.Minute)
		if err := es.AppendEvents(ctx, []Event{{RunID: id, Stage: "STARTED", CreatedAt: newer}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC) }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for _, id := range []string{"old-run", "mid-run"} {
		if _, err := es.GetRun(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected %s pruned, got %v", id, err)
		}
		events, err := es.ListRunEvents(ctx, id, 10)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("expected events of %s removed with the run", id)
		}
	}
	if _, err := es.GetRun(ctx, "new-run"); err != nil {
		t.Fatalf("expected newest run kept: %v", err)
	}
}
