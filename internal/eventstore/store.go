// Package eventstore keeps a SQLite history of pipeline runs and their stage
// events.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one recorded stage transition of a run.
type Event struct {
	ID         int64
	RunID      string
	Stage      string
	Terminal   bool
	Input      string
	Tokens     int64
	Sentences  int64
	Chunks     int64
	Elapsed    time.Duration
	FirstChunk time.Duration
	Response   string
	Error      string
	CreatedAt  time.Time
}

// Run is the summary row of a run. Outcome and the counters are filled in
// once a terminal event has been recorded.
type Run struct {
	ID         string
	Input      string
	Response   string
	Outcome    string
	Tokens     int64
	Sentences  int64
	Chunks     int64
	FirstChunk time.Duration
	Elapsed    time.Duration
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Store wraps a SQLite-backed run history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    input TEXT,
    response TEXT,
    outcome TEXT,
    tokens INTEGER NOT NULL DEFAULT 0,
    sentences INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    first_chunk_ms INTEGER NOT NULL DEFAULT 0,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    tokens INTEGER NOT NULL,
    sentences INTEGER NOT NULL,
    chunks INTEGER NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendEvents writes a batch of events in one transaction. A run row is
// created for any run seen for the first time, and terminal events complete
// the run summary.
func (s *Store) AppendEvents(ctx context.Context, events []Event) (err error) {
	if s.disabled() || len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, evt := range events {
		if evt.CreatedAt.IsZero() {
			evt.CreatedAt = s.clock()
		}
		started := evt.CreatedAt.Add(-evt.Elapsed)
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO runs(run_id, input, started_at) VALUES(?, ?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET input = COALESCE(NULLIF(excluded.input, ''), runs.input)`,
			evt.RunID, evt.Input, started.UnixMilli()); err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO run_events(run_id, stage, tokens, sentences, chunks, elapsed_ms, error, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.RunID, evt.Stage, evt.Tokens, evt.Sentences, evt.Chunks, evt.Elapsed.Milliseconds(), evt.Error, evt.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert run event: %w", err)
		}
		if !evt.Terminal {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE runs SET response = ?, outcome = ?, tokens = ?, sentences = ?, chunks = ?,
			 first_chunk_ms = ?, elapsed_ms = ?, error = ?, finished_at = ? WHERE run_id = ?`,
			evt.Response, evt.Stage, evt.Tokens, evt.Sentences, evt.Chunks,
			evt.FirstChunk.Milliseconds(), evt.Elapsed.Milliseconds(), evt.Error, evt.CreatedAt.UnixMilli(), evt.RunID); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	err = tx.Commit()
	return err
}

// GetRun returns the summary of a run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if s.disabled() {
		return Run{}, ErrNotFound
	}
	var (
		r                        Run
		input, response, outcome sql.NullString
		errMsg                   sql.NullString
		firstChunkMS, elapsedMS  int64
		startedMS                int64
		finishedMS               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, input, response, outcome, tokens, sentences, chunks, first_chunk_ms, elapsed_ms, error, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &input, &response, &outcome, &r.Tokens, &r.Sentences, &r.Chunks, &firstChunkMS, &elapsedMS, &errMsg, &startedMS, &finishedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Input = input.String
	r.Response = response.String
	r.Outcome = outcome.String
	r.Error = errMsg.String
	r.FirstChunk = time.Duration(firstChunkMS) * time.Millisecond
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	r.StartedAt = time.UnixMilli(startedMS).UTC()
	if finishedMS.Valid {
		r.FinishedAt = time.UnixMilli(finishedMS.Int64).UTC()
	}
	return r, nil
}

// ListRunEvents retrieves up to limit events for a run in recording order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, tokens, sentences, chunks, elapsed_ms, error, created_at
		 FROM run_events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			errMsg    sql.NullString
			elapsedMS int64
			createdMS int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Tokens, &e.Sentences, &e.Chunks, &elapsedMS, &errMsg, &createdMS); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdMS).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
