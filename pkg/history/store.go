// Package history records enhancement runs in a SQLite database: one row
// per run and one row per class outcome.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Status is the outcome of one class.
type Status string

const (
	StatusEnhanced  Status = "enhanced"
	StatusUnchanged Status = "unchanged"
	StatusFailed    Status = "failed"
)

// Run is one invocation of the enhancer.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Sources    string
	Enhanced   int
	Unchanged  int
	Failed     int
	Aborted    bool
}

// ClassRecord is the outcome of one class in a run.
type ClassRecord struct {
	RunID     string
	Class     string
	Status    Status
	Flags     uint16
	Accessors int
	Error     string
	Duration  time.Duration
	At        time.Time
}

// Store is a history database. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	s := &Store{db: db, log: log, now: time.Now}
	if err := s.initializeSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	log.Debug("history database ready", zap.String("path", path))
	return s, nil
}

func (s *Store) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			sources TEXT NOT NULL DEFAULT '',
			enhanced INTEGER NOT NULL DEFAULT 0,
			unchanged INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			aborted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);

		CREATE TABLE IF NOT EXISTS classes (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			class TEXT NOT NULL,
			status TEXT NOT NULL,
			flags INTEGER NOT NULL DEFAULT 0,
			accessors INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_classes_class ON classes(class, at DESC);
		CREATE INDEX IF NOT EXISTS idx_classes_run ON classes(run_id);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
		INSERT OR REPLACE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginRun creates a run and returns its id.
func (s *Store) BeginRun(ctx context.Context, sources string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, sources) VALUES (?, ?, ?)`,
		id, formatTime(s.now()), sources)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return id, nil
}

// Record stores the outcome of one class and updates the run's counters.
func (s *Store) Record(ctx context.Context, rec ClassRecord) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	column, err := counterColumn(rec.Status)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO classes (run_id, class, status, flags, accessors, error, duration_ns, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Class, string(rec.Status), int(rec.Flags), rec.Accessors,
		nullString(rec.Error), rec.Duration.Nanoseconds(), formatTime(rec.At))
	if err != nil {
		return fmt.Errorf("failed to record class %s: %w", rec.Class, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET `+column+` = `+column+` + 1 WHERE id = ?`, rec.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", rec.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", rec.RunID, ErrUnknownRun)
	}
	return tx.Commit()
}

// ErrUnknownRun is returned for a run id that was never begun.
var ErrUnknownRun = errors.New("unknown run")

func counterColumn(st Status) (string, error) {
	switch st {
	case StatusEnhanced:
		return "enhanced", nil
	case StatusUnchanged:
		return "unchanged", nil
	case StatusFailed:
		return "failed", nil
	}
	return "", fmt.Errorf("unknown status %q", st)
}

// FinishRun stamps the end of a run.
func (s *Store) FinishRun(ctx context.Context, id string, aborted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, aborted = ? WHERE id = ?`,
		formatTime(s.now()), aborted, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrUnknownRun)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, sources, enhanced, unchanged, failed, aborted
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrUnknownRun)
	}
	return r, err
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, sources, enhanced, unchanged, failed, aborted
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClassHistory returns the recorded outcomes of a class, newest first.
func (s *Store) ClassHistory(ctx context.Context, class string, limit int) ([]*ClassRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, class, status, flags, accessors, error, duration_ns, at
		FROM classes WHERE class = ? ORDER BY at DESC, rowid DESC LIMIT ?`, class, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query class history: %w", err)
	}
	defer rows.Close()
	var out []*ClassRecord
	for rows.Next() {
		var (
			rec      ClassRecord
			status   string
			flags    int
			errText  sql.NullString
			duration int64
			at       string
		)
		if err := rows.Scan(&rec.RunID, &rec.Class, &status, &flags, &rec.Accessors, &errText, &duration, &at); err != nil {
			return nil, fmt.Errorf("failed to scan class record: %w", err)
		}
		rec.Status = Status(status)
		rec.Flags = uint16(flags)
		rec.Error = errText.String
		rec.Duration = time.Duration(duration)
		if rec.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&r.ID, &started, &finished, &r.Sources, &r.Enhanced, &r.Unchanged, &r.Failed, &r.Aborted); err != nil {
		return nil, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid {
		if r.FinishedAt, err = parseTime(finished.String); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// timeLayout has a fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
