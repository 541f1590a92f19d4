// Package store persists run history to SQLite: one row per run, one
// row per confirmed reservation. The engine writes through it
// best-effort; the server reads it for the history endpoint.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at  TEXT NOT NULL,
    stopped_at  TEXT,
    test_mode   INTEGER NOT NULL DEFAULT 0,
    dry_run     INTEGER NOT NULL DEFAULT 0,
    stop_reason TEXT NOT NULL DEFAULT '',
    rounds      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reservations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     INTEGER NOT NULL REFERENCES runs(id),
    made_at    TEXT NOT NULL,
    category   TEXT NOT NULL,
    filter_key TEXT NOT NULL,
    row_id     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_run ON reservations(run_id);
`

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path with WAL and a
// busy timeout applied, creating parent directories as needed.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns is
// pinned to 1 so every query hits the same in-memory database, and the
// store is closed via t.Cleanup.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func (s *Store) Close() error { return s.db.Close() }

// RunStarted inserts a new run record and returns its id.
func (s *Store) RunStarted(ctx context.Context, startedAt time.Time, testMode, dryRun bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (started_at, test_mode, dry_run) VALUES (?, ?, ?)`,
		startedAt.UTC().Format(time.RFC3339), boolInt(testMode), boolInt(dryRun))
	if err != nil {
		return 0, fmt.Errorf("store: insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: run id: %w", err)
	}
	return id, nil
}

// RunStopped finalises a run record.
func (s *Store) RunStopped(ctx context.Context, runID int64, stoppedAt time.Time, reason string, rounds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stopped_at = ?, stop_reason = ?, rounds = ? WHERE id = ?`,
		stoppedAt.UTC().Format(time.RFC3339), reason, rounds, runID)
	if err != nil {
		return fmt.Errorf("store: finalise run %d: %w", runID, err)
	}
	return nil
}

// ReservationMade records one confirmed reservation under a run.
func (s *Store) ReservationMade(ctx context.Context, runID int64, category, key, rowID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations (run_id, made_at, category, filter_key, row_id)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), category, key, rowID)
	if err != nil {
		return fmt.Errorf("store: insert reservation: %w", err)
	}
	return nil
}

// Run is one row of run history.
type Run struct {
	ID           int64     `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at,omitzero"`
	TestMode     bool      `json:"test_mode"`
	DryRun       bool      `json:"dry_run"`
	StopReason   string    `json:"stop_reason,omitempty"`
	Rounds       int       `json:"rounds"`
	Reservations int       `json:"reservations"`
}

// RecentRuns returns up to limit runs, newest first, each with its
// reservation count.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_at, COALESCE(r.stopped_at, ''), r.test_mode,
		       r.dry_run, r.stop_reason, r.rounds, COUNT(v.id)
		FROM runs r
		LEFT JOIN reservations v ON v.run_id = r.id
		GROUP BY r.id
		ORDER BY r.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                Run
			started, stopped string
			testMode, dryRun int
		)
		err := rows.Scan(&r.ID, &started, &stopped, &testMode, &dryRun,
			&r.StopReason, &r.Rounds, &r.Reservations)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("store: run %d started_at: %w", r.ID, err)
		}
		if stopped != "" {
			if r.StoppedAt, err = time.Parse(time.RFC3339, stopped); err != nil {
				return nil, fmt.Errorf("store: run %d stopped_at: %w", r.ID, err)
			}
		}
		r.TestMode = testMode != 0
		r.DryRun = dryRun != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reservation is one recorded reservation.
type Reservation struct {
	ID       int64     `json:"id"`
	RunID    int64     `json:"run_id"`
	MadeAt   time.Time `json:"made_at"`
	Category string    `json:"category"`
	Key      string    `json:"key"`
	RowID    string    `json:"row_id"`
}

// RunReservations returns the reservations of one run, oldest first.
func (s *Store) RunReservations(ctx context.Context, runID int64) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, made_at, category, filter_key, row_id
		FROM reservations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var (
			v    Reservation
			made string
		)
		if err := rows.Scan(&v.ID, &v.RunID, &made, &v.Category, &v.Key, &v.RowID); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		if v.MadeAt, err = time.Parse(time.RFC3339, made); err != nil {
			return nil, fmt.Errorf("store: reservation %d made_at: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
