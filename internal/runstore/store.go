// Package runstore persists each run's per-test verdict history to a
// local SQLite database, grounded on the schema/transaction style of the
// teacher's internal/storage package. It is a pure Event Bus consumer
// (SPEC_FULL.md §5): it only ever reads TestFinished/RunFinished events,
// never calls back into the engine.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jpequegn/procrun/internal/engine"
	"github.com/jpequegn/procrun/internal/plan"
)

// Store is a SQLite-backed run history store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ns INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		flaky INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		not_run INTEGER NOT NULL,
		cancelled INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);

	CREATE TABLE IF NOT EXISTS test_verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		binary_id TEXT NOT NULL,
		test_name TEXT NOT NULL,
		stress_index INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_test ON test_verdicts(binary_id, test_name);
	CREATE INDEX IF NOT EXISTS idx_verdicts_run ON test_verdicts(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create run store schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordVerdict persists one test's final verdict for runID.
func (s *Store) RecordVerdict(runID string, id plan.TestID, verdict engine.TestVerdict, attempts int) error {
	_, err := s.db.Exec(`
		INSERT INTO test_verdicts (run_id, binary_id, test_name, stress_index, verdict, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, id.BinaryID, id.TestName, id.StressIndex, verdict.String(), attempts)
	if err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	return nil
}

// RecordRun persists the run-level summary once RunFinished is observed.
func (s *Store) RecordRun(runID string, startedAt time.Time, duration time.Duration, exitCode int, c engine.RunCounters) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, started_at, duration_ns, exit_code, passed, failed, flaky, skipped, not_run, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, startedAt, duration.Nanoseconds(), exitCode, c.Passed, c.Failed, c.Flaky, c.Skipped, c.NotRun, c.Cancelled)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// VerdictRecord is one row of a test's recorded history.
type VerdictRecord struct {
	RunID    string
	Verdict  string
	Attempts int
}

// History returns the recorded verdicts for one test, most recent first:
// at most limit rows, or all of them when limit <= 0.
// This is the read path a future "retry known-flaky tests only" feature
// would build on (SPEC_FULL.md §5); no such feature is implemented here.
func (s *Store) History(id plan.TestID, limit int) ([]VerdictRecord, error) {
	query := `
		SELECT run_id, verdict, attempts
		FROM test_verdicts
		WHERE binary_id = ? AND test_name = ? AND stress_index = ?
		ORDER BY id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, id.BinaryID, id.TestName, id.StressIndex)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []VerdictRecord
	for rows.Next() {
		var r VerdictRecord
		if err := rows.Scan(&r.RunID, &r.Verdict, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Consume reads bus until it closes, recording every TestFinished verdict
// and the final RunFinished summary. Intended to run on its own goroutine
// alongside the reporter's bus consumer.
func (s *Store) Consume(runID string, startedAt time.Time, bus *engine.Bus) {
	for ev := range bus.Events() {
		switch ev.Kind {
		case engine.EventTestFinished:
			if err := s.RecordVerdict(runID, ev.TestID, ev.Verdict, ev.Attempts); err != nil {
				continue
			}
		case engine.EventRunFinished:
			_ = s.RecordRun(runID, startedAt, ev.Summary.Duration, ev.Summary.ExitCode, ev.Summary.Counters)
		}
	}
}
