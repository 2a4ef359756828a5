package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jpequegn/procrun/internal/engine"
	"github.com/jpequegn/procrun/internal/plan"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndQueryVerdictHistory(t *testing.T) {
	s := openTestStore(t)
	id := plan.TestID{BinaryID: "mytests", TestName: "it_works", StressIndex: -1}

	if err := s.RecordVerdict("run-1", id, engine.VerdictFlaky, 2); err != nil {
		t.Fatalf("RecordVerdict: %v", err)
	}
	if err := s.RecordVerdict("run-2", id, engine.VerdictPass, 1); err != nil {
		t.Fatalf("RecordVerdict: %v", err)
	}

	records, err := s.History(id, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].RunID != "run-2" {
		t.Fatalf("expected most recent run first, got %q", records[0].RunID)
	}
}

func TestHistoryRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	id := plan.TestID{BinaryID: "mytests", TestName: "it_works", StressIndex: -1}

	for i := 0; i < 5; i++ {
		if err := s.RecordVerdict("run", id, engine.VerdictPass, 1); err != nil {
			t.Fatalf("RecordVerdict: %v", err)
		}
	}

	records, err := s.History(id, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records with limit, got %d", len(records))
	}
}

func TestRecordRunSummary(t *testing.T) {
	s := openTestStore(t)
	counters := engine.RunCounters{Passed: 5, Failed: 1}
	if err := s.RecordRun("run-1", time.Now(), time.Second, engine.ExitTestFailure, counters); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
}

func TestHistoryEmptyForUnknownTest(t *testing.T) {
	s := openTestStore(t)
	id := plan.TestID{BinaryID: "nope", TestName: "nope", StressIndex: -1}
	records, err := s.History(id, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}
