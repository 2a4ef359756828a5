package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jpequegn/procrun/internal/plan"
)

func baseDeps() AttemptDeps {
	return AttemptDeps{RunID: "run-1", AttemptNum: 1, TotalAttempts: 1, Clock: NewPauseClock()}
}

func TestExecutorStartReportsPassOnSuccess(t *testing.T) {
	exec := NewExecutor()
	inst := &plan.TestInstance{
		ID:          plan.TestID{BinaryID: "sh", TestName: "ok", StressIndex: -1},
		BinaryPath:  "/bin/true",
		GracePeriod: time.Second,
	}

	// buildArgv always appends "--exact"/"--nocapture" and the test name,
	// which /bin/true ignores; it exits 0 regardless of argv.
	h := exec.Start(context.Background(), inst, baseDeps())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not finish in time")
	}

	outcome := h.Outcome()
	if outcome.Kind != OutcomePassed {
		t.Fatalf("expected OutcomePassed, got %v", outcome.Kind)
	}
}

func TestExecutorStartReportsFailedOnNonZeroExit(t *testing.T) {
	exec := NewExecutor()
	inst := &plan.TestInstance{
		ID:          plan.TestID{BinaryID: "sh", TestName: "fail", StressIndex: -1},
		BinaryPath:  "/bin/false",
		GracePeriod: time.Second,
	}

	h := exec.Start(context.Background(), inst, baseDeps())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not finish in time")
	}

	outcome := h.Outcome()
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", outcome.Kind)
	}
}

func TestExecutorCancelTerminatesLongRunningAttempt(t *testing.T) {
	exec := NewExecutor()
	inst := &plan.TestInstance{
		ID:          plan.TestID{BinaryID: "sh", TestName: "sleep", StressIndex: -1},
		BinaryPath:  "/bin/sh",
		ExtraArgs:   []string{"-c", "sleep 30"},
		GracePeriod: 50 * time.Millisecond,
	}

	h := exec.Start(context.Background(), inst, baseDeps())
	time.Sleep(50 * time.Millisecond)
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled attempt did not finish in time")
	}

	outcome := h.Outcome()
	if outcome.Kind != OutcomeCancelled {
		t.Fatalf("expected OutcomeCancelled, got %v", outcome.Kind)
	}
}

func TestExecutorOutputLensReflectBufferGrowth(t *testing.T) {
	exec := NewExecutor()
	inst := &plan.TestInstance{
		ID:         plan.TestID{BinaryID: "sh", TestName: "echo", StressIndex: -1},
		BinaryPath: "/bin/sh",
		ExtraArgs:  []string{"-c", "echo hello"},
	}

	h := exec.Start(context.Background(), inst, baseDeps())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not finish in time")
	}

	stdout, _ := h.OutputLens()
	if stdout == 0 {
		t.Fatal("expected some stdout bytes captured")
	}
}
