// Package engine implements the test execution engine: the scheduler, the
// per-test state machine, the concurrency/grouping accountant, the
// signal/cancellation controller, the retry planner and the output capture
// pipeline described in spec.md §4. It is the one package in this module
// whose design is load-bearing; everything else (planconfig, runstore,
// reporter, cmd) is a collaborator around it.
package engine

import (
	"time"

	"github.com/jpequegn/procrun/internal/plan"
)

// AttemptOutcomeKind tags the terminal classification of one attempt (§3).
type AttemptOutcomeKind int

const (
	OutcomePassed AttemptOutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
	OutcomeLeaked
	OutcomeExecError
	OutcomeCancelled
)

func (k AttemptOutcomeKind) String() string {
	switch k {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed-out"
	case OutcomeLeaked:
		return "leaked"
	case OutcomeExecError:
		return "exec-error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// AttemptOutcome is the terminal classification of a single attempt.
type AttemptOutcome struct {
	Kind AttemptOutcomeKind

	ExitCode int
	Signal   string // non-empty if killed by signal
	Abort    bool   // Windows access-violation/abort-style exit

	SlowTicks int // set when Kind == OutcomeTimedOut

	// Inner wraps the exit-based outcome for OutcomeLeaked (§3: Leaked(inner-outcome)).
	Inner *AttemptOutcome

	ExecErrorKind string // set when Kind == OutcomeExecError

	CancelReason string // set when Kind == OutcomeCancelled

	Stdout []byte
	Stderr []byte
}

// Success reports whether this outcome counts toward a passing verdict.
func (o AttemptOutcome) Success() bool {
	switch o.Kind {
	case OutcomePassed:
		return true
	case OutcomeLeaked:
		return o.Inner != nil && o.Inner.Success()
	default:
		return false
	}
}

// TestVerdict is the final classification of a test across all its attempts (§3).
type TestVerdict int

const (
	VerdictNotRun TestVerdict = iota
	VerdictPass
	VerdictFlaky
	VerdictFail
	VerdictTimedOut
	VerdictPassOnTimeout
	VerdictSkipped
	VerdictCancelled
)

func (v TestVerdict) String() string {
	switch v {
	case VerdictNotRun:
		return "not-run"
	case VerdictPass:
		return "pass"
	case VerdictFlaky:
		return "flaky"
	case VerdictFail:
		return "fail"
	case VerdictTimedOut:
		return "timed-out"
	case VerdictPassOnTimeout:
		return "pass-on-timeout"
	case VerdictSkipped:
		return "skipped"
	case VerdictCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Attempt is the runtime record of one subprocess execution of a test (§3).
type Attempt struct {
	TestID      plan.TestID
	AttemptNum  int // 1-based
	StartedAt   time.Time
	Elapsed     time.Duration
	GlobalSlot  int
	GroupSlot   int
	GroupName   string
	SlowTicks   int
	Leaked      bool
	Terminated  bool
	AbortedBySignal bool
}

// scheduleStateKind is the tag for ScheduleState (§3).
type scheduleStateKind int

const (
	statePending scheduleStateKind = iota
	stateEligible
	stateScheduled
	stateRunning
	stateAwaitingRetry
	stateTerminal
)

// scheduleState is the per-test lifecycle record the Scheduler owns.
type scheduleState struct {
	kind       scheduleStateKind
	instance   *plan.TestInstance
	attempt    *Attempt
	attemptNum int
	verdict    TestVerdict
	retryAt    time.Time
	history    []AttemptOutcome
}

// RunStateKind is the tag for RunState (§3).
type RunStateKind int

const (
	RunNormal RunStateKind = iota
	RunCancelPending
	RunPaused
)

// CancelReason explains why RunState entered CancelPending.
type CancelReason int

const (
	CancelNone CancelReason = iota
	CancelUser
	CancelMaxFailReached
	CancelGlobalTimeout
	CancelSetupScriptFailure
)

func (r CancelReason) String() string {
	switch r {
	case CancelUser:
		return "user"
	case CancelMaxFailReached:
		return "max-fail-reached"
	case CancelGlobalTimeout:
		return "global-timeout"
	case CancelSetupScriptFailure:
		return "setup-script-failure"
	default:
		return "none"
	}
}

// RunCounters tallies final verdicts as the run progresses.
type RunCounters struct {
	Passed   int
	Failed   int
	Flaky    int
	Skipped  int
	NotRun   int
	Cancelled int
}

// RunState is the global run-level state (§3).
type RunState struct {
	Kind          RunStateKind
	CancelReason  CancelReason
	TerminateMode plan.TerminateMode
	Counters      RunCounters
	StartedAt     time.Time
}
