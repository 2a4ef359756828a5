package engine

import (
	"time"

	"github.com/jpequegn/procrun/internal/plan"
)

// EventKind tags the variant carried by Event (§4.8).
type EventKind int

const (
	EventRunStarted EventKind = iota
	EventSetupScriptStarted
	EventSetupScriptSlow
	EventSetupScriptOutput
	EventSetupScriptFinished
	EventTestStarted
	EventTestOutputChunk
	EventTestSlow
	EventTestAttemptFinished
	EventTestFinished
	EventRunPaused
	EventRunResumed
	EventRunLiveStatus
	EventCancelStarted
	EventCancelEscalated
	EventMarker
	EventRunFinished
)

func (k EventKind) String() string {
	switch k {
	case EventRunStarted:
		return "RunStarted"
	case EventSetupScriptStarted:
		return "SetupScriptStarted"
	case EventSetupScriptSlow:
		return "SetupScriptSlow"
	case EventSetupScriptOutput:
		return "SetupScriptOutput"
	case EventSetupScriptFinished:
		return "SetupScriptFinished"
	case EventTestStarted:
		return "TestStarted"
	case EventTestOutputChunk:
		return "TestOutputChunk"
	case EventTestSlow:
		return "TestSlow"
	case EventTestAttemptFinished:
		return "TestAttemptFinished"
	case EventTestFinished:
		return "TestFinished"
	case EventRunPaused:
		return "RunPaused"
	case EventRunResumed:
		return "RunResumed"
	case EventRunLiveStatus:
		return "RunLiveStatus"
	case EventCancelStarted:
		return "CancelStarted"
	case EventCancelEscalated:
		return "CancelEscalated"
	case EventMarker:
		return "Marker"
	case EventRunFinished:
		return "RunFinished"
	default:
		return "Unknown"
	}
}

// OutputStream distinguishes stdout from stderr in TestOutputChunk events.
type OutputStream int

const (
	StreamStdout OutputStream = iota
	StreamStderr
)

// LiveAttemptStatus is one row of a RunLiveStatus snapshot.
type LiveAttemptStatus struct {
	TestID      plan.TestID
	AttemptNum  int
	Elapsed     time.Duration
	StdoutBytes int
	StderrBytes int
}

// RunSummary is carried by RunFinished.
type RunSummary struct {
	Counters RunCounters
	Duration time.Duration
	ExitCode int
}

// Event is the single variant emitted on the Event Bus (§4.8). Only the
// fields relevant to Kind are populated; the rest are zero values.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	RunID string

	TestID     plan.TestID
	AttemptNum int
	Attempt    *Attempt

	Stream OutputStream
	Chunk  []byte

	SlowTick      int
	WillTerminate bool

	Outcome *AttemptOutcome
	Stdout  []byte
	Stderr  []byte

	Verdict  TestVerdict
	Attempts int

	CancelReason CancelReason

	LiveStatus []LiveAttemptStatus

	Summary RunSummary

	Message string
}

// Bus is the single ordered channel described in §4.8: one producer (the
// Scheduler and its collaborators) and one reader. Each event is delivered
// to exactly one receiver of Events(), so every consumer (reporter, JUnit
// emitter, run store) needs its own Bus fed by a fan-out. Consumers never
// write back to the engine.
//
// Backpressure: the internal queue is bounded; once full, Publish blocks
// the caller briefly rather than ever dropping an event, matching the
// "never drops events" requirement in §4.8.
type Bus struct {
	ch chan Event
}

// NewBus creates an Event Bus with the given bounded queue depth.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = 256
	}
	return &Bus{ch: make(chan Event, depth)}
}

// Publish enqueues an event, blocking if the queue is currently full.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.ch <- e
}

// Events returns the consumer-side channel. Closed once the Scheduler has
// emitted RunFinished and has no more producers live.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close closes the bus. Only the Scheduler (the sole producer owner) may
// call this, after emitting RunFinished.
func (b *Bus) Close() {
	close(b.ch)
}
