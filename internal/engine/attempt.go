package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jpequegn/procrun/internal/plan"
	"github.com/jpequegn/procrun/internal/platform"
)

// AttemptDeps bundles the attempt-scoped context the Executor needs beyond
// the TestInstance itself: identifiers, slot assignment and the shared
// pause clock. Grouped into one struct so Start's signature stays
// reviewable as more fields get added.
type AttemptDeps struct {
	RunID         string
	Profile       string
	AttemptNum    int
	TotalAttempts int
	Admission     Admission
	StressIndex   int
	StressTotal   int
	BinExePaths   map[string]string
	EnvFile       string
	SetupEnv      map[string]string
	Clock         *PauseClock
	OnTick        TickFunc
	OnChunk       ChunkFunc
}

// AttemptHandle is returned immediately by Start; the attempt runs on its
// own goroutine and reports its outcome on Done. The Scheduler and the
// Signal Controller drive Cancel/Kill/Pause/Resume through this handle
// instead of a shared channel, since each attempt needs its own
// process-group target.
type AttemptHandle struct {
	attempt *Attempt

	cancelCh chan struct{}
	killCh   chan struct{}
	pauseCh  chan struct{}
	resumeCh chan struct{}
	done     chan struct{}

	cancelOnce sync.Once
	killOnce   sync.Once

	mu        sync.Mutex
	outcome   *AttemptOutcome
	collector *Collector
}

func newHandle(a *Attempt) *AttemptHandle {
	return &AttemptHandle{
		attempt:  a,
		cancelCh: make(chan struct{}),
		killCh:   make(chan struct{}),
		pauseCh:  make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Cancel requests graceful termination (SIGTERM + grace-period). Idempotent.
func (h *AttemptHandle) Cancel() { h.cancelOnce.Do(func() { close(h.cancelCh) }) }

// Kill requests immediate termination (SIGKILL). Idempotent. Escalation
// from Cancel to Kill is monotonic (§5): once Kill fires the attempt never
// goes back to a softer state.
func (h *AttemptHandle) Kill() { h.killOnce.Do(func() { close(h.killCh) }) }

// Pause freezes the attempt's process group and timers.
func (h *AttemptHandle) Pause() {
	select {
	case h.pauseCh <- struct{}{}:
	default:
	}
}

// Resume reverses Pause.
func (h *AttemptHandle) Resume() {
	select {
	case h.resumeCh <- struct{}{}:
	default:
	}
}

// Done reports when the attempt has a final outcome.
func (h *AttemptHandle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal outcome; only valid after Done is closed.
func (h *AttemptHandle) Outcome() *AttemptOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// OutputLens reports the current byte length of the attempt's stdout and
// stderr buffers, for RunLiveStatus snapshots (§4.2: "buffers must be
// readable by the Signal Controller for live-status queries").
func (h *AttemptHandle) OutputLens() (stdout, stderr int) {
	h.mu.Lock()
	c := h.collector
	h.mu.Unlock()
	if c == nil {
		return 0, 0
	}
	return c.Stdout.Len(), c.Stderr.Len()
}

func (h *AttemptHandle) setCollector(c *Collector) {
	h.mu.Lock()
	h.collector = c
	h.mu.Unlock()
}

func (h *AttemptHandle) finish(o *AttemptOutcome) {
	h.mu.Lock()
	h.outcome = o
	h.mu.Unlock()
	close(h.done)
}

// Executor is the Attempt Executor (C1): launches one test-attempt
// subprocess with the correct environment, capture wiring and process-
// group attachment, and produces its terminal outcome.
type Executor struct {
	ops Ops
}

// Ops is an alias for the full platform.Ops interface, so tests can supply
// a fake through NewExecutorWithOps without touching real processes.
type Ops = platform.Ops

// NewExecutor builds an Executor against the real platform.Default ops.
func NewExecutor() *Executor {
	return &Executor{ops: platform.Default}
}

// NewExecutorWithOps builds an Executor against an injected Ops, for tests.
func NewExecutorWithOps(ops Ops) *Executor {
	return &Executor{ops: ops}
}

// Start launches one attempt and returns immediately with a handle; the
// terminal AttemptOutcome arrives asynchronously on handle.Done().
func (e *Executor) Start(ctx context.Context, inst *plan.TestInstance, deps AttemptDeps) *AttemptHandle {
	a := &Attempt{
		TestID:     inst.ID,
		AttemptNum: deps.AttemptNum,
		StartedAt:  time.Now(),
		GlobalSlot: deps.Admission.GlobalSlot,
		GroupSlot:  deps.Admission.GroupSlot,
		GroupName:  inst.GroupName,
	}
	h := newHandle(a)

	go e.run(ctx, inst, deps, h)

	return h
}

func (e *Executor) run(ctx context.Context, inst *plan.TestInstance, deps AttemptDeps, h *AttemptHandle) {
	argv := buildArgv(inst)
	env := buildEnv(osEnviron(), inst, deps.RunID, deps.Profile, deps.AttemptNum, deps.TotalAttempts,
		deps.Admission.GlobalSlot, deps.Admission.GroupSlot, deps.StressIndex, deps.StressTotal,
		deps.BinExePaths, deps.EnvFile, deps.SetupEnv)

	cmd := exec.Command(argv[0], argv[1:]...)
	if inst.WorkDir != "" {
		cmd.Dir = inst.WorkDir
	}
	cmd.Env = env

	collector := NewCollector()
	h.setCollector(collector)
	noCapture := inst.NoCapture

	if noCapture {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			h.finish(&AttemptOutcome{Kind: OutcomeExecError, ExecErrorKind: fmt.Sprintf("open devnull: %v", err)})
			return
		}
		defer func() { _ = devnull.Close() }()
		cmd.Stdin = devnull

		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			h.finish(&AttemptOutcome{Kind: OutcomeExecError, ExecErrorKind: fmt.Sprintf("stdout pipe: %v", err)})
			return
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			h.finish(&AttemptOutcome{Kind: OutcomeExecError, ExecErrorKind: fmt.Sprintf("stderr pipe: %v", err)})
			return
		}
		e.prepare(cmd)

		if err := cmd.Start(); err != nil {
			h.finish(&AttemptOutcome{Kind: OutcomeExecError, ExecErrorKind: err.Error()})
			return
		}
		collector.Start(stdoutPipe, stderrPipe, deps.OnChunk)
		e.supervise(ctx, cmd, inst, deps, h, collector)
		return
	}

	e.prepare(cmd)
	if err := cmd.Start(); err != nil {
		h.finish(&AttemptOutcome{Kind: OutcomeExecError, ExecErrorKind: err.Error()})
		return
	}
	e.supervise(ctx, cmd, inst, deps, h, collector)
}

func (e *Executor) prepare(cmd *exec.Cmd) {
	if e.ops != nil {
		e.ops.Prepare(cmd)
	}
}

// supervise owns the running child from Start() to exit: it races process
// exit against cancel/kill/pause/resume intents and the slow-timeout
// controller, then performs leak detection and outcome mapping.
func (e *Executor) supervise(ctx context.Context, cmd *exec.Cmd, inst *plan.TestInstance, deps AttemptDeps, h *AttemptHandle, collector *Collector) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timeoutCtx, stopTimeout := context.WithCancel(context.Background())
	defer stopTimeout()
	terminateCh := make(chan struct{}, 1)
	if inst.SlowPeriod > 0 {
		tc := NewTimeoutController(deps.Clock)
		go func() {
			willTerminate := tc.Watch(timeoutCtx, h.attempt.StartedAt, inst.SlowPeriod, inst.TerminateAfter, func(tick int, willTerminate bool) {
				h.attempt.SlowTicks = tick
				if deps.OnTick != nil {
					deps.OnTick(tick, willTerminate)
				}
			})
			if willTerminate {
				select {
				case terminateCh <- struct{}{}:
				default:
				}
			}
		}()
	}

	var exitErr error
	terminating := false        // a graceful terminate was sent (either reason)
	timeoutTerminating := false // specifically: the slow-timeout controller asked for it
	var graceTimer <-chan time.Time

	beginTerminate := func(timeoutDriven bool) {
		if terminating {
			return
		}
		terminating = true
		timeoutTerminating = timeoutDriven
		h.attempt.Terminated = true
		_ = e.ops.TerminateGroup(cmd)
		graceTimer = e.graceChan(inst.GracePeriod)
	}

	for {
		select {
		case exitErr = <-waitCh:
			stopTimeout()
			collector.Wait()
			h.finish(e.finalize(inst, deps, h.attempt, exitErr, timeoutTerminating, collector))
			return

		case <-ctx.Done():
			beginTerminate(false)

		case <-h.cancelCh:
			beginTerminate(false)

		case <-terminateCh:
			beginTerminate(true)

		case <-h.killCh:
			h.attempt.Terminated = true
			_ = e.ops.KillGroup(cmd)

		case <-graceTimer:
			_ = e.ops.KillGroup(cmd)
			graceTimer = nil

		case <-h.pauseCh:
			_ = e.ops.SuspendGroup(cmd)
			deps.Clock.Pause(time.Now())

		case <-h.resumeCh:
			_ = e.ops.ResumeGroup(cmd)
			deps.Clock.Resume(time.Now())
		}
	}
}

// graceChan returns a channel that fires after d, or an immediately-firing
// channel for d <= 0 (§8 boundary: grace-period of 0 kills immediately).
func (e *Executor) graceChan(d time.Duration) <-chan time.Time {
	if d <= 0 {
		d = 0
	}
	return time.After(d)
}

// finalize maps the process exit state to an AttemptOutcome (§4.1) and
// performs leak detection (§4.1, §4.2): if the collector hasn't drained to
// EOF within leak-timeout of process exit, the outcome is wrapped as
// Leaked.
func (e *Executor) finalize(inst *plan.TestInstance, deps AttemptDeps, a *Attempt, exitErr error, timeoutTerminating bool, collector *Collector) *AttemptOutcome {
	a.Elapsed = deps.Clock.ElapsedSince(a.StartedAt, time.Now())

	base := mapExit(exitErr, a.Terminated, timeoutTerminating, a.SlowTicks)

	leaked := waitWithTimeout(collector, inst.LeakTimeout)
	if leaked {
		a.Leaked = true
		base.Stdout = collector.Stdout.Snapshot()
		base.Stderr = collector.Stderr.Snapshot()
		return &AttemptOutcome{Kind: OutcomeLeaked, Inner: base, Stdout: base.Stdout, Stderr: base.Stderr}
	}

	base.Stdout = collector.Stdout.Snapshot()
	base.Stderr = collector.Stderr.Snapshot()
	return base
}

// waitWithTimeout blocks until both output readers reach EOF or timeout
// elapses, returning true (leaked) if the timeout won the race.
func waitWithTimeout(collector *Collector, timeout time.Duration) bool {
	if timeout <= 0 {
		collector.Wait()
		return false
	}
	doneCh := make(chan struct{})
	go func() {
		collector.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return false
	case <-time.After(timeout):
		return !allEOF(collector)
	}
}

func allEOF(c *Collector) bool {
	return c.Stdout.atEOF() && c.Stderr.atEOF()
}

// mapExit implements the exit-code-to-outcome mapping in §4.1. terminated
// reports whether this attempt was asked to stop (graceful or immediate,
// for any reason); timeoutTerminating narrows that to "specifically by the
// slow-timeout controller", which alone produces TimedOut rather than
// Cancelled. A termination request racing a natural exit-0 still reports
// Passed.
func mapExit(exitErr error, terminated, timeoutTerminating bool, slowTicks int) *AttemptOutcome {
	if exitErr != nil && timeoutTerminating {
		return &AttemptOutcome{Kind: OutcomeTimedOut, SlowTicks: slowTicks}
	}
	if exitErr != nil && terminated {
		return &AttemptOutcome{Kind: OutcomeCancelled, CancelReason: "terminated"}
	}

	if exitErr == nil {
		return &AttemptOutcome{Kind: OutcomePassed}
	}

	if _, ok := exitErr.(*exec.ExitError); ok {
		info := platform.DecodeExit(exitErr)
		if info.Abort {
			return &AttemptOutcome{Kind: OutcomeFailed, ExitCode: info.ExitCode, Abort: true}
		}
		if info.Signal != "" {
			return &AttemptOutcome{Kind: OutcomeFailed, Signal: info.Signal}
		}
		return &AttemptOutcome{Kind: OutcomeFailed, ExitCode: info.ExitCode}
	}

	return &AttemptOutcome{Kind: OutcomeExecError, ExecErrorKind: exitErr.Error()}
}
