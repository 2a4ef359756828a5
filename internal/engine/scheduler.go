package engine

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/jpequegn/procrun/internal/plan"
)

// runningAttempt is the Scheduler's bookkeeping record for one in-flight
// attempt, enough to release its slots and route intents to it.
type runningAttempt struct {
	handle     *AttemptHandle
	inst       *plan.TestInstance
	admission  Admission
	startedAt  time.Time
	attemptNum int
}

// completionMsg is what an attempt's forwarder goroutine posts to the main
// loop once AttemptHandle.Done() fires.
type completionMsg struct {
	inst      *plan.TestInstance
	admission Admission
	attempt   *Attempt
	outcome   AttemptOutcome
}

// retryFire is posted to the main loop by a retry's delay timer.
type retryFire struct {
	inst *plan.TestInstance
}

// Scheduler is the Scheduler (C7): it orders tests, dispatches them
// through the Accountant and Attempt Executor, drives the Retry Planner
// and Signal Controller, and emits the run's event stream. It is the one
// component that owns the test queue, the ScheduleState map and the
// RunState, per §3's ownership rules.
type Scheduler struct {
	plan   *plan.Plan
	bus    *Bus
	logger *slog.Logger

	executor   *Executor
	accountant *Accountant
	retry      *RetryPlanner
	clock      *PauseClock
	signals    *Controller

	envFile    string
	envOverlay map[string]string

	binExePaths map[string]string

	maxFail plan.MaxFailPolicy

	running map[plan.TestID]runningAttempt
	states  map[plan.TestID]*scheduleState

	globalFailed int
	ranAny       bool
}

// NewScheduler builds a Scheduler for p, publishing every event on bus.
func NewScheduler(p *plan.Plan, bus *Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	envFile := ""
	if f, err := os.CreateTemp("", "procrun-env-*"); err == nil {
		envFile = f.Name()
		_ = f.Close()
	} else {
		logger.Warn("could not create setup-script env file", "error", err)
	}

	maxFail := p.Settings.MaxFail
	if p.Settings.FailFast && maxFail.Max == 0 {
		maxFail.Max = 1
	}

	return &Scheduler{
		plan:        p,
		bus:         bus,
		logger:      logger,
		executor:    NewExecutor(),
		accountant:  NewAccountant(p),
		retry:       NewRetryPlanner(),
		clock:       NewPauseClock(),
		signals:     NewController(p.Settings.SighupLikeSigint),
		envFile:     envFile,
		envOverlay:  make(map[string]string),
		binExePaths: buildBinExePaths(p),
		maxFail:     maxFail,
		running:     make(map[plan.TestID]runningAttempt),
		states:      make(map[plan.TestID]*scheduleState),
	}
}

func buildBinExePaths(p *plan.Plan) map[string]string {
	m := make(map[string]string)
	for _, t := range p.Tests {
		if _, ok := m[t.ID.BinaryID]; !ok {
			m[t.ID.BinaryID] = t.BinaryPath
		}
	}
	return m
}

// Run executes the whole plan to completion and returns the process exit
// code (§6.5). It blocks until every test has a terminal verdict, the run
// was cancelled, or ctx is done.
func (s *Scheduler) Run(ctx context.Context) int {
	if s.envFile != "" {
		defer func() { _ = os.Remove(s.envFile) }()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.signals.Run(runCtx)

	startedAt := time.Now()
	s.bus.Publish(Event{Kind: EventRunStarted, RunID: s.plan.Settings.RunID})

	st := &iterState{run: RunState{Kind: RunNormal, StartedAt: startedAt}}

	for _, t := range s.plan.Tests {
		if !t.Ignored {
			continue
		}
		sstate := s.testState(t.ID)
		sstate.kind = stateTerminal
		sstate.verdict = VerdictSkipped
		s.tally(st, VerdictSkipped)
		s.bus.Publish(Event{Kind: EventTestFinished, TestID: t.ID, Verdict: VerdictSkipped})
	}

	if reason := s.runSetupScripts(runCtx); reason != CancelNone {
		st.run.Kind = RunCancelPending
		st.run.CancelReason = reason
	}

	var globalTimeoutCh <-chan struct{}
	if st.run.Kind == RunNormal {
		globalTimeoutCh = GlobalDeadline(runCtx, startedAt, s.plan.Settings.GlobalTimeout)
	}

	queueTemplates := s.buildQueue()

	iters := s.plan.Settings.StressIters
	if iters < 1 {
		iters = 1
	}

	for iteration := 0; iteration < iters; iteration++ {
		if st.run.Kind == RunCancelPending {
			s.skipIteration(queueTemplates, st, iteration, iters)
			continue
		}
		s.runIteration(runCtx, queueTemplates, st, globalTimeoutCh, iteration, iters)
	}

	duration := time.Since(startedAt)
	exitCode := ExitCode(st.run.Counters, st.run.CancelReason, s.ranAny)
	s.bus.Publish(Event{Kind: EventRunFinished, Summary: RunSummary{
		Counters: st.run.Counters,
		Duration: duration,
		ExitCode: exitCode,
	}})
	s.bus.Close()
	return exitCode
}

// iterState carries the RunState across setup, all stress iterations and
// the final exit-code computation.
type iterState struct {
	run RunState
}

func (s *Scheduler) testState(id plan.TestID) *scheduleState {
	st, ok := s.states[id]
	if !ok {
		st = &scheduleState{kind: statePending}
		s.states[id] = st
	}
	return st
}

// buildQueue orders the plan's non-ignored tests by priority desc, then
// binary id asc, then test name asc (§4.7).
func (s *Scheduler) buildQueue() []*plan.TestInstance {
	tests := make([]*plan.TestInstance, 0, len(s.plan.Tests))
	for _, t := range s.plan.Tests {
		if !t.Ignored {
			tests = append(tests, t)
		}
	}
	sort.SliceStable(tests, func(i, j int) bool {
		a, b := tests[i], tests[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.ID.BinaryID != b.ID.BinaryID {
			return a.ID.BinaryID < b.ID.BinaryID
		}
		return a.ID.TestName < b.ID.TestName
	})
	return tests
}

// cloneForIteration stamps a stress-mode iteration index onto a copy of
// the template instance; outside stress mode the template is reused as-is.
func cloneForIteration(inst *plan.TestInstance, iteration, iters int) *plan.TestInstance {
	if iters <= 1 {
		return inst
	}
	clone := *inst
	clone.ID.StressIndex = iteration
	return &clone
}

// skipIteration handles a stress iteration that starts after the run has
// already entered CancelPending: every test in it goes straight to NotRun
// without ever being dispatched.
func (s *Scheduler) skipIteration(templates []*plan.TestInstance, st *iterState, iteration, iters int) {
	for _, tmpl := range templates {
		inst := cloneForIteration(tmpl, iteration, iters)
		sstate := s.testState(inst.ID)
		if sstate.kind == stateTerminal {
			continue
		}
		sstate.kind = stateTerminal
		sstate.verdict = VerdictNotRun
		s.tally(st, VerdictNotRun)
		s.bus.Publish(Event{Kind: EventTestFinished, TestID: inst.ID, Verdict: VerdictNotRun})
	}
}

// runIteration drives one pass over the queue: admission, dispatch,
// completion handling, retries and signal/timeout-driven cancellation.
// Grounded on the jobs/results fan-out idiom in the pack's parallel test
// runners (a bounded worker set draining a shared results channel), here
// driven by the Accountant's admission decision instead of a fixed worker
// count.
func (s *Scheduler) runIteration(ctx context.Context, templates []*plan.TestInstance, st *iterState, globalTimeoutCh <-chan struct{}, iteration, iters int) {
	stressIndex, stressTotal := 0, 0
	if iters > 1 {
		stressIndex, stressTotal = iteration, iters
	}

	queue := make([]*plan.TestInstance, len(templates))
	for i, tmpl := range templates {
		queue[i] = cloneForIteration(tmpl, iteration, iters)
	}

	completions := make(chan completionMsg, 16)
	retryTimers := make(chan retryFire, 16)

	idx := 0
	outstanding := 0
	awaiting := 0
	iterFailed := 0

	for idx < len(queue) || outstanding > 0 || awaiting > 0 {
		if st.run.Kind == RunCancelPending {
			s.cancelRemaining(queue, &idx, st)
		}

		for idx < len(queue) && st.run.Kind == RunNormal {
			inst := queue[idx]
			adm, ok := s.accountant.TryAdmit(inst)
			if !ok {
				break
			}
			idx++
			outstanding++
			sstate := s.testState(inst.ID)
			if sstate.attemptNum == 0 {
				sstate.attemptNum = 1
			}
			sstate.kind = stateRunning
			s.dispatch(ctx, inst, sstate.attemptNum, adm, stressIndex, stressTotal, completions)
		}

		if idx >= len(queue) && outstanding == 0 && awaiting == 0 {
			break
		}

		select {
		case <-ctx.Done():
			s.beginCancel(st, CancelUser, plan.TerminateImmediate)
			s.cancelRemaining(queue, &idx, st)

		case <-globalTimeoutCh:
			if st.run.Kind == RunNormal {
				s.beginCancel(st, CancelGlobalTimeout, s.maxFail.Terminate)
				s.bus.Publish(Event{Kind: EventCancelStarted, CancelReason: CancelGlobalTimeout})
			}

		case intent := <-s.signals.Intents():
			s.applyIntent(intent, st)

		case msg := <-completions:
			outstanding--
			s.onCompletion(msg, st, retryTimers, &awaiting, &iterFailed)

		case fire := <-retryTimers:
			awaiting--
			queue = append(queue, fire.inst)
		}
	}
}

// dispatch launches one attempt through the Attempt Executor and wires its
// eventual outcome back to the main loop via completions.
func (s *Scheduler) dispatch(ctx context.Context, inst *plan.TestInstance, attemptNum int, adm Admission, stressIndex, stressTotal int, completions chan<- completionMsg) {
	s.ranAny = true

	deps := AttemptDeps{
		RunID:         s.plan.Settings.RunID,
		Profile:       s.plan.Settings.Profile,
		AttemptNum:    attemptNum,
		TotalAttempts: inst.Retry.TotalAttempts,
		Admission:     adm,
		StressIndex:   stressIndex,
		StressTotal:   stressTotal,
		BinExePaths:   s.binExePaths,
		EnvFile:       s.envFile,
		SetupEnv:      s.envOverlay,
		Clock:         s.clock,
		OnTick: func(tick int, willTerminate bool) {
			s.bus.Publish(Event{Kind: EventTestSlow, TestID: inst.ID, AttemptNum: attemptNum, SlowTick: tick, WillTerminate: willTerminate})
		},
		OnChunk: func(stream OutputStream, chunk []byte) {
			s.bus.Publish(Event{Kind: EventTestOutputChunk, TestID: inst.ID, AttemptNum: attemptNum, Stream: stream, Chunk: chunk})
		},
	}

	handle := s.executor.Start(ctx, inst, deps)
	s.running[inst.ID] = runningAttempt{handle: handle, inst: inst, admission: adm, startedAt: time.Now(), attemptNum: attemptNum}

	s.bus.Publish(Event{Kind: EventTestStarted, TestID: inst.ID, AttemptNum: attemptNum})

	go func() {
		<-handle.Done()
		completions <- completionMsg{inst: inst, admission: adm, attempt: handle.attempt, outcome: *handle.Outcome()}
	}()
}

// onCompletion processes one finished attempt: releases its slots,
// consults the Retry Planner, and either schedules a retry or finalizes
// the test's verdict.
func (s *Scheduler) onCompletion(msg completionMsg, st *iterState, retryTimers chan retryFire, awaiting, iterFailed *int) {
	delete(s.running, msg.inst.ID)
	s.accountant.Release(msg.inst, msg.admission)

	sstate := s.testState(msg.inst.ID)
	sstate.history = append(sstate.history, msg.outcome)

	s.bus.Publish(Event{
		Kind:       EventTestAttemptFinished,
		TestID:     msg.inst.ID,
		AttemptNum: msg.attempt.AttemptNum,
		Attempt:    msg.attempt,
		Outcome:    &msg.outcome,
		Stdout:     msg.outcome.Stdout,
		Stderr:     msg.outcome.Stderr,
	})

	cancelling := st.run.Kind != RunNormal
	decision := s.retry.Decide(msg.inst.Retry, sstate.attemptNum, msg.outcome, msg.inst.OnTimeout, cancelling)

	if decision.Retry {
		sstate.kind = stateAwaitingRetry
		sstate.attemptNum++
		*awaiting++
		inst := msg.inst
		time.AfterFunc(decision.Delay, func() { retryTimers <- retryFire{inst: inst} })
		return
	}

	finalCancelled := cancelling && msg.outcome.Kind == OutcomeCancelled
	verdict := Verdict(sstate.history, msg.inst.OnTimeout, finalCancelled)
	sstate.kind = stateTerminal
	sstate.verdict = verdict
	s.tally(st, verdict)
	if verdict == VerdictFail || verdict == VerdictTimedOut {
		*iterFailed++
		s.globalFailed++
	}

	s.bus.Publish(Event{Kind: EventTestFinished, TestID: msg.inst.ID, Verdict: verdict, Attempts: sstate.attemptNum})

	failCount := *iterFailed
	if s.plan.Settings.StressAggregateFailures {
		failCount = s.globalFailed
	}
	s.checkMaxFail(st, failCount)
}

func (s *Scheduler) tally(st *iterState, v TestVerdict) {
	switch v {
	case VerdictPass:
		st.run.Counters.Passed++
	case VerdictFlaky:
		st.run.Counters.Passed++
		st.run.Counters.Flaky++
	case VerdictPassOnTimeout:
		st.run.Counters.Passed++
	case VerdictFail, VerdictTimedOut:
		st.run.Counters.Failed++
	case VerdictSkipped:
		st.run.Counters.Skipped++
	case VerdictNotRun:
		st.run.Counters.NotRun++
	case VerdictCancelled:
		st.run.Counters.Cancelled++
	}
}

func (s *Scheduler) checkMaxFail(st *iterState, failCount int) {
	mf := s.maxFail
	if mf.Max <= 0 || failCount < mf.Max {
		return
	}
	s.beginCancel(st, CancelMaxFailReached, mf.Terminate)
	s.bus.Publish(Event{Kind: EventCancelStarted, CancelReason: CancelMaxFailReached})
}

// beginCancel transitions RunState into CancelPending (idempotently) and
// applies mode to every currently running attempt: TerminateWait sends a
// graceful Cancel, TerminateImmediate sends Kill outright. A later call
// with TerminateImmediate (e.g. a second Ctrl-C arriving after max-fail
// already started a graceful cancel) still escalates every running
// attempt to Kill.
func (s *Scheduler) beginCancel(st *iterState, reason CancelReason, mode plan.TerminateMode) {
	alreadyPending := st.run.Kind == RunCancelPending
	if !alreadyPending {
		st.run.Kind = RunCancelPending
		st.run.CancelReason = reason
		st.run.TerminateMode = mode
	}
	for _, r := range s.running {
		if mode == plan.TerminateImmediate {
			r.handle.Kill()
		} else if !alreadyPending {
			r.handle.Cancel()
		}
	}
}

// cancelRemaining marks every not-yet-dispatched test in queue[*idx:] as
// NotRun (§5: "Cancellation of a test that has not yet started
// transitions it directly to NotRun").
func (s *Scheduler) cancelRemaining(queue []*plan.TestInstance, idx *int, st *iterState) {
	for ; *idx < len(queue); *idx++ {
		inst := queue[*idx]
		sstate := s.testState(inst.ID)
		if sstate.kind == stateTerminal {
			continue
		}
		sstate.kind = stateTerminal
		sstate.verdict = VerdictNotRun
		s.tally(st, VerdictNotRun)
		s.bus.Publish(Event{Kind: EventTestFinished, TestID: inst.ID, Verdict: VerdictNotRun})
	}
}

// applyIntent reacts to one Signal & Input Controller intent (§4.4).
func (s *Scheduler) applyIntent(i Intent, st *iterState) {
	switch i.Kind {
	case IntentCancelGraceful:
		s.beginCancel(st, i.CancelReason, plan.TerminateWait)
		s.bus.Publish(Event{Kind: EventCancelStarted, CancelReason: i.CancelReason})

	case IntentCancelImmediate:
		s.beginCancel(st, i.CancelReason, plan.TerminateImmediate)
		s.bus.Publish(Event{Kind: EventCancelEscalated, CancelReason: i.CancelReason})

	case IntentPause:
		if st.run.Kind == RunNormal {
			st.run.Kind = RunPaused
		}
		for _, r := range s.running {
			r.handle.Pause()
		}
		s.bus.Publish(Event{Kind: EventRunPaused})

	case IntentResume:
		if st.run.Kind == RunPaused {
			st.run.Kind = RunNormal
		}
		for _, r := range s.running {
			r.handle.Resume()
		}
		s.bus.Publish(Event{Kind: EventRunResumed})

	case IntentLiveStatus:
		s.emitLiveStatus()

	case IntentMarker:
		s.bus.Publish(Event{Kind: EventMarker})
	}
}

func (s *Scheduler) emitLiveStatus() {
	now := time.Now()
	rows := make([]LiveAttemptStatus, 0, len(s.running))
	for id, r := range s.running {
		stdoutLen, stderrLen := r.handle.OutputLens()
		rows = append(rows, LiveAttemptStatus{
			TestID:      id,
			AttemptNum:  r.attemptNum,
			Elapsed:     s.clock.ElapsedSince(r.startedAt, now),
			StdoutBytes: stdoutLen,
			StderrBytes: stderrLen,
		})
	}
	s.bus.Publish(Event{Kind: EventRunLiveStatus, LiveStatus: rows})
}

// runSetupScripts runs every matching setup script serially, in
// definition order (§4.7 step 2). Returns CancelSetupScriptFailure if one
// exits non-zero, CancelNone otherwise.
func (s *Scheduler) runSetupScripts(ctx context.Context) CancelReason {
	for _, sc := range s.plan.Setup {
		if sc.Platform != nil && !sc.Platform(runtime.GOOS) {
			continue
		}
		if sc.Filter != nil && !sc.Filter("") {
			continue
		}
		if len(sc.Command) == 0 {
			continue
		}

		s.bus.Publish(Event{Kind: EventSetupScriptStarted, Message: strings.Join(sc.Command, " ")})

		if err := s.runOneSetupScript(ctx, sc); err != nil {
			s.bus.Publish(Event{Kind: EventSetupScriptFinished, Message: err.Error()})
			return CancelSetupScriptFailure
		}
		s.bus.Publish(Event{Kind: EventSetupScriptFinished})
	}
	return CancelNone
}

func (s *Scheduler) runOneSetupScript(ctx context.Context, sc plan.SetupScript) error {
	cmd := exec.CommandContext(ctx, sc.Command[0], sc.Command[1:]...)
	if sc.WorkDir != "" {
		cmd.Dir = sc.WorkDir
	}

	env := append([]string(nil), osEnviron()...)
	if s.envFile != "" {
		env = append(env, "NEXTEST_ENV="+s.envFile)
	}
	for k, v := range s.envOverlay {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	if sc.NoCapture {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := cmd.Run(); err != nil {
			return err
		}
	} else {
		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			s.bus.Publish(Event{Kind: EventSetupScriptOutput, Stdout: out})
		}
		if err != nil {
			return err
		}
	}

	return s.mergeEnvFile()
}

// mergeEnvFile reads KEY=VALUE lines written by the setup script into
// NEXTEST_ENV and folds them into the overlay applied to every subsequent
// setup script and test attempt (§6.6). Malformed lines are ignored.
func (s *Scheduler) mergeEnvFile() error {
	if s.envFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.envFile)
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		s.envOverlay[line[:i]] = line[i+1:]
	}
	return nil
}
