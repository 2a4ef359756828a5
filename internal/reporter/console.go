// Package reporter renders the Event Bus stream for a human (Console) or
// for CI tooling (JUnit XML), in the writer-based style of the teacher's
// Reporter interface (internal/reporter/types.go): every renderer takes
// an io.Writer rather than owning output itself, so both can run side by
// side against the same bus.
package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/jpequegn/procrun/internal/engine"
)

// ConsoleOptions configures the live console renderer.
type ConsoleOptions struct {
	Verbose bool // echo stdout/stderr chunks as they arrive
}

// Console renders Bus events as human-readable lines, in the vein of the
// teacher's progressHandler callback in internal/cmd/run.go, adapted from
// a single callback into a full Bus consumer loop.
type Console struct {
	w    io.Writer
	opts ConsoleOptions
}

// NewConsole builds a Console renderer writing to w.
func NewConsole(w io.Writer, opts ConsoleOptions) *Console {
	return &Console{w: w, opts: opts}
}

// Run consumes bus until it closes.
func (c *Console) Run(bus *engine.Bus) {
	for ev := range bus.Events() {
		c.render(ev)
	}
}

func (c *Console) render(ev engine.Event) {
	switch ev.Kind {
	case engine.EventRunStarted:
		fmt.Fprintf(c.w, "starting run %s\n", ev.RunID)

	case engine.EventSetupScriptStarted:
		fmt.Fprintf(c.w, "    SETUP %s\n", ev.Message)

	case engine.EventSetupScriptSlow:
		fmt.Fprintf(c.w, "    SLOW  setup script still running (%v)\n", ev.SlowTick)

	case engine.EventSetupScriptFinished:
		if ev.Outcome != nil && ev.Outcome.Success() {
			fmt.Fprintf(c.w, "    OK    %s\n", ev.Message)
		} else {
			fmt.Fprintf(c.w, "    FAIL  %s\n", ev.Message)
		}

	case engine.EventTestStarted:
		if c.opts.Verbose {
			fmt.Fprintf(c.w, "    START %s (attempt %d)\n", ev.TestID, ev.AttemptNum)
		}

	case engine.EventTestOutputChunk:
		if c.opts.Verbose {
			_, _ = c.w.Write(ev.Chunk)
		}

	case engine.EventTestSlow:
		suffix := ""
		if ev.WillTerminate {
			suffix = " (terminating)"
		}
		fmt.Fprintf(c.w, "    SLOW  %s%s\n", ev.TestID, suffix)

	case engine.EventTestAttemptFinished:
		if ev.Outcome != nil && !ev.Outcome.Success() {
			fmt.Fprintf(c.w, "    RETRY %s (attempt %d failed)\n", ev.TestID, ev.AttemptNum)
		}

	case engine.EventTestFinished:
		fmt.Fprintf(c.w, "%-16s %s (%d attempt(s))\n", ev.Verdict, ev.TestID, ev.Attempts)

	case engine.EventRunPaused:
		fmt.Fprintf(c.w, "    PAUSE run paused\n")

	case engine.EventRunResumed:
		fmt.Fprintf(c.w, "    RESUME run resumed\n")

	case engine.EventRunLiveStatus:
		fmt.Fprintf(c.w, "    STATUS %d running\n", len(ev.LiveStatus))
		for _, s := range ev.LiveStatus {
			fmt.Fprintf(c.w, "      %s attempt %d, running %v\n", s.TestID, s.AttemptNum, s.Elapsed.Round(time.Second))
		}

	case engine.EventCancelStarted:
		fmt.Fprintf(c.w, "    CANCEL run cancelling (%s)\n", ev.CancelReason)

	case engine.EventCancelEscalated:
		fmt.Fprintf(c.w, "    CANCEL escalating to immediate termination\n")

	case engine.EventRunFinished:
		s := ev.Summary
		fmt.Fprintf(c.w, "\nSummary [%v]: %d passed, %d failed, %d flaky, %d skipped, %d not run, %d cancelled\n",
			s.Duration.Round(time.Millisecond), s.Counters.Passed, s.Counters.Failed, s.Counters.Flaky,
			s.Counters.Skipped, s.Counters.NotRun, s.Counters.Cancelled)
	}
}
