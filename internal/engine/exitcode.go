package engine

// Exit codes returned by Scheduler.Run (§6.5). The upstream advisory-code
// catalog is config-profile dependent and out of this engine's scope
// (SPEC_FULL.md non-goals); these are this module's own stable mapping,
// recorded as an Open Question resolution in DESIGN.md.
const (
	ExitSuccess            = 0
	ExitTestFailure        = 100
	ExitNoTestsRun         = 4
	ExitSetupScriptFailure = 103
	ExitGlobalTimeout      = 105
)

// ExitCode derives the process exit code from the run's final counters and
// the reason (if any) the run stopped early.
func ExitCode(c RunCounters, reason CancelReason, ranAny bool) int {
	if reason == CancelSetupScriptFailure {
		return ExitSetupScriptFailure
	}
	if !ranAny {
		return ExitNoTestsRun
	}
	if c.Failed > 0 || c.Cancelled > 0 {
		return ExitTestFailure
	}
	if reason == CancelGlobalTimeout {
		return ExitGlobalTimeout
	}
	return ExitSuccess
}
