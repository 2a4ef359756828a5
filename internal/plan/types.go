// Package plan defines the resolved, read-only test plan consumed by the
// execution engine: test identities, per-test settings, concurrency groups
// and setup scripts. A Plan is built once by internal/planconfig and is
// never mutated after that; the engine only ever reads it.
package plan

import "time"

// TestID is a stable triple identifying one test instance within a run.
// StressIndex is -1 outside of stress mode.
type TestID struct {
	BinaryID    string
	TestName    string
	StressIndex int
}

// String renders the id the way it appears in events and logs.
func (id TestID) String() string {
	if id.StressIndex < 0 {
		return id.BinaryID + "::" + id.TestName
	}
	return id.BinaryID + "::" + id.TestName + "#" + itoa(id.StressIndex)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// OnTimeoutPolicy controls how a timed-out attempt affects the final verdict.
type OnTimeoutPolicy int

const (
	OnTimeoutFail OnTimeoutPolicy = iota
	OnTimeoutPass
)

// BackoffKind selects the retry delay function used by the Retry Planner.
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
)

// RetryPolicy is the per-test retry configuration.
type RetryPolicy struct {
	TotalAttempts int // >= 1; 1 means no retries
	Backoff       BackoffKind
	FixedDelay    time.Duration // used when Backoff == BackoffFixed
	InitialDelay  time.Duration // used when Backoff == BackoffExponential
	MaxDelay      time.Duration
	Factor        float64
	Jitter        bool
}

// WrapperKind tags the argv prefixes resolved by the planner (§6.3).
type WrapperKind int

const (
	WrapperNone WrapperKind = iota
	WrapperScript
	WrapperTracer
	WrapperDebugger
	WrapperTargetRunner
)

// ArgvPrefix is one resolved prefix segment, in application order.
type ArgvPrefix struct {
	Kind WrapperKind
	Argv []string
}

// TestGroup is a named concurrency bucket with a max-threads cap. The
// implicit group "@global" always exists and its MaxThreads equals the
// plan's global test-threads setting.
type TestGroup struct {
	Name       string
	MaxThreads int
}

const GlobalGroupName = "@global"

// TestInstance is an immutable plan entry: everything the engine needs to
// launch and supervise one test, already resolved by the planner (filters
// applied, overrides merged).
type TestInstance struct {
	ID TestID

	BinaryPath string
	WorkDir    string

	// ArgvPrefixes are applied in order: wrapper -> tracer -> debugger ->
	// target-runner, ahead of the binary itself (§6.3).
	ArgvPrefixes []ArgvPrefix
	ExtraArgs    []string

	EnvOverlay map[string]string

	Ignored     bool
	RunsOnHost  bool
	Priority    int // higher runs first; ties broken by BinaryID then TestName
	GroupName   string // "" means only @global applies
	ThreadsReq  int    // threads-required; always >= 1

	SlowPeriod    time.Duration
	TerminateAfter int // 0 disables slow-timeout termination
	GracePeriod   time.Duration
	LeakTimeout   time.Duration
	OnTimeout     OnTimeoutPolicy

	Retry RetryPolicy

	NoCapture     bool
	StoreOutputJUnit bool
}

// SetupScript runs once, serially, before the test queue starts.
type SetupScript struct {
	Command    []string
	WorkDir    string
	Filter     func(bi string) bool
	Platform   func(goos string) bool
	NoCapture  bool
	SlowPeriod time.Duration
}

// MaxFailPolicy configures the cancel-on-failure-threshold behavior (§4.7).
type MaxFailPolicy struct {
	Max           int // 0 disables max-fail cancellation
	Terminate     TerminateMode
}

// TerminateMode is the escalation mode used both by max-fail and by the
// Signal Controller's second Ctrl-C.
type TerminateMode int

const (
	TerminateWait TerminateMode = iota
	TerminateImmediate
)

// RunSettings are the plan-wide knobs (§6.1).
type RunSettings struct {
	Profile       string
	RunID         string // UUID, stamped by planconfig at plan-freeze time
	GlobalTimeout time.Duration // 0 disables
	TestThreads   int
	MaxFail       MaxFailPolicy
	FailFast      bool
	StressIters   int // 0 or 1 means no stress mode
	GracePeriod   time.Duration
	SlowTimeout   time.Duration
	LeakTimeout   time.Duration
	NoCapture     bool
	DoubleSpawn   bool
	SighupLikeSigint        bool // see SPEC_FULL.md §5
	StressAggregateFailures bool // see SPEC_FULL.md §5
}

// Plan is the complete, immutable input to the engine (§6.1).
type Plan struct {
	Settings RunSettings
	Groups   map[string]TestGroup
	Setup    []SetupScript
	Tests    []*TestInstance
}

// GroupLimit returns the max-threads for a group name, falling back to the
// global limit for the implicit group or when the group is unknown.
func (p *Plan) GroupLimit(name string) int {
	if name == "" || name == GlobalGroupName {
		return p.Settings.TestThreads
	}
	if g, ok := p.Groups[name]; ok {
		return g.MaxThreads
	}
	return p.Settings.TestThreads
}
