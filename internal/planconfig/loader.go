// Package planconfig loads a YAML run configuration (test binaries,
// groups, retry/timeout policy, setup scripts) via viper and afero, and
// resolves it into an immutable internal/plan.Plan for the engine.
//
// Grounded on the teacher's internal/cmd/loader.go: viper.UnmarshalKey
// into raw maps, then a manual field-by-field conversion into typed
// structs, rather than a single Unmarshal into the target type, since
// several fields (durations, backoff kind, platform predicates) need
// custom parsing the same way loader.go hand-parses "timeout" strings.
package planconfig

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/jpequegn/procrun/internal/plan"
)

// Fs is the filesystem used to check that configured binary paths exist;
// overridden in tests with afero.NewMemMapFs().
var Fs afero.Fs = afero.NewOsFs()

// rawTest mirrors one entry of the YAML "tests" list.
type rawTest struct {
	Binary    string            `mapstructure:"binary"`
	BinaryID  string            `mapstructure:"binary_id"`
	Filter    string            `mapstructure:"filter"`
	WorkDir   string            `mapstructure:"workdir"`
	Group     string            `mapstructure:"group"`
	Threads   int               `mapstructure:"threads_required"`
	Priority  int               `mapstructure:"priority"`
	Ignored   bool              `mapstructure:"ignored"`
	Env       map[string]string `mapstructure:"env"`
	Retries   int               `mapstructure:"retries"`
	Backoff   string            `mapstructure:"backoff"`
	Delay     string            `mapstructure:"delay"`
	MaxDelay  string            `mapstructure:"max_delay"`
	Jitter    bool              `mapstructure:"jitter"`
	SlowAfter string            `mapstructure:"slow_after"`
	Terminate string            `mapstructure:"terminate_after"`
	LeakAfter string            `mapstructure:"leak_after"`
	OnTimeout string            `mapstructure:"on_timeout"`
}

// rawGroup mirrors one entry of the YAML "groups" map.
type rawGroup struct {
	MaxThreads int `mapstructure:"max_threads"`
}

// rawSetup mirrors one entry of the YAML "setup" list.
type rawSetup struct {
	Command   []string `mapstructure:"command"`
	WorkDir   string   `mapstructure:"workdir"`
	Platforms []string `mapstructure:"platforms"`
	NoCapture bool     `mapstructure:"no_capture"`
}

// Load reads the config file at path (or searches for ./procrun.yaml with a
// new viper instance if path is empty) and resolves it into a frozen Plan. A fresh
// RunID is stamped on every call (§6.1: the run ID is assigned at
// plan-freeze time, not read from configuration).
func Load(path string) (*plan.Plan, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("procrun")
	}
	v.SetEnvPrefix("PROCRUN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Resolve(v)
}

// Resolve converts an already-populated viper instance into a Plan. Split
// out from Load so callers (and tests) can build the viper instance
// however they like, e.g. v.Set(...) directly instead of a file.
func Resolve(v *viper.Viper) (*plan.Plan, error) {
	var rawTests []rawTest
	if err := v.UnmarshalKey("tests", &rawTests); err != nil {
		return nil, fmt.Errorf("unmarshal tests: %w", err)
	}
	if len(rawTests) == 0 {
		return nil, fmt.Errorf("no tests configured")
	}

	rawGroups := map[string]rawGroup{}
	if err := v.UnmarshalKey("groups", &rawGroups); err != nil {
		return nil, fmt.Errorf("unmarshal groups: %w", err)
	}

	var rawSetups []rawSetup
	if err := v.UnmarshalKey("setup", &rawSetups); err != nil {
		return nil, fmt.Errorf("unmarshal setup: %w", err)
	}

	testThreads := v.GetInt("test_threads")
	if testThreads <= 0 {
		testThreads = 1
	}

	settings := plan.RunSettings{
		Profile:                 v.GetString("profile"),
		RunID:                   uuid.NewString(),
		GlobalTimeout:           v.GetDuration("global_timeout"),
		TestThreads:             testThreads,
		FailFast:                v.GetBool("fail_fast"),
		StressIters:             v.GetInt("stress.iterations"),
		GracePeriod:             orDefault(v.GetDuration("grace_period"), 10*time.Second),
		SlowTimeout:             v.GetDuration("slow_timeout"),
		LeakTimeout:             orDefault(v.GetDuration("leak_timeout"), 100*time.Millisecond),
		NoCapture:               v.GetBool("no_capture"),
		DoubleSpawn:             v.GetBool("double_spawn"),
		SighupLikeSigint:        v.GetBool("sighup_like_sigint"),
		StressAggregateFailures: v.GetBool("stress.aggregate_failures"),
	}
	if maxFail := v.GetInt("max_fail"); maxFail > 0 {
		settings.MaxFail = plan.MaxFailPolicy{Max: maxFail, Terminate: parseTerminate(v.GetString("max_fail_terminate"))}
	}
	if settings.FailFast && settings.MaxFail.Max == 0 {
		settings.MaxFail = plan.MaxFailPolicy{Max: 1, Terminate: plan.TerminateWait}
	}

	groups := map[string]plan.TestGroup{}
	for name, g := range rawGroups {
		groups[name] = plan.TestGroup{Name: name, MaxThreads: g.MaxThreads}
	}

	p := &plan.Plan{Settings: settings, Groups: groups}

	for _, rt := range rawTests {
		inst, err := resolveTest(rt, settings)
		if err != nil {
			return nil, fmt.Errorf("test %q: %w", rt.BinaryID, err)
		}
		p.Tests = append(p.Tests, inst)
	}

	for _, rs := range rawSetups {
		p.Setup = append(p.Setup, resolveSetup(rs))
	}

	return p, nil
}

func resolveTest(rt rawTest, settings plan.RunSettings) (*plan.TestInstance, error) {
	if rt.Binary == "" {
		return nil, fmt.Errorf("missing binary path")
	}
	exists, err := afero.Exists(Fs, rt.Binary)
	if err != nil {
		return nil, fmt.Errorf("stat binary: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("binary not found: %s", rt.Binary)
	}

	binaryID := rt.BinaryID
	if binaryID == "" {
		binaryID = rt.Binary
	}

	retries := rt.Retries
	if retries < 1 {
		retries = 1
	}

	backoff := plan.BackoffFixed
	if rt.Backoff == "exponential" {
		backoff = plan.BackoffExponential
	}

	onTimeout := plan.OnTimeoutFail
	if rt.OnTimeout == "pass" {
		onTimeout = plan.OnTimeoutPass
	}

	threads := rt.Threads
	if threads < 1 {
		threads = 1
	}

	terminateAfter := rt.Terminate
	terminateTicks := 0
	if terminateAfter != "" {
		d, err := time.ParseDuration(terminateAfter)
		if err != nil {
			return nil, fmt.Errorf("parse terminate_after: %w", err)
		}
		slow := orDefault(parseDurationOr(rt.SlowAfter, settings.SlowTimeout), settings.SlowTimeout)
		if slow > 0 {
			terminateTicks = int(d / slow)
		}
	}

	return &plan.TestInstance{
		ID:           plan.TestID{BinaryID: binaryID, TestName: rt.Filter, StressIndex: -1},
		BinaryPath:   rt.Binary,
		WorkDir:      rt.WorkDir,
		EnvOverlay:   rt.Env,
		Ignored:      rt.Ignored,
		Priority:     rt.Priority,
		GroupName:    rt.Group,
		ThreadsReq:   threads,
		SlowPeriod:   orDefault(parseDurationOr(rt.SlowAfter, settings.SlowTimeout), settings.SlowTimeout),
		TerminateAfter: terminateTicks,
		GracePeriod:  settings.GracePeriod,
		LeakTimeout:  orDefault(parseDurationOr(rt.LeakAfter, settings.LeakTimeout), settings.LeakTimeout),
		OnTimeout:    onTimeout,
		Retry: plan.RetryPolicy{
			TotalAttempts: retries,
			Backoff:       backoff,
			FixedDelay:    parseDurationOr(rt.Delay, time.Second),
			InitialDelay:  parseDurationOr(rt.Delay, 100*time.Millisecond),
			MaxDelay:      parseDurationOr(rt.MaxDelay, 30*time.Second),
			Factor:        2.0,
			Jitter:        rt.Jitter,
		},
		NoCapture: settings.NoCapture,
	}, nil
}

func resolveSetup(rs rawSetup) plan.SetupScript {
	sc := plan.SetupScript{
		Command:   rs.Command,
		WorkDir:   rs.WorkDir,
		NoCapture: rs.NoCapture,
	}
	if len(rs.Platforms) > 0 {
		allowed := map[string]bool{}
		for _, p := range rs.Platforms {
			allowed[p] = true
		}
		sc.Platform = func(goos string) bool { return allowed[goos] }
	}
	return sc
}

func parseTerminate(s string) plan.TerminateMode {
	if s == "immediate" {
		return plan.TerminateImmediate
	}
	return plan.TerminateWait
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
