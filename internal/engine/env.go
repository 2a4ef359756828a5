package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jpequegn/procrun/internal/plan"
)

// buildArgv resolves the final argv for one attempt (§6.3): wrapper ->
// tracer -> debugger -> target-runner prefixes (in that order, already
// materialized by the planner into inst.ArgvPrefixes), then the binary,
// then extra-args, then the exact-match test-name invocation (§6.3: the
// engine always uses exact-match invocation).
func buildArgv(inst *plan.TestInstance) []string {
	var argv []string
	for _, prefix := range inst.ArgvPrefixes {
		argv = append(argv, prefix.Argv...)
	}
	argv = append(argv, inst.BinaryPath)
	argv = append(argv, inst.ExtraArgs...)
	argv = append(argv, inst.ID.TestName, "--nocapture", "--exact")
	return argv
}

// envVarName appends the upper-cased target name to prefix. buildEnv calls
// it for the name as written and again for its underscore-normalized
// variant, mirroring Cargo's convention of exposing a binary path under
// both, since target names may contain hyphens that are illegal in shell
// identifiers.
func envVarName(prefix, name string) string {
	return prefix + strings.ToUpper(name)
}

// buildEnv constructs the full environment overlay for one attempt
// (§6.4). base is the parent's environment (os.Environ() in production,
// an injected slice in tests). binExePaths maps binary target name to
// its resolved executable path, used to populate NEXTEST_BIN_EXE_<name>
// pairs.
func buildEnv(base []string, inst *plan.TestInstance, runID, profile string, attemptNum, totalAttempts, globalSlot, groupSlot int, stressIndex, stressTotal int, binExePaths map[string]string, envFile string, setupEnv map[string]string) []string {
	env := append([]string(nil), base...)

	set := func(k, v string) {
		env = append(env, k+"="+v)
	}

	set("NEXTEST", "1")
	set("NEXTEST_RUN_ID", runID)
	set("NEXTEST_EXECUTION_MODE", "process-per-test")
	set("NEXTEST_PROFILE", profile)
	set("NEXTEST_BINARY_ID", inst.ID.BinaryID)
	set("NEXTEST_TEST_NAME", inst.ID.TestName)
	set("NEXTEST_ATTEMPT", strconv.Itoa(attemptNum))
	set("NEXTEST_TOTAL_ATTEMPTS", strconv.Itoa(totalAttempts))
	set("NEXTEST_ATTEMPT_ID", fmt.Sprintf("%s-%s-%d", runID, inst.ID.String(), attemptNum))
	set("NEXTEST_TEST_GLOBAL_SLOT", strconv.Itoa(globalSlot))

	groupName := inst.GroupName
	if groupName == "" {
		groupName = plan.GlobalGroupName
	}
	set("NEXTEST_TEST_GROUP", groupName)
	if inst.GroupName == "" {
		set("NEXTEST_TEST_GROUP_SLOT", "none")
	} else {
		set("NEXTEST_TEST_GROUP_SLOT", strconv.Itoa(groupSlot))
	}

	if stressTotal > 0 {
		set("NEXTEST_STRESS_CURRENT", strconv.Itoa(stressIndex))
		set("NEXTEST_STRESS_TOTAL", strconv.Itoa(stressTotal))
	}

	for name, path := range binExePaths {
		set(envVarName("NEXTEST_BIN_EXE_", name), path)
		underscored := strings.ReplaceAll(name, "-", "_")
		if underscored != name {
			set(envVarName("NEXTEST_BIN_EXE_", underscored), path)
		}
	}

	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key := kv[:i]
			if strings.HasPrefix(key, "LD_") || strings.HasPrefix(key, "DYLD_") {
				set("NEXTEST_"+key, kv[i+1:])
			}
		}
	}

	if envFile != "" {
		set("NEXTEST_ENV", envFile)
	}

	for k, v := range setupEnv {
		set(k, v)
	}
	for k, v := range inst.EnvOverlay {
		set(k, v)
	}

	return env
}

// osEnviron is a seam over os.Environ for testability.
var osEnviron = os.Environ
