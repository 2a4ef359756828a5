package engine

import (
	"strings"
	"testing"

	"github.com/jpequegn/procrun/internal/plan"
)

func TestBuildArgvOrdersPrefixesBinaryThenExactMatch(t *testing.T) {
	inst := &plan.TestInstance{
		ID:         plan.TestID{BinaryID: "mycrate", TestName: "it_works"},
		BinaryPath: "/target/debug/mycrate",
		ArgvPrefixes: []plan.ArgvPrefix{
			{Argv: []string{"strace", "-f"}},
		},
		ExtraArgs: []string{"--nocapture-extra"},
	}

	argv := buildArgv(inst)
	want := []string{"strace", "-f", "/target/debug/mycrate", "--nocapture-extra", "it_works", "--nocapture", "--exact"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q (full argv %v)", i, argv[i], want[i], argv)
		}
	}
}

func TestBuildArgvNoPrefixes(t *testing.T) {
	inst := &plan.TestInstance{
		ID:         plan.TestID{BinaryID: "mycrate", TestName: "plain"},
		BinaryPath: "/bin/mycrate",
	}
	argv := buildArgv(inst)
	want := []string{"/bin/mycrate", "plain", "--nocapture", "--exact"}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func findEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

func TestBuildEnvSetsCoreRunIdentity(t *testing.T) {
	inst := &plan.TestInstance{
		ID: plan.TestID{BinaryID: "mycrate", TestName: "it_works"},
	}
	env := buildEnv(nil, inst, "run-abc", "ci", 2, 3, 5, 0, -1, 0, nil, "", nil)

	cases := map[string]string{
		"NEXTEST":               "1",
		"NEXTEST_RUN_ID":        "run-abc",
		"NEXTEST_PROFILE":       "ci",
		"NEXTEST_BINARY_ID":     "mycrate",
		"NEXTEST_TEST_NAME":     "it_works",
		"NEXTEST_ATTEMPT":       "2",
		"NEXTEST_TOTAL_ATTEMPTS": "3",
		"NEXTEST_TEST_GLOBAL_SLOT": "5",
		"NEXTEST_TEST_GROUP":    plan.GlobalGroupName,
		"NEXTEST_TEST_GROUP_SLOT": "none",
	}
	for k, want := range cases {
		got, ok := findEnv(env, k)
		if !ok {
			t.Fatalf("missing env var %s", k)
		}
		if got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestBuildEnvGroupSlotSetWhenGroupNamed(t *testing.T) {
	inst := &plan.TestInstance{
		ID:        plan.TestID{BinaryID: "mycrate", TestName: "t"},
		GroupName: "db-tests",
	}
	env := buildEnv(nil, inst, "run-1", "", 1, 1, 0, 4, -1, 0, nil, "", nil)

	if got, _ := findEnv(env, "NEXTEST_TEST_GROUP"); got != "db-tests" {
		t.Fatalf("NEXTEST_TEST_GROUP = %q, want db-tests", got)
	}
	if got, _ := findEnv(env, "NEXTEST_TEST_GROUP_SLOT"); got != "4" {
		t.Fatalf("NEXTEST_TEST_GROUP_SLOT = %q, want 4", got)
	}
}

func TestBuildEnvOmitsStressVarsWhenNotStressing(t *testing.T) {
	inst := &plan.TestInstance{ID: plan.TestID{BinaryID: "b", TestName: "t"}}
	env := buildEnv(nil, inst, "run-1", "", 1, 1, 0, 0, -1, 0, nil, "", nil)
	if _, ok := findEnv(env, "NEXTEST_STRESS_CURRENT"); ok {
		t.Fatal("did not expect NEXTEST_STRESS_CURRENT when stressTotal is 0")
	}
}

func TestBuildEnvIncludesStressVarsWhenStressing(t *testing.T) {
	inst := &plan.TestInstance{ID: plan.TestID{BinaryID: "b", TestName: "t"}}
	env := buildEnv(nil, inst, "run-1", "", 1, 1, 0, 0, 3, 10, nil, "", nil)
	if got, _ := findEnv(env, "NEXTEST_STRESS_CURRENT"); got != "3" {
		t.Fatalf("NEXTEST_STRESS_CURRENT = %q, want 3", got)
	}
	if got, _ := findEnv(env, "NEXTEST_STRESS_TOTAL"); got != "10" {
		t.Fatalf("NEXTEST_STRESS_TOTAL = %q, want 10", got)
	}
}

func TestBuildEnvBinExePathsSetsHyphenAndUnderscoreVariants(t *testing.T) {
	inst := &plan.TestInstance{ID: plan.TestID{BinaryID: "b", TestName: "t"}}
	binPaths := map[string]string{"my-crate": "/target/debug/my-crate"}
	env := buildEnv(nil, inst, "run-1", "", 1, 1, 0, 0, -1, 0, binPaths, "", nil)

	if got, ok := findEnv(env, "NEXTEST_BIN_EXE_MY-CRATE"); !ok || got != "/target/debug/my-crate" {
		t.Fatalf("NEXTEST_BIN_EXE_MY-CRATE = %q, ok=%v", got, ok)
	}
	if got, ok := findEnv(env, "NEXTEST_BIN_EXE_MY_CRATE"); !ok || got != "/target/debug/my-crate" {
		t.Fatalf("NEXTEST_BIN_EXE_MY_CRATE = %q, ok=%v", got, ok)
	}
}

func TestBuildEnvPreservesLibraryPathUnderNextestPrefix(t *testing.T) {
	inst := &plan.TestInstance{ID: plan.TestID{BinaryID: "b", TestName: "t"}}
	base := []string{"LD_LIBRARY_PATH=/usr/local/lib", "PATH=/usr/bin"}
	env := buildEnv(base, inst, "run-1", "", 1, 1, 0, 0, -1, 0, nil, "", nil)

	if got, ok := findEnv(env, "NEXTEST_LD_LIBRARY_PATH"); !ok || got != "/usr/local/lib" {
		t.Fatalf("NEXTEST_LD_LIBRARY_PATH = %q, ok=%v", got, ok)
	}
}

func TestBuildEnvMirrorsWholeLdAndDyldFamilyByPrefix(t *testing.T) {
	inst := &plan.TestInstance{ID: plan.TestID{BinaryID: "b", TestName: "t"}}
	base := []string{
		"LD_PRELOAD=/usr/local/lib/libasan.so",
		"DYLD_INSERT_LIBRARIES=/usr/local/lib/libasan.dylib",
		"DYLD_FRAMEWORK_PATH=/Library/Frameworks",
		"PATH=/usr/bin",
	}
	env := buildEnv(base, inst, "run-1", "", 1, 1, 0, 0, -1, 0, nil, "", nil)

	if got, ok := findEnv(env, "NEXTEST_LD_PRELOAD"); !ok || got != "/usr/local/lib/libasan.so" {
		t.Fatalf("NEXTEST_LD_PRELOAD = %q, ok=%v", got, ok)
	}
	if got, ok := findEnv(env, "NEXTEST_DYLD_INSERT_LIBRARIES"); !ok || got != "/usr/local/lib/libasan.dylib" {
		t.Fatalf("NEXTEST_DYLD_INSERT_LIBRARIES = %q, ok=%v", got, ok)
	}
	if got, ok := findEnv(env, "NEXTEST_DYLD_FRAMEWORK_PATH"); !ok || got != "/Library/Frameworks" {
		t.Fatalf("NEXTEST_DYLD_FRAMEWORK_PATH = %q, ok=%v", got, ok)
	}
	if _, ok := findEnv(env, "NEXTEST_PATH"); ok {
		t.Fatal("did not expect PATH to be mirrored; only LD_*/DYLD_* are")
	}
}

func TestBuildEnvSetupEnvThenOverlayOrderAllowsOverlayToWin(t *testing.T) {
	inst := &plan.TestInstance{
		ID:         plan.TestID{BinaryID: "b", TestName: "t"},
		EnvOverlay: map[string]string{"FOO": "overlay"},
	}
	setupEnv := map[string]string{"FOO": "setup", "BAR": "setup-only"}
	env := buildEnv(nil, inst, "run-1", "", 1, 1, 0, 0, -1, 0, nil, "", setupEnv)

	// later entries win when the process environment is scanned back-to-front,
	// which os/exec and most libc implementations do.
	var lastFoo string
	for _, kv := range env {
		if strings.HasPrefix(kv, "FOO=") {
			lastFoo = strings.TrimPrefix(kv, "FOO=")
		}
	}
	if lastFoo != "overlay" {
		t.Fatalf("expected EnvOverlay to take precedence over setupEnv for FOO, got %q", lastFoo)
	}
	if got, ok := findEnv(env, "BAR"); !ok || got != "setup-only" {
		t.Fatalf("BAR = %q, ok=%v", got, ok)
	}
}

func TestBuildEnvSetsEnvFileWhenProvided(t *testing.T) {
	inst := &plan.TestInstance{ID: plan.TestID{BinaryID: "b", TestName: "t"}}
	env := buildEnv(nil, inst, "run-1", "", 1, 1, 0, 0, -1, 0, nil, "/tmp/env-file", nil)
	if got, ok := findEnv(env, "NEXTEST_ENV"); !ok || got != "/tmp/env-file" {
		t.Fatalf("NEXTEST_ENV = %q, ok=%v", got, ok)
	}
}
