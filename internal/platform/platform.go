// Package platform implements the OS-specific half of attempt supervision:
// process-group attachment (POSIX) or a new console process group
// (Windows), and termination/kill. It is the Go rendering of the
// "dynamic/duck" pattern described in spec.md §9: the source's trait-object
// polymorphism for platform-specific process handling becomes a tagged Ops
// value with Prepare/TerminateGroup/KillGroup/SuspendGroup/ResumeGroup
// methods, selected at build time by GOOS rather than at runtime by a type
// switch.
package platform

import (
	"os/exec"
)

// Ops is the platform-specific process-group contract used by the Attempt
// Executor (C1). One implementation is compiled in per GOOS: unix.go for
// everything but Windows, windows.go for Windows.
type Ops interface {
	// Prepare attaches cmd to a new process group before it is started
	// (Setpgid on POSIX, CREATE_NEW_PROCESS_GROUP on Windows). On POSIX
	// the whole group can later be signalled as a unit.
	Prepare(cmd *exec.Cmd)

	// TerminateGroup sends a graceful termination request to the entire
	// process group (SIGTERM on POSIX). On Windows, where there is no
	// separate graceful signal, it kills the top-level process only.
	TerminateGroup(cmd *exec.Cmd) error

	// KillGroup forcibly kills the entire process group (SIGKILL on
	// POSIX). On Windows it kills the top-level process only.
	KillGroup(cmd *exec.Cmd) error

	// SuspendGroup freezes the entire process group (SIGSTOP on POSIX).
	// Returns ErrUnsupported on platforms without an equivalent.
	SuspendGroup(cmd *exec.Cmd) error

	// ResumeGroup reverses SuspendGroup (SIGCONT on POSIX).
	ResumeGroup(cmd *exec.Cmd) error
}

// ExitInfo is the platform-decoded shape of a child's exit, used by the
// Attempt Executor's outcome mapping (§4.1).
type ExitInfo struct {
	ExitCode int
	Signal   string // non-empty if the process was killed by a signal
	Abort    bool   // Windows access-violation/abort-style exit
}

// DecodeExit extracts ExitInfo from an *exec.ExitError in a
// platform-specific way (POSIX WaitStatus vs Windows exit codes).
func DecodeExit(err error) ExitInfo {
	return decodeExit(err)
}

// unsupportedError is the type of ErrUnsupported, returned by Ops methods
// that have no meaningful implementation on the current platform (e.g.
// SuspendGroup on Windows).
type unsupportedError string

func (e unsupportedError) Error() string { return string(e) }

// ErrUnsupported is returned by Ops methods with no platform equivalent.
const ErrUnsupported = unsupportedError("platform: operation not supported")

// Default is the Ops implementation selected for the current GOOS.
var Default Ops = newOps()
