//go:build windows

package platform

import (
	"os/exec"
)

// windowsOps starts each child in a new console process group
// (CREATE_NEW_PROCESS_GROUP). It creates no job object: BREAKAWAY_OK and
// kill-on-close are not set, and descendants of the child are not tracked.
// There is no separate graceful-terminate primitive, so TerminateGroup and
// KillGroup both kill the top-level child process only.
type windowsOps struct{}

func newOps() Ops { return windowsOps{} }

func (windowsOps) Prepare(cmd *exec.Cmd) {
	attachJobObject(cmd)
}

func (windowsOps) TerminateGroup(cmd *exec.Cmd) error {
	return terminateJobObject(cmd)
}

func (windowsOps) KillGroup(cmd *exec.Cmd) error {
	return terminateJobObject(cmd)
}

func (windowsOps) SuspendGroup(cmd *exec.Cmd) error {
	return ErrUnsupported
}

func (windowsOps) ResumeGroup(cmd *exec.Cmd) error {
	return ErrUnsupported
}
