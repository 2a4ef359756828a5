//go:build windows

package platform

import (
	"errors"
	"os/exec"
	"syscall"
)

// attachJobObject sets CREATE_NEW_PROCESS_GROUP on the child. It does not
// create a job object or assign the child to one.
func attachJobObject(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// terminateJobObject kills the child with Process.Kill. Only the top-level
// process is terminated; processes it spawned keep running.
func terminateJobObject(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// decodeExit maps a Windows exit code to ExitInfo. An access-violation or
// abort-style exit is surfaced via a well-known NTSTATUS-range exit code
// as Abort, matching spec.md §4.1's Windows note.
func decodeExit(err error) ExitInfo {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitInfo{}
	}
	code := exitErr.ExitCode()
	if uint32(code) >= 0xC0000000 {
		return ExitInfo{ExitCode: code, Abort: true}
	}
	return ExitInfo{ExitCode: code}
}
