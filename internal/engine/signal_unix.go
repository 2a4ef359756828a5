//go:build !windows

package engine

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyTargets lists every signal the Controller subscribes to on a
// POSIX platform (§4.4): interrupt/terminate-family signals, the
// suspend/continue pair, and the info-request signal(s) available on this
// particular Unix.
func notifyTargets() []os.Signal {
	sigs := []os.Signal{
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGQUIT,
		syscall.SIGTSTP,
		syscall.SIGCONT,
		syscall.SIGUSR1,
	}
	return append(sigs, infoSignals()...)
}

// handleSignal classifies one delivered signal and emits the matching
// Intent (§4.4):
//
//   - SIGINT, SIGTERM, SIGQUIT: first delivery in the run -> graceful
//     cancel; any further delivery -> immediate (Kill) escalation. This
//     mirrors the double-Ctrl-C pattern used by k6's run command, where a
//     second interrupt bypasses the graceful path entirely.
//   - SIGHUP: same escalation; whether the intent is marked Quiet (like
//     SIGINT) is gated by sighupLikeSigint (SPEC_FULL.md §5). The
//     Controller only sets Intent.Quiet; nothing downstream acts on it.
//   - SIGTSTP: Pause (freeze every attempt's process group and the shared
//     pause clock, then this process stops itself so a shell's job
//     control sees the whole pipeline as stopped).
//   - SIGCONT: Resume.
//   - SIGUSR1, and SIGINFO where the platform has one: LiveStatus.
func (c *Controller) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT:
		c.emitCancel(CancelUser, true)

	case syscall.SIGTERM, syscall.SIGQUIT:
		c.emitCancel(CancelUser, false)

	case syscall.SIGHUP:
		c.emitCancel(CancelUser, c.sighupLikeSigint)

	case syscall.SIGTSTP:
		c.emit(Intent{Kind: IntentPause})
		_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)

	case syscall.SIGCONT:
		c.emit(Intent{Kind: IntentResume})

	case syscall.SIGUSR1:
		c.emit(Intent{Kind: IntentLiveStatus})

	default:
		if isInfoSignal(sig) {
			c.emit(Intent{Kind: IntentLiveStatus})
		}
	}
}

// emitCancel applies the first-graceful/second-immediate escalation rule
// shared by every terminate-family signal.
func (c *Controller) emitCancel(reason CancelReason, quiet bool) {
	if c.escalated {
		c.emit(Intent{Kind: IntentCancelImmediate, CancelReason: reason, Quiet: quiet})
		return
	}
	c.escalated = true
	c.emit(Intent{Kind: IntentCancelGraceful, CancelReason: reason, Quiet: quiet})
}

// ignoreTTYSignals sets SIGTTIN/SIGTTOU to SIG_IGN for the run's
// lifetime (§4.4): without this, a background-job shell delivers them to
// this process the moment it reads from or writes to the controlling
// terminal in raw mode, stopping it exactly like SIGTSTP would but
// without going through handleSignal's Pause path.
func ignoreTTYSignals() func() {
	signal.Ignore(syscall.SIGTTIN, syscall.SIGTTOU)
	return func() { signal.Reset(syscall.SIGTTIN, syscall.SIGTTOU) }
}
