package engine

import (
	"bufio"
	"context"
	"os"
	"os/signal"

	"golang.org/x/term"
)

// IntentKind tags the typed signal produced by the Signal & Input
// Controller (C4, §4.4). The Scheduler is the sole consumer.
type IntentKind int

const (
	IntentCancelGraceful IntentKind = iota
	IntentCancelImmediate
	IntentPause
	IntentResume
	IntentLiveStatus
	IntentMarker
)

func (k IntentKind) String() string {
	switch k {
	case IntentCancelGraceful:
		return "cancel-graceful"
	case IntentCancelImmediate:
		return "cancel-immediate"
	case IntentPause:
		return "pause"
	case IntentResume:
		return "resume"
	case IntentLiveStatus:
		return "live-status"
	case IntentMarker:
		return "marker"
	default:
		return "unknown"
	}
}

// Intent is one event out of the Signal & Input Controller.
type Intent struct {
	Kind         IntentKind
	CancelReason CancelReason

	// Quiet marks a cancel intent as interactive (SIGINT / Ctrl-C style).
	// Non-interactive terminate signals (SIGTERM, SIGQUIT, and SIGHUP
	// unless RunSettings.SighupLikeSigint is set) leave it false. The
	// Scheduler does not copy Quiet into any Event, so no reporter
	// suppresses per-test output because of it.
	Quiet bool
}

// Controller multiplexes OS signals and interactive keyboard input into a
// single ordered stream of Intents (§4.4). One Controller is owned by the
// Scheduler for the run's lifetime.
//
// Ctrl-C escalation (first SIGINT/equivalent -> graceful cancel, second ->
// immediate) is grounded on the k6 run command's double-signal handler
// (cmd/run.go: first signal calls lingerCancel, a second calls globalCancel
// and os.Exit immediately so a hung test can never ignore two interrupts).
type Controller struct {
	sighupLikeSigint bool

	intents chan Intent

	escalated bool
}

// NewController builds a Controller. sighupLikeSigint selects whether
// SIGHUP is treated as a quiet SIGINT (output suppressed, like a detached
// terminal hangup) or as a SIGTERM-equivalent graceful request; default
// false matches the SIGTERM behavior (§9, resolved in SPEC_FULL.md §5).
func NewController(sighupLikeSigint bool) *Controller {
	return &Controller{sighupLikeSigint: sighupLikeSigint, intents: make(chan Intent, 16)}
}

// Intents returns the consumer-side channel. Never closed while Run is
// active; the Scheduler stops reading from it once the run finishes.
func (c *Controller) Intents() <-chan Intent { return c.intents }

func (c *Controller) emit(i Intent) {
	select {
	case c.intents <- i:
	default:
		// Drop rather than block a signal handler goroutine forever; a
		// full queue of 16 unconsumed intents means the Scheduler has
		// already stopped listening.
	}
}

// Run owns the OS signal subscription and, if stdin is an interactive
// terminal, raw-mode keyboard reads, until ctx is done. Raw mode is
// guaranteed to be released on every exit path (ctx cancellation, a
// signal-driven return, or this goroutine's own completion) per §4.4's
// discipline requirement: a crash must never leave the user's terminal in
// raw mode.
func (c *Controller) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, notifyTargets()...)
	defer signal.Stop(sigCh)

	restoreTTY := ignoreTTYSignals()
	defer restoreTTY()

	keyCh, restore := c.startKeyboardReader()
	if restore != nil {
		defer restore()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			c.handleSignal(sig)
		case key, ok := <-keyCh:
			if !ok {
				keyCh = nil
				continue
			}
			c.handleKey(key)
		}
	}
}

// handleKey interprets one rune read from an interactive terminal: 't'
// requests a live-status snapshot, Enter emits a Marker. Every other key
// is ignored.
func (c *Controller) handleKey(key rune) {
	switch key {
	case 't':
		c.emit(Intent{Kind: IntentLiveStatus})
	case '\r', '\n':
		c.emit(Intent{Kind: IntentMarker})
	}
}

// startKeyboardReader puts stdin into raw mode (if it is a terminal) and
// returns a channel of runes read from it plus a restore func. Returns a
// nil channel and nil restore func when stdin isn't a terminal, matching
// the IsTerminal guard used throughout k6's cmd package before touching
// terminal state.
func (c *Controller) startKeyboardReader() (<-chan rune, func()) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}

	prevState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil
	}

	out := make(chan rune, 8)
	go func() {
		defer close(out)
		r := bufio.NewReader(os.Stdin)
		for {
			ch, _, err := r.ReadRune()
			if err != nil {
				return
			}
			out <- ch
		}
	}()

	return out, func() { _ = term.Restore(fd, prevState) }
}
