package engine

import (
	"math/rand"
	"time"

	"github.com/jpequegn/procrun/internal/plan"
)

// RetryDecision is the Retry Planner's verdict on what happens next (§4.6).
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// jitterSource abstracts math/rand so tests can make jitter deterministic.
type jitterSource interface {
	Float64() float64
}

// RetryPlanner decides, after an attempt completes, whether another attempt
// should run and how long to wait before it starts.
type RetryPlanner struct {
	rand jitterSource
}

// NewRetryPlanner builds a planner with its own time-seeded RNG.
func NewRetryPlanner() *RetryPlanner {
	return &RetryPlanner{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewRetryPlannerWithSource builds a planner with an injected jitter
// source, for deterministic tests.
func NewRetryPlannerWithSource(src jitterSource) *RetryPlanner {
	return &RetryPlanner{rand: src}
}

// Decide implements §4.6's decision table. attemptNum is the attempt number
// that just completed (1-based); cancelling reports whether RunState has
// already entered CancelPending (retries are never permitted after that).
// onTimeout is the test's configured on-timeout policy: under
// OnTimeoutPass a TimedOut outcome is itself a pass (§4.6 "If outcome is
// Passed or PassOnTimeout -> no retry"), so it must never consume another
// attempt.
func (p *RetryPlanner) Decide(policy plan.RetryPolicy, attemptNum int, outcome AttemptOutcome, onTimeout plan.OnTimeoutPolicy, cancelling bool) RetryDecision {
	if outcome.Success() {
		return RetryDecision{Retry: false}
	}
	if outcome.Kind == OutcomeTimedOut && onTimeout == plan.OnTimeoutPass {
		return RetryDecision{Retry: false}
	}
	if cancelling {
		return RetryDecision{Retry: false}
	}
	remaining := policy.TotalAttempts - attemptNum
	if remaining <= 0 {
		return RetryDecision{Retry: false}
	}
	return RetryDecision{Retry: true, Delay: p.delay(policy, attemptNum)}
}

// delay computes the next-attempt delay per §4.6: Fixed returns the
// configured delay; Exponential returns min(initial * factor^(n-1), max);
// jitter, if enabled, multiplies by a uniform factor in [0.5, 1.5). The
// result is never negative.
func (p *RetryPlanner) delay(policy plan.RetryPolicy, attemptNum int) time.Duration {
	var d time.Duration
	switch policy.Backoff {
	case plan.BackoffFixed:
		d = policy.FixedDelay
	case plan.BackoffExponential:
		factor := policy.Factor
		if factor <= 0 {
			factor = 2
		}
		scaled := float64(policy.InitialDelay) * pow(factor, attemptNum-1)
		d = time.Duration(scaled)
		if policy.MaxDelay > 0 && d > policy.MaxDelay {
			d = policy.MaxDelay
		}
	}
	if policy.Jitter {
		factor := 0.5 + p.rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// pow is a tiny integer-exponent power function so we don't need math.Pow
// for what is always a small non-negative exponent.
func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Verdict derives the TestVerdict from the full attempt history (§3).
// history holds every attempt's outcome in order; onTimeout is the test's
// configured on-timeout policy.
func Verdict(history []AttemptOutcome, onTimeout plan.OnTimeoutPolicy, cancelled bool) TestVerdict {
	if len(history) == 0 {
		if cancelled {
			return VerdictNotRun
		}
		return VerdictNotRun
	}

	last := history[len(history)-1]

	if last.Kind == OutcomeCancelled {
		return VerdictCancelled
	}

	if last.Success() {
		if len(history) > 1 {
			return VerdictFlaky
		}
		return VerdictPass
	}

	if last.Kind == OutcomeTimedOut || (last.Kind == OutcomeLeaked && last.Inner != nil && last.Inner.Kind == OutcomeTimedOut) {
		if onTimeout == plan.OnTimeoutPass {
			return VerdictPassOnTimeout
		}
		return VerdictTimedOut
	}

	return VerdictFail
}
