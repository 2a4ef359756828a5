package engine

import (
	"testing"
	"time"

	"github.com/jpequegn/procrun/internal/plan"
)

type fixedJitter struct{ v float64 }

func (f fixedJitter) Float64() float64 { return f.v }

func TestRetryPlannerNoRetryOnSuccess(t *testing.T) {
	p := NewRetryPlanner()
	d := p.Decide(plan.RetryPolicy{TotalAttempts: 3}, 1, AttemptOutcome{Kind: OutcomePassed}, plan.OnTimeoutFail, false)
	if d.Retry {
		t.Fatal("expected no retry after a passing attempt")
	}
}

func TestRetryPlannerNoRetryWhenCancelling(t *testing.T) {
	p := NewRetryPlanner()
	d := p.Decide(plan.RetryPolicy{TotalAttempts: 3}, 1, AttemptOutcome{Kind: OutcomeFailed}, plan.OnTimeoutFail, true)
	if d.Retry {
		t.Fatal("expected no retry once the run is cancelling")
	}
}

func TestRetryPlannerStopsAtTotalAttempts(t *testing.T) {
	p := NewRetryPlanner()
	d := p.Decide(plan.RetryPolicy{TotalAttempts: 2}, 2, AttemptOutcome{Kind: OutcomeFailed}, plan.OnTimeoutFail, false)
	if d.Retry {
		t.Fatal("expected no retry once total attempts are exhausted")
	}
}

func TestRetryPlannerNoRetryOnTimeoutUnderOnTimeoutPass(t *testing.T) {
	p := NewRetryPlanner()
	policy := plan.RetryPolicy{TotalAttempts: 3, Backoff: plan.BackoffFixed, FixedDelay: time.Second}
	d := p.Decide(policy, 1, AttemptOutcome{Kind: OutcomeTimedOut}, plan.OnTimeoutPass, false)
	if d.Retry {
		t.Fatal("expected no retry: a TimedOut outcome under OnTimeoutPass is itself a pass")
	}
}

func TestRetryPlannerRetriesOnTimeoutUnderOnTimeoutFail(t *testing.T) {
	p := NewRetryPlannerWithSource(fixedJitter{0.5})
	policy := plan.RetryPolicy{TotalAttempts: 3, Backoff: plan.BackoffFixed, FixedDelay: time.Second}
	d := p.Decide(policy, 1, AttemptOutcome{Kind: OutcomeTimedOut}, plan.OnTimeoutFail, false)
	if !d.Retry {
		t.Fatal("expected a retry: a TimedOut outcome under OnTimeoutFail is a failure with attempts remaining")
	}
}

func TestRetryPlannerFixedDelay(t *testing.T) {
	p := NewRetryPlannerWithSource(fixedJitter{0.5})
	policy := plan.RetryPolicy{TotalAttempts: 3, Backoff: plan.BackoffFixed, FixedDelay: time.Second}
	d := p.Decide(policy, 1, AttemptOutcome{Kind: OutcomeFailed}, plan.OnTimeoutFail, false)
	if !d.Retry {
		t.Fatal("expected a retry")
	}
	if d.Delay != time.Second {
		t.Fatalf("expected fixed delay of 1s, got %v", d.Delay)
	}
}

func TestRetryPlannerExponentialBackoffCapsAtMaxDelay(t *testing.T) {
	p := NewRetryPlannerWithSource(fixedJitter{0.5})
	policy := plan.RetryPolicy{
		TotalAttempts: 5,
		Backoff:       plan.BackoffExponential,
		InitialDelay:  time.Second,
		Factor:        2,
		MaxDelay:      3 * time.Second,
	}
	d := p.Decide(policy, 4, AttemptOutcome{Kind: OutcomeFailed}, plan.OnTimeoutFail, false)
	if d.Delay != 3*time.Second {
		t.Fatalf("expected delay capped at max 3s, got %v", d.Delay)
	}
}

func TestRetryPlannerJitterScalesDelay(t *testing.T) {
	policy := plan.RetryPolicy{TotalAttempts: 2, Backoff: plan.BackoffFixed, FixedDelay: time.Second, Jitter: true}

	low := NewRetryPlannerWithSource(fixedJitter{0})
	high := NewRetryPlannerWithSource(fixedJitter{0.999})

	dLow := low.Decide(policy, 1, AttemptOutcome{Kind: OutcomeFailed}, plan.OnTimeoutFail, false).Delay
	dHigh := high.Decide(policy, 1, AttemptOutcome{Kind: OutcomeFailed}, plan.OnTimeoutFail, false).Delay

	if dLow >= dHigh {
		t.Fatalf("expected jitter to spread delays across [0.5,1.5): low=%v high=%v", dLow, dHigh)
	}
}

func TestVerdictPassOnFirstAttempt(t *testing.T) {
	v := Verdict([]AttemptOutcome{{Kind: OutcomePassed}}, plan.OnTimeoutFail, false)
	if v != VerdictPass {
		t.Fatalf("expected VerdictPass, got %v", v)
	}
}

func TestVerdictFlakyWhenLaterAttemptPasses(t *testing.T) {
	v := Verdict([]AttemptOutcome{{Kind: OutcomeFailed}, {Kind: OutcomePassed}}, plan.OnTimeoutFail, false)
	if v != VerdictFlaky {
		t.Fatalf("expected VerdictFlaky, got %v", v)
	}
}

func TestVerdictTimedOutRespectsOnTimeoutPolicy(t *testing.T) {
	history := []AttemptOutcome{{Kind: OutcomeTimedOut}}

	if v := Verdict(history, plan.OnTimeoutFail, false); v != VerdictTimedOut {
		t.Fatalf("expected VerdictTimedOut, got %v", v)
	}
	if v := Verdict(history, plan.OnTimeoutPass, false); v != VerdictPassOnTimeout {
		t.Fatalf("expected VerdictPassOnTimeout, got %v", v)
	}
}

func TestVerdictCancelledOverridesHistory(t *testing.T) {
	history := []AttemptOutcome{{Kind: OutcomeCancelled}}
	if v := Verdict(history, plan.OnTimeoutFail, true); v != VerdictCancelled {
		t.Fatalf("expected VerdictCancelled, got %v", v)
	}
}

func TestVerdictFailOnPlainFailure(t *testing.T) {
	v := Verdict([]AttemptOutcome{{Kind: OutcomeFailed}}, plan.OnTimeoutFail, false)
	if v != VerdictFail {
		t.Fatalf("expected VerdictFail, got %v", v)
	}
}
