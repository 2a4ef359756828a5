package engine

import (
	"context"
	"testing"
	"time"
)

func TestTimeoutControllerFiresTicksAndTerminates(t *testing.T) {
	ctrl := NewTimeoutController(NewPauseClock())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var ticks []int
	var terminated bool
	willTerminate := ctrl.Watch(ctx, time.Now(), 30*time.Millisecond, 2, func(tick int, willTerm bool) {
		ticks = append(ticks, tick)
		if willTerm {
			terminated = true
		}
	})

	if !willTerminate {
		t.Fatal("expected Watch to report termination")
	}
	if !terminated {
		t.Fatal("expected the terminating tick's willTerminate flag to be set")
	}
	if len(ticks) != 2 {
		t.Fatalf("expected exactly 2 ticks before terminate-after=2, got %v", ticks)
	}
}

func TestTimeoutControllerStopsOnContextDone(t *testing.T) {
	ctrl := NewTimeoutController(NewPauseClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	willTerminate := ctrl.Watch(ctx, time.Now(), time.Second, 0, func(int, bool) {
		t.Fatal("tick should never fire once context is already done")
	})
	if willTerminate {
		t.Fatal("expected Watch to return false when stopped by context cancellation")
	}
}

func TestTimeoutControllerDisabledWhenSlowPeriodZero(t *testing.T) {
	ctrl := NewTimeoutController(NewPauseClock())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	willTerminate := ctrl.Watch(ctx, time.Now(), 0, 1, func(int, bool) {
		t.Fatal("tick should never fire when slowPeriod<=0")
	})
	if willTerminate {
		t.Fatal("expected no termination when slow-tick tracking is disabled")
	}
}

func TestGlobalDeadlineNilWhenDisabled(t *testing.T) {
	ch := GlobalDeadline(context.Background(), time.Now(), 0)
	if ch != nil {
		t.Fatal("expected a nil channel when timeout<=0")
	}
}

func TestGlobalDeadlineFiresAfterTimeout(t *testing.T) {
	start := time.Now()
	ch := GlobalDeadline(context.Background(), start, 20*time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected global deadline channel to close within a second")
	}
}
