package engine

import (
	"testing"
	"time"
)

func TestPauseClockExcludesPausedInterval(t *testing.T) {
	c := NewPauseClock()
	start := time.Now()

	pauseAt := start.Add(5 * time.Second)
	resumeAt := start.Add(10 * time.Second)
	now := start.Add(20 * time.Second)

	c.Pause(pauseAt)
	c.Resume(resumeAt)

	got := c.ElapsedSince(start, now)
	want := 15 * time.Second // 20s raw minus 5s paused
	if got != want {
		t.Fatalf("expected elapsed %v, got %v", want, got)
	}
}

func TestPauseClockInProgressPauseCountsUpToNow(t *testing.T) {
	c := NewPauseClock()
	start := time.Now()

	pauseAt := start.Add(5 * time.Second)
	now := start.Add(8 * time.Second)

	c.Pause(pauseAt)

	got := c.ElapsedSince(start, now)
	want := 5 * time.Second // everything from pauseAt onward is excluded
	if got != want {
		t.Fatalf("expected elapsed %v, got %v", want, got)
	}
}

func TestPauseClockPauseIsIdempotent(t *testing.T) {
	c := NewPauseClock()
	start := time.Now()

	c.Pause(start.Add(time.Second))
	c.Pause(start.Add(2 * time.Second)) // should be a no-op
	c.Resume(start.Add(3 * time.Second))

	got := c.ElapsedSince(start, start.Add(10*time.Second))
	want := 8 * time.Second // 2s of paused time (1s through 3s), not 1s
	if got != want {
		t.Fatalf("expected elapsed %v, got %v", want, got)
	}
}

func TestPauseClockNeverGoesNegative(t *testing.T) {
	c := NewPauseClock()
	now := time.Now()
	c.Pause(now)
	c.Resume(now.Add(time.Hour))

	got := c.ElapsedSince(now, now)
	if got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
