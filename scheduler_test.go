package tenantsync

import (
	"testing"
	"time"
)

func TestManualSchedulerFiresInOrder(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched := NewManualScheduler(start)

	var fired []string
	sched.After(3*time.Second, func() { fired = append(fired, "c") })
	sched.After(time.Second, func() { fired = append(fired, "a") })
	sched.After(2*time.Second, func() { fired = append(fired, "b") })

	sched.Advance(90 * time.Second)
	if len(fired) != 3 || fired[0] != "a" || fired[1] != "b" || fired[2] != "c" {
		t.Fatalf("expected chronological firing order a,b,c, got %v", fired)
	}
	if got := sched.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("expected now %v, got %v", start.Add(90*time.Second), got)
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", sched.Pending())
	}
}

func TestManualSchedulerCancel(t *testing.T) {
	sched := NewManualScheduler(time.Unix(0, 0))
	fired := false
	cancel := sched.After(time.Second, func() { fired = true })
	if !cancel() {
		t.Fatalf("expected cancel to report the timer was pending")
	}
	if cancel() {
		t.Fatalf("expected second cancel to report nothing pending")
	}
	sched.Advance(5 * time.Second)
	if fired {
		t.Fatalf("cancelled timer must not fire")
	}
}

func TestManualSchedulerCallbackCanReschedule(t *testing.T) {
	sched := NewManualScheduler(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			sched.After(time.Second, tick)
		}
	}
	sched.After(time.Second, tick)
	sched.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 chained ticks, got %d", count)
	}
}
