package tenantsync

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc stops a scheduled callback. It reports whether the callback
// was still pending.
type CancelFunc func() bool

// Scheduler abstracts one-shot timers so refresh and retraction timing
// can be driven by virtual time in tests.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) CancelFunc
}

type realScheduler struct{}

// NewScheduler returns the wall-clock Scheduler used in production.
func NewScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) After(d time.Duration, fn func()) CancelFunc {
	timer := time.AfterFunc(d, fn)
	return timer.Stop
}

// ManualScheduler is a deterministic Scheduler for tests. Time only moves
// when Advance is called; due callbacks run synchronously inside Advance
// in firing order.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	id int
	at time.Time
	fn func()
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{
		now:    start,
		timers: map[int]*manualTimer{},
	}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) After(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.nextID++
	id := s.nextID
	s.timers[id] = &manualTimer{id: id, at: s.now.Add(d), fn: fn}
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.timers[id]; !ok {
			return false
		}
		delete(s.timers, id)
		return true
	}
}

// Advance moves virtual time forward and fires every timer that becomes
// due, in chronological order. Callbacks run outside the scheduler lock
// so they may schedule further timers.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var due *manualTimer
		for _, timer := range s.timers {
			if timer.at.After(target) {
				continue
			}
			if due == nil || timer.at.Before(due.at) || (timer.at.Equal(due.at) && timer.id < due.id) {
				due = timer
			}
		}
		if due == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		delete(s.timers, due.id)
		if due.at.After(s.now) {
			s.now = due.at
		}
		s.mu.Unlock()
		due.fn()
	}
}

// Pending returns the number of armed timers, useful for asserting that
// teardown cancelled everything.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// PendingAt returns the fire times of armed timers in ascending order.
func (s *ManualScheduler) PendingAt() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]time.Time, 0, len(s.timers))
	for _, timer := range s.timers {
		times = append(times, timer.at)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times
}
