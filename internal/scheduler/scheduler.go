package scheduler

import (
	"sync"
	"time"

	"EscrowVault/internal/clock"
)

// Handle identifies one armed callback. Zero is never issued.
type Handle uint64

// Callback receives the handle it was armed under so the receiver can detect
// stale or duplicate deliveries.
type Callback func(h Handle)

// Scheduler fires a callback once at or after a timestamp.
type Scheduler interface {
	ScheduleAt(atNs int64, fn Callback) Handle
	// Cancel disarms h. It reports whether h was still armed.
	Cancel(h Handle) bool
}

// TimerScheduler runs callbacks on their own goroutine via time.AfterFunc.
type TimerScheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
	closed bool
}

func NewTimerScheduler(c clock.Clock) *TimerScheduler {
	return &TimerScheduler{
		clock:  c,
		timers: make(map[Handle]*time.Timer),
	}
}

func (s *TimerScheduler) ScheduleAt(atNs int64, fn Callback) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	h := s.next
	if s.closed {
		return h
	}

	delay := time.Duration(atNs - s.clock.NowNs())
	if delay < 0 {
		delay = 0
	}

	s.timers[h] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, armed := s.timers[h]
		delete(s.timers, h)
		s.mu.Unlock()

		if armed {
			fn(h)
		}
	})
	return h
}

func (s *TimerScheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[h]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, h)
	return true
}

// Pending returns the number of armed timers.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every armed timer; later ScheduleAt calls never fire.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
	s.closed = true
}
