package clock

import (
	"sync"
	"time"
)

// Clock returns the current time as nanoseconds since epoch. The engine reads
// time only through a Clock so tests can drive it.
type Clock interface {
	NowNs() int64
}

// System is the wall clock.
type System struct{}

func (System) NowNs() int64 {
	return time.Now().UnixNano()
}

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now int64
}

func NewManual(startNs int64) *Manual {
	return &Manual{now: startNs}
}

func (m *Manual) NowNs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to ns. Going backwards is allowed for tests that need it.
func (m *Manual) Set(ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = ns
}

// Advance moves the clock forward by d nanoseconds and returns the new time.
func (m *Manual) Advance(d int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d
	return m.now
}
