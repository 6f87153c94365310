package scheduler

import (
	"sort"
	"sync"
)

// Entry is an armed callback in a ManualScheduler.
type Entry struct {
	Handle Handle
	AtNs   int64
}

// ManualScheduler records armed callbacks and fires them only on demand.
type ManualScheduler struct {
	mu        sync.Mutex
	next      Handle
	armed     map[Handle]scheduled
	retired   map[Handle]scheduled
	cancelled int
}

type scheduled struct {
	atNs int64
	fn   Callback
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		armed:   make(map[Handle]scheduled),
		retired: make(map[Handle]scheduled),
	}
}

func (m *ManualScheduler) ScheduleAt(atNs int64, fn Callback) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.armed[m.next] = scheduled{atNs: atNs, fn: fn}
	return m.next
}

func (m *ManualScheduler) Cancel(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.armed[h]
	if !ok {
		return false
	}
	delete(m.armed, h)
	m.retired[h] = s
	m.cancelled++
	return true
}

// Armed returns the armed entries ordered by time, then handle.
func (m *ManualScheduler) Armed() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.armed))
	for h, s := range m.armed {
		out = append(out, Entry{Handle: h, AtNs: s.atNs})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AtNs != out[j].AtNs {
			return out[i].AtNs < out[j].AtNs
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

// Cancelled returns how many callbacks were disarmed.
func (m *ManualScheduler) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Fire runs an armed callback synchronously. It reports false if h is not armed.
func (m *ManualScheduler) Fire(h Handle) bool {
	m.mu.Lock()
	s, ok := m.armed[h]
	if ok {
		delete(m.armed, h)
		m.retired[h] = s
	}
	m.mu.Unlock()

	if ok {
		s.fn(h)
	}
	return ok
}

// FireDue fires, in time order, every callback armed at or before nowNs,
// including ones armed by callbacks fired in this pass. Returns the count.
func (m *ManualScheduler) FireDue(nowNs int64) int {
	fired := 0
	for {
		var due *Entry
		for _, e := range m.Armed() {
			if e.AtNs <= nowNs {
				e := e
				due = &e
			}
			break
		}
		if due == nil {
			return fired
		}
		if m.Fire(due.Handle) {
			fired++
		}
	}
}

// Redeliver invokes a callback that already fired or was cancelled, as a
// duplicate or late delivery would.
func (m *ManualScheduler) Redeliver(h Handle) bool {
	m.mu.Lock()
	s, ok := m.retired[h]
	m.mu.Unlock()

	if ok {
		s.fn(h)
	}
	return ok
}
