package main

import (
	"sync"

	"EscrowVault/internal/event"
	"EscrowVault/internal/observability"
)

// fanoutSink hands engine history records to the persistence worker and the
// outbound publisher. The persist channel blocks (backpressure), the publish
// channel drops when full; Postgres stays authoritative.
type fanoutSink struct {
	mu      sync.RWMutex
	closed  bool
	persist chan event.Record
	publish chan event.Record
	metrics *observability.Metrics
}

func newFanoutSink(persistSize, publishSize int, metrics *observability.Metrics) *fanoutSink {
	s := &fanoutSink{
		persist: make(chan event.Record, persistSize),
		metrics: metrics,
	}
	if publishSize > 0 {
		s.publish = make(chan event.Record, publishSize)
	}
	return s
}

func (s *fanoutSink) Emit(rec event.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	s.persist <- rec

	if s.publish != nil {
		select {
		case s.publish <- rec:
		default:
			if s.metrics != nil {
				s.metrics.PublishDrops.Inc()
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SetChannelMetrics("persist", len(s.persist), cap(s.persist))
		if s.publish != nil {
			s.metrics.SetChannelMetrics("publish", len(s.publish), cap(s.publish))
		}
	}
}

// Close stops accepting records and closes both channels so their consumers
// drain and return. Later Emits are ignored.
func (s *fanoutSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.persist)
	if s.publish != nil {
		close(s.publish)
	}
}
