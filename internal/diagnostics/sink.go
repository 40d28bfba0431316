package diagnostics

import (
	"context"
	"log"
	"sync"
	"time"
)

type Kind string

const (
	KindDeliveryFailed    Kind = "delivery_failed"
	KindStorageCorruption Kind = "storage_corruption"
	KindSequenceGap       Kind = "sequence_gap"
	KindInvariant         Kind = "invariant_violation"
	KindTracking          Kind = "tracking_error"
)

type Event struct {
	Kind     Kind      `json:"kind"`
	Sequence int64     `json:"sequence,omitempty"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Sink receives diagnostics. Implementations must not block the caller for
// long; the delivery worker reports from its duty cycle.
type Sink interface {
	Report(ctx context.Context, event Event)
}

// MemorySink keeps the most recent events up to a fixed capacity.
type MemorySink struct {
	mu     sync.Mutex
	cap    int
	events []Event
	total  int
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemorySink{cap: capacity}
}

func (s *MemorySink) Report(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.events) == s.cap {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, event)
}

// Events returns a copy of the retained events, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Total counts every event reported, including those no longer retained.
func (s *MemorySink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type LogSink struct{}

func (LogSink) Report(_ context.Context, event Event) {
	if event.Sequence != 0 {
		log.Printf("diagnostic %s seq=%d: %s", event.Kind, event.Sequence, event.Reason)
		return
	}
	log.Printf("diagnostic %s: %s", event.Kind, event.Reason)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Report(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, event)
		}
	}
}
