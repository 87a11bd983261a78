package sinks

import (
	"context"
	"sync"

	"scene-sync/engine/logging"
)

// defaultMemoryCap bounds the buffer so long-running scenes cannot
// grow it without limit.
const defaultMemoryCap = 1024

// MemorySink buffers the newest events in memory. Tests and the
// debug overlay read them back with Events.
type MemorySink struct {
	mu     sync.RWMutex
	events []logging.Event
	limit  int
}

func NewMemorySink() *MemorySink {
	return NewMemorySinkWithCapacity(defaultMemoryCap)
}

// NewMemorySinkWithCapacity keeps at most limit events, discarding
// the oldest first.
func NewMemorySinkWithCapacity(limit int) *MemorySink {
	if limit <= 0 {
		limit = defaultMemoryCap
	}
	return &MemorySink{events: make([]logging.Event, 0, limit), limit: limit}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.limit {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, cloneForMemory(event))
	return nil
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]logging.Event, len(s.events))
	copy(copied, s.events)
	return copied
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}

func cloneForMemory(event logging.Event) logging.Event {
	cloned := event
	if len(event.Targets) > 0 {
		cloned.Targets = append([]logging.EntityRef(nil), event.Targets...)
	}
	if event.Extra != nil {
		copied := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			copied[k] = v
		}
		cloned.Extra = copied
	}
	return cloned
}
