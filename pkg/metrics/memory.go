package metrics

import "sync"

// MemoryObserver retains events in memory. Used by tests and the example
// CLI to inspect what the dispatch loop recorded.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
	limit  int
}

// NewMemoryObserver keeps up to limit events, oldest evicted first.
// limit <= 0 means unbounded.
func NewMemoryObserver(limit int) *MemoryObserver {
	return &MemoryObserver{limit: limit}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// Events returns a snapshot in arrival order.
func (m *MemoryObserver) Events() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the subset of events with the given name, in order.
func (m *MemoryObserver) Named(name string) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MetricsEvent
	for _, ev := range m.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
