// Package fanout publishes relay events to live subscribers. This file
// provides an in-memory Publisher used by tests and as a harmless default
// when no hub is wired.
package fanout

import "sync"

// Memory records published events. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory { return &Memory{} }

// Publish implements Publisher.
func (m *Memory) Publish(accountID string, ev Event) {
	ev.AccountID = accountID
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns published events of one type, in order.
func (m *Memory) ByType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
