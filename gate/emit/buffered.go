package emit

import "sync"

// DefaultBufferCap is the event capacity of a BufferedEmitter created with
// NewBufferedEmitter.
const DefaultBufferCap = 4096

// BufferedEmitter implements Emitter by storing events in a bounded
// in-memory ring. When the buffer is full the oldest event is dropped.
//
// Use cases:
//   - Development and debugging
//   - Testing and validation
//   - Post-run analysis of a replay session
//
// Thread-safe for concurrent emit and query.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events []Event
	cap    int
}

// NewBufferedEmitter creates a BufferedEmitter with DefaultBufferCap.
func NewBufferedEmitter() *BufferedEmitter {
	return NewBufferedEmitterCap(DefaultBufferCap)
}

// NewBufferedEmitterCap creates a BufferedEmitter holding at most capacity
// events. A capacity of zero or less falls back to DefaultBufferCap.
func NewBufferedEmitterCap(capacity int) *BufferedEmitter {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &BufferedEmitter{cap: capacity}
}

// Emit stores an event, evicting the oldest when full.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= b.cap {
		b.events = b.events[1:]
	}
	b.events = append(b.events, event)
}

// Events returns a copy of the buffered events in emit order.
func (b *BufferedEmitter) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// EventsByKind returns the buffered events matching kind, in emit order.
func (b *BufferedEmitter) EventsByKind(kind string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// EventsByAgent returns the buffered events for one agent, in emit order.
func (b *BufferedEmitter) EventsByAgent(agent string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if e.Agent == agent {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all buffered events.
func (b *BufferedEmitter) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}
