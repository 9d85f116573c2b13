package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it to disable event emission without changing code. Safe for
// concurrent use and has zero overhead.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
