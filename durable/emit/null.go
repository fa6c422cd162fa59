package emit

// NullEmitter discards every event. It is the default emitter of a durable
// handler.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
