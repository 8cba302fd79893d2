package emit

// Emitter receives lifecycle events from the engine.
//
// Implementations must be:
//   - Non-blocking: never slow down a Tick
//   - Thread-safe: the engine may emit from several goroutines
//   - Resilient: an emitter failure must never surface to the engine
type Emitter interface {
	// Emit delivers one event. Emit must not panic; internal errors
	// should be swallowed or logged by the implementation.
	Emit(event Event)
}

// NullEmitter discards every event. It is the engine default when no
// emitter is configured.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (*NullEmitter) Emit(Event) {}

// Multi fans every event out to several emitters in order.
type Multi []Emitter

// Emit delivers the event to each wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
