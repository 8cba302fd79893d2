package emit

import "sync"

// BufferedEmitter stores every event in memory and supports querying
// by execution and type.
//
// Intended for tests and post-run analysis. All events stay resident,
// so production deployments with long-lived workflows should prefer the
// log or OTel emitters.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events []Event
}

// NewBufferedEmitter creates an empty buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{}
}

// Emit appends the event to the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of everything captured, in emission order.
func (b *BufferedEmitter) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// ByExecution returns the captured events for one execution.
func (b *BufferedEmitter) ByExecution(executionID string) []Event {
	return b.filter(func(e Event) bool { return e.ExecutionID == executionID })
}

// ByType returns the captured events of one type.
func (b *BufferedEmitter) ByType(eventType string) []Event {
	return b.filter(func(e Event) bool { return e.Type == eventType })
}

// CountType returns how many events of the given type were captured.
func (b *BufferedEmitter) CountType(eventType string) int {
	return len(b.ByType(eventType))
}

// Clear discards every captured event.
func (b *BufferedEmitter) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

func (b *BufferedEmitter) filter(keep func(Event) bool) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
