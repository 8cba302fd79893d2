package emit

import "sync"

// Listener receives events from a Bus subscription.
type Listener func(Event)

// Wildcard subscribes a listener to every event type.
const Wildcard = "*"

// Bus is an Emitter with a per-type listener registry.
//
// In sync mode listeners run inline on the emitting goroutine, which
// keeps event ordering deterministic for tests. In async mode (the
// default) each Emit schedules dispatch on its own goroutine so a slow
// listener cannot stall a Tick; per-event listener order is still
// preserved within that goroutine.
//
// A listener panic is recovered and never reaches other listeners or
// the engine.
type Bus struct {
	mu        sync.RWMutex
	sync      bool
	nextID    int
	listeners map[string]map[int]Listener
}

// NewBus creates an async bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string]map[int]Listener)}
}

// NewSyncBus creates a bus that dispatches inline, for tests.
func NewSyncBus() *Bus {
	b := NewBus()
	b.sync = true
	return b
}

// Subscribe registers a listener for one event type (or Wildcard for
// all). The returned function removes the subscription; calling it more
// than once is safe.
func (b *Bus) Subscribe(eventType string, l Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	set, ok := b.listeners[eventType]
	if !ok {
		set = make(map[int]Listener)
		b.listeners[eventType] = set
	}
	set[id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[eventType], id)
	}
}

// Emit dispatches the event to every listener registered for its type
// plus the wildcard set.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[event.Type])+len(b.listeners[Wildcard]))
	for _, l := range b.listeners[event.Type] {
		targets = append(targets, l)
	}
	for _, l := range b.listeners[Wildcard] {
		targets = append(targets, l)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	if b.sync {
		dispatch(targets, event)
		return
	}
	go dispatch(targets, event)
}

func dispatch(targets []Listener, event Event) {
	for _, l := range targets {
		invoke(l, event)
	}
}

// invoke isolates a single listener call so one panic cannot take down
// the others.
func invoke(l Listener, event Event) {
	defer func() { _ = recover() }()
	l(event)
}
