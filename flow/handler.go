package flow

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/stepflow-go/flow/emit"
	"github.com/dshills/stepflow-go/flow/token"
)

// Params is everything a handler receives for one step attempt.
type Params struct {
	// Step is the step definition being executed.
	Step *Step

	// Input is the resolved step input per the step's input selector.
	Input any

	// Context is a read-only snapshot of the execution context. Mutating
	// it has no effect on the execution; state flows back through the
	// Result's output.
	Context map[string]any

	// Vars wraps the same snapshot with the bounded helpers: Get
	// dereferences the external-tier markers that appear opaque in
	// Context. Reads only; writes flow back through the Result.
	Vars *Context

	// Execution is a copy of the execution record for handlers that need
	// identifiers or metadata.
	Execution *Execution

	// Tokens lets waiting handlers mint resume tokens. Nil when the
	// engine has no token manager.
	Tokens token.Manager
}

// Handler executes one step type. Execute must honor ctx cancellation;
// the engine enforces a per-step timeout and ignores results that
// arrive after it.
type Handler interface {
	Type() string
	Execute(ctx context.Context, p Params) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	typ string
	fn  func(ctx context.Context, p Params) Result
}

// NewHandler wraps a function as a Handler for the given step type.
func NewHandler(typ string, fn func(ctx context.Context, p Params) Result) *HandlerFunc {
	return &HandlerFunc{typ: typ, fn: fn}
}

// Type returns the step type this handler serves.
func (h *HandlerFunc) Type() string { return h.typ }

// Execute runs the wrapped function.
func (h *HandlerFunc) Execute(ctx context.Context, p Params) Result {
	return h.fn(ctx, p)
}

// ConfigValidator is an optional handler extension: a flow Registry
// built with WithHandlerValidation runs each step's config through its
// handler's ValidateConfig at flow registration.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Descriptor documents a handler for discovery surfaces.
type Descriptor struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Describer is an optional handler extension providing a Descriptor.
type Describer interface {
	Describe() Descriptor
}

// HandlerRegistry maps step types to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	em       emit.Emitter
}

// NewHandlerRegistry creates an empty handler registry. An optional
// emitter publishes handler.registered events.
func NewHandlerRegistry(em emit.Emitter) *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler), em: em}
}

// Register adds a handler for its step type. Registering a duplicate
// type is rejected.
func (r *HandlerRegistry) Register(h Handler) error {
	if h == nil || h.Type() == "" {
		return NewError(CodeFlowInvalid, "handler must declare a step type")
	}

	r.mu.Lock()
	if _, dup := r.handlers[h.Type()]; dup {
		r.mu.Unlock()
		return NewError(CodeFlowInvalid, "handler type already registered: "+h.Type())
	}
	r.handlers[h.Type()] = h
	r.mu.Unlock()

	if r.em != nil {
		r.em.Emit(emit.Event{
			Type:      emit.TypeHandlerRegistered,
			Timestamp: nowMillis(),
			Meta:      map[string]any{"handlerType": h.Type()},
		})
	}
	return nil
}

// Get returns the handler for a step type.
func (r *HandlerRegistry) Get(typ string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[typ]
	if !ok {
		return nil, NewError(CodeHandlerNotFound, "no handler registered for type: "+typ)
	}
	return h, nil
}

// Has reports whether a handler is registered for the type.
func (r *HandlerRegistry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typ]
	return ok
}

// Types returns the registered step types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for typ := range r.handlers {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Describe returns descriptors for every registered handler, sorted by
// type. Handlers that do not implement Describer get a bare descriptor.
func (r *HandlerRegistry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.handlers))
	for typ, h := range r.handlers {
		if d, ok := h.(Describer); ok {
			out = append(out, d.Describe())
			continue
		}
		out = append(out, Descriptor{Type: typ})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
