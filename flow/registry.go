package flow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/stepflow-go/flow/emit"
	"github.com/dshills/stepflow-go/flow/table"
)

// Registry holds immutable flow definitions keyed by (ID, Version).
// Registration validates the flow; re-registering the same (ID,
// Version) is rejected so a running execution can never see its
// definition change underneath it.
type Registry struct {
	mu       sync.RWMutex
	flows    map[string]map[string]*Flow // flowID -> version -> flow
	tables   table.Registry
	handlers *HandlerRegistry
	em       emit.Emitter
}

// RegistryOption tunes registry construction.
type RegistryOption func(*Registry)

// WithTableRegistry enables pipe hookup validation at registration:
// every pipe's target table must exist and its column mappings must
// satisfy the table schema.
func WithTableRegistry(tables table.Registry) RegistryOption {
	return func(r *Registry) { r.tables = tables }
}

// WithHandlerValidation enables step config validation at registration:
// when a step's handler is registered and implements ConfigValidator,
// its config is checked before the flow is accepted. Steps whose
// handler is not yet registered are skipped.
func WithHandlerValidation(handlers *HandlerRegistry) RegistryOption {
	return func(r *Registry) { r.handlers = handlers }
}

// WithRegistryEmitter publishes flow.registered events.
func WithRegistryEmitter(em emit.Emitter) RegistryOption {
	return func(r *Registry) { r.em = em }
}

// NewRegistry creates an empty flow registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{flows: make(map[string]map[string]*Flow)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a flow definition.
func (r *Registry) Register(ctx context.Context, f *Flow) error {
	if f == nil {
		return NewError(CodeFlowInvalid, "flow is nil")
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if r.tables != nil {
		if err := r.validateHookups(ctx, f); err != nil {
			return err
		}
	}
	if r.handlers != nil {
		if err := r.validateConfigs(f); err != nil {
			return err
		}
	}

	r.mu.Lock()
	versions, ok := r.flows[f.ID]
	if !ok {
		versions = make(map[string]*Flow)
		r.flows[f.ID] = versions
	}
	if _, dup := versions[f.Version]; dup {
		r.mu.Unlock()
		return NewError(CodeFlowInvalid,
			fmt.Sprintf("flow %s version %s is already registered", f.ID, f.Version))
	}
	versions[f.Version] = f
	r.mu.Unlock()

	if r.em != nil {
		r.em.Emit(emit.Event{
			Type:      emit.TypeFlowRegistered,
			Timestamp: nowMillis(),
			FlowID:    f.ID,
			Meta:      map[string]any{"version": f.Version, "steps": len(f.Steps)},
		})
	}
	return nil
}

// validateConfigs runs each step's config through its handler's
// ConfigValidator, for the handlers that are registered and opt in.
func (r *Registry) validateConfigs(f *Flow) error {
	for _, step := range f.Steps {
		h, err := r.handlers.Get(step.Type)
		if err != nil {
			continue
		}
		cv, ok := h.(ConfigValidator)
		if !ok {
			continue
		}
		if err := cv.ValidateConfig(step.Config); err != nil {
			return WrapError(CodeFlowInvalid,
				fmt.Sprintf("step %q config invalid in flow %s", step.ID, f.ID), err)
		}
	}
	return nil
}

// validateHookups checks every pipe against its target table's schema.
func (r *Registry) validateHookups(ctx context.Context, f *Flow) error {
	for _, pipe := range f.Pipes {
		schema, err := r.tables.Schema(ctx, pipe.TableID)
		if err != nil {
			return WrapError(CodeFlowInvalid,
				fmt.Sprintf("pipe %q targets unknown table %q in flow %s", pipe.ID, pipe.TableID, f.ID), err)
		}
		columns := make([]string, 0, len(pipe.Mappings)+len(pipe.StaticValues))
		for _, m := range pipe.Mappings {
			columns = append(columns, m.ColumnID)
		}
		for col := range pipe.StaticValues {
			columns = append(columns, col)
		}
		if errs := table.ValidatePipeTarget(schema, columns); len(errs) > 0 {
			first := errs[0]
			first.PipeID = pipe.ID
			return WrapError(CodeFlowInvalid,
				fmt.Sprintf("pipe %q hookup invalid in flow %s", pipe.ID, f.ID), first)
		}
	}
	return nil
}

// Get returns a specific version of a flow, or the latest registered
// version when version is empty. Latest is decided by lenient semver
// ordering over the version strings.
func (r *Registry) Get(flowID, version string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.flows[flowID]
	if !ok || len(versions) == 0 {
		return nil, NewError(CodeFlowNotFound, "flow not found: "+flowID)
	}
	if version != "" {
		f, ok := versions[version]
		if !ok {
			return nil, NewError(CodeFlowNotFound,
				fmt.Sprintf("flow %s has no version %s", flowID, version))
		}
		return f, nil
	}

	var latest *Flow
	for _, f := range versions {
		if latest == nil || compareVersions(f.Version, latest.Version) > 0 {
			latest = f
		}
	}
	return latest, nil
}

// Has reports whether any version of the flow is registered.
func (r *Registry) Has(flowID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows[flowID]) > 0
}

// FlowIDs returns the registered flow IDs, sorted.
func (r *Registry) FlowIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Versions returns the registered versions of a flow, oldest first.
func (r *Registry) Versions(flowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.flows[flowID]))
	for v := range r.flows[flowID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return compareVersions(out[i], out[j]) < 0 })
	return out
}

// compareVersions orders two version strings leniently: dot-separated
// segments compare numerically when both parse as integers, lexically
// otherwise; a missing segment counts as zero. "1.10.0" sorts above
// "1.9.2" and plain strings still get a stable order.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		case errA == nil:
			// numeric sorts above non-numeric at the same position
			if sb == "" {
				if na != 0 {
					return 1
				}
				continue
			}
			return 1
		case errB == nil:
			if sa == "" {
				if nb != 0 {
					return -1
				}
				continue
			}
			return -1
		default:
			if sa != sb {
				if sa < sb {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}
