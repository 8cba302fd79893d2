// Package store provides state store implementations for the flow
// engine: in-memory for tests, SQLite for single-node durability, and
// MySQL for shared deployments.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/stepflow-go/flow"
)

// Memory is an in-memory flow.Store. Thread-safe; all state is lost
// when the process exits. Records are deep-copied on the way in and
// out so callers never share memory with the store.
type Memory struct {
	mu    sync.RWMutex
	execs map[string]*flow.Execution
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{execs: make(map[string]*flow.Execution)}
}

// Load implements flow.Store.
func (m *Memory) Load(_ context.Context, id string) (*flow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.execs[id]
	if !ok {
		return nil, flow.ErrNotFound
	}
	return e.Clone()
}

// Save implements flow.Store.
func (m *Memory) Save(_ context.Context, e *flow.Execution) error {
	cp, err := e.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[e.ID] = cp
	return nil
}

// Delete implements flow.Store.
func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.execs[id]; !ok {
		return false, nil
	}
	delete(m.execs, id)
	return true, nil
}

// ListWakeReady implements flow.Store.
func (m *Memory) ListWakeReady(_ context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return m.collect(limit, func(e *flow.Execution) bool {
		return e.Status == flow.StatusWaiting && e.WakeAt > 0 && e.WakeAt <= now
	}, func(a, b *flow.Execution) bool { return a.WakeAt < b.WakeAt })
}

// ListByStatus implements flow.Store.
func (m *Memory) ListByStatus(_ context.Context, status flow.Status, limit int) ([]*flow.Execution, error) {
	return m.collect(limit, func(e *flow.Execution) bool {
		return e.Status == status
	}, func(a, b *flow.Execution) bool { return a.CreatedAt < b.CreatedAt })
}

// FindByIdempotencyKey implements flow.Store. When several executions
// carry the same key the most recently created wins.
func (m *Memory) FindByIdempotencyKey(_ context.Context, flowID, key string) (*flow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *flow.Execution
	for _, e := range m.execs {
		if e.FlowID != flowID || e.IdempotencyKey != key {
			continue
		}
		if best == nil || e.CreatedAt > best.CreatedAt {
			best = e
		}
	}
	if best == nil {
		return nil, flow.ErrNotFound
	}
	return best.Clone()
}

// FindChildren implements flow.Store.
func (m *Memory) FindChildren(_ context.Context, parentID string) ([]*flow.Execution, error) {
	return m.collect(0, func(e *flow.Execution) bool {
		return e.ParentExecutionID == parentID
	}, func(a, b *flow.Execution) bool { return a.CreatedAt < b.CreatedAt })
}

// FindTimedOutExecutions implements flow.Store.
func (m *Memory) FindTimedOutExecutions(_ context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return m.collect(limit, func(e *flow.Execution) bool {
		if e.Status.Terminal() || e.Timeouts.ExecutionTimeoutMS <= 0 {
			return false
		}
		return now >= e.CreatedAt+e.Timeouts.ExecutionTimeoutMS
	}, func(a, b *flow.Execution) bool { return a.CreatedAt < b.CreatedAt })
}

// FindTimedOutWaits implements flow.Store.
func (m *Memory) FindTimedOutWaits(_ context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return m.collect(limit, func(e *flow.Execution) bool {
		if e.Status != flow.StatusWaiting || e.Timeouts.WaitTimeoutMS <= 0 || e.WaitStartedAt == 0 {
			return false
		}
		return now >= e.WaitStartedAt+e.Timeouts.WaitTimeoutMS
	}, func(a, b *flow.Execution) bool { return a.WaitStartedAt < b.WaitStartedAt })
}

func (m *Memory) collect(limit int, match func(*flow.Execution) bool, less func(a, b *flow.Execution) bool) ([]*flow.Execution, error) {
	m.mu.RLock()
	var found []*flow.Execution
	for _, e := range m.execs {
		if match(e) {
			found = append(found, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return less(found[i], found[j]) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	out := make([]*flow.Execution, 0, len(found))
	for _, e := range found {
		cp, err := e.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
