package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemManager is an in-memory Manager for tests and single-process
// deployments. Thread-safe; all state is lost when the process exits.
type MemManager struct {
	mu      sync.RWMutex
	tokens  map[string]*Token
	byExec  map[string][]string
	now     func() int64
}

// NewMemManager creates an empty in-memory manager.
func NewMemManager() *MemManager {
	return &MemManager{
		tokens: make(map[string]*Token),
		byExec: make(map[string][]string),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the time source, for tests.
func (m *MemManager) SetClock(now func() int64) { m.now = now }

// Generate mints a new active token.
func (m *MemManager) Generate(_ context.Context, executionID, stepID string, opts *GenerateOptions) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Token{
		Token:       uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      StatusActive,
		CreatedAt:   m.now(),
	}
	if opts != nil {
		if opts.ExpiresInMS > 0 {
			t.ExpiresAt = t.CreatedAt + opts.ExpiresInMS
		}
		t.Metadata = opts.Metadata
	}

	m.tokens[t.Token] = t
	m.byExec[executionID] = append(m.byExec[executionID], t.Token)
	return clone(t), nil
}

// Get returns the token record.
func (m *MemManager) Get(_ context.Context, tok string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[tok]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

// Validate checks whether the token can be presented right now.
func (m *MemManager) Validate(_ context.Context, tok string) (*Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tok]
	if !ok {
		return &Validation{Valid: false, Reason: "not found"}, nil
	}
	m.lapse(t)
	switch t.Status {
	case StatusActive:
		return &Validation{Valid: true}, nil
	case StatusExpired:
		return &Validation{Valid: false, Reason: "expired"}, nil
	case StatusUsed:
		return &Validation{Valid: false, Reason: "already used"}, nil
	default:
		return &Validation{Valid: false, Reason: "revoked"}, nil
	}
}

// MarkUsed transitions an active token to used.
func (m *MemManager) MarkUsed(_ context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tok]
	if !ok {
		return ErrNotFound
	}
	t.Status = StatusUsed
	return nil
}

// Revoke transitions a token to revoked.
func (m *MemManager) Revoke(_ context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tok]
	if !ok {
		return ErrNotFound
	}
	t.Status = StatusRevoked
	return nil
}

// ListByExecution returns every token bound to an execution.
func (m *MemManager) ListByExecution(_ context.Context, executionID string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Token
	for _, tok := range m.byExec[executionID] {
		if t, ok := m.tokens[tok]; ok {
			m.lapse(t)
			out = append(out, clone(t))
		}
	}
	return out, nil
}

// CleanupExpired marks lapsed active tokens expired.
func (m *MemManager) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.tokens {
		if t.Status == StatusActive && t.ExpiresAt > 0 && m.now() > t.ExpiresAt {
			t.Status = StatusExpired
			count++
		}
	}
	return count, nil
}

// lapse flips an active token to expired when its deadline has passed.
// Callers must hold the write lock.
func (m *MemManager) lapse(t *Token) {
	if t.Status == StatusActive && t.ExpiresAt > 0 && m.now() > t.ExpiresAt {
		t.Status = StatusExpired
	}
}

func clone(t *Token) *Token {
	out := *t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
