package flow

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store implementations when an execution ID
// is unknown.
var ErrNotFound = errors.New("execution not found")

// Store persists execution records. The engine follows a strict
// load-execute-save cycle per Tick; implementations must persist the
// full record atomically and serialize concurrent saves of the same
// execution (last write wins is acceptable, torn writes are not).
type Store interface {
	// Load returns the execution, or ErrNotFound.
	Load(ctx context.Context, id string) (*Execution, error)

	// Save persists the full record, inserting or replacing.
	Save(ctx context.Context, e *Execution) error

	// Delete removes an execution, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// ListWakeReady returns waiting executions whose WakeAt is non-zero
	// and <= now, oldest wake first.
	ListWakeReady(ctx context.Context, now int64, limit int) ([]*Execution, error)

	// ListByStatus returns executions in the given status.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error)

	// FindByIdempotencyKey returns the execution created for (flowID,
	// key), or ErrNotFound. Expiry of the idempotency window is the
	// engine's concern, not the store's.
	FindByIdempotencyKey(ctx context.Context, flowID, key string) (*Execution, error)

	// FindChildren returns executions whose ParentExecutionID matches.
	FindChildren(ctx context.Context, parentID string) ([]*Execution, error)

	// FindTimedOutExecutions returns non-terminal executions whose
	// execution timeout elapsed before now.
	FindTimedOutExecutions(ctx context.Context, now int64, limit int) ([]*Execution, error)

	// FindTimedOutWaits returns waiting executions whose wait timeout
	// elapsed before now.
	FindTimedOutWaits(ctx context.Context, now int64, limit int) ([]*Execution, error)
}
