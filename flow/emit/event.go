// Package emit carries lifecycle events out of the workflow engine.
//
// The engine publishes a typed event at every observable transition of
// an execution. Emitters are pluggable backends; the Bus adds a
// per-type listener registry with isolation so one listener cannot
// affect another or the engine.
package emit

// Event type names published by the engine. Names are dotted
// "subject.action" strings so listeners can subscribe per type.
const (
	TypeExecutionCreated   = "execution.created"
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionWaiting   = "execution.waiting"
	TypeExecutionResumed   = "execution.resumed"
	TypeExecutionCancelled = "execution.cancelled"

	TypeStepStarted   = "step.started"
	TypeStepCompleted = "step.completed"
	TypeStepTimeout   = "step.timeout"
	TypeStepRetry     = "step.retry"

	TypeTransition     = "transition"
	TypeIdempotencyHit = "idempotency.hit"

	TypePipeInserted  = "pipe.inserted"
	TypePipeFailed    = "pipe.failed"
	TypePipeDiscarded = "pipe.discarded"

	TypeTokenCreated  = "token.created"
	TypeTokenUsed     = "token.used"
	TypeTokenRevoked  = "token.revoked"
	TypeTokensCleaned = "tokens.cleaned"

	TypeWALAppended  = "wal.appended"
	TypeWALReplayed  = "wal.replayed"
	TypeWALCompacted = "wal.compacted"

	TypeFlowRegistered    = "flow.registered"
	TypeHandlerRegistered = "handler.registered"
)

// Event is one observability record. Every event carries its type and
// a millisecond timestamp; the remaining fields are set where they
// apply.
type Event struct {
	// Type is one of the Type* constants.
	Type string `json:"type"`

	// Timestamp is epoch milliseconds at emission.
	Timestamp int64 `json:"timestamp"`

	// ExecutionID identifies the execution, empty for registry events.
	ExecutionID string `json:"executionId,omitempty"`

	// FlowID identifies the flow definition involved.
	FlowID string `json:"flowId,omitempty"`

	// StepID identifies the step for step-level events.
	StepID string `json:"stepId,omitempty"`

	// Meta carries event-specific structured data. Common keys:
	// "outcome", "durationMs", "attempt", "backoffMs", "error",
	// "fromStepId", "toStepId", "wakeAt".
	Meta map[string]any `json:"meta,omitempty"`
}
