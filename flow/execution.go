package flow

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusWaiting    Status = "waiting"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether an execution in this status may be
// cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusWaiting
}

// CancelSource records who initiated a cancellation.
type CancelSource string

const (
	CancelSourceUser    CancelSource = "user"
	CancelSourceTimeout CancelSource = "timeout"
	CancelSourceSystem  CancelSource = "system"
	CancelSourceParent  CancelSource = "parent"
)

// Cancellation records how and when an execution was cancelled.
type Cancellation struct {
	Source      CancelSource `json:"source"`
	Reason      string       `json:"reason,omitempty"`
	CancelledAt int64        `json:"cancelledAt"`
}

// TimeoutConfig bounds an execution's total runtime and the duration of
// any single wait, both in milliseconds.
type TimeoutConfig struct {
	ExecutionTimeoutMS int64 `json:"executionTimeoutMs"`
	WaitTimeoutMS      int64 `json:"waitTimeoutMs"`
}

// DefaultTimeoutConfig returns the standard bounds: 24 hours for the
// whole execution, 7 days for a single wait.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ExecutionTimeoutMS: 24 * 60 * 60 * 1000,
		WaitTimeoutMS:      7 * 24 * 60 * 60 * 1000,
	}
}

// HistoryEntry is one append-only record of a step execution.
type HistoryEntry struct {
	StepID     string     `json:"stepId"`
	StepType   string     `json:"stepType"`
	Outcome    Outcome    `json:"outcome"`
	Attempt    int        `json:"attempt"`
	StartedAt  int64      `json:"startedAt"`
	DurationMS int64      `json:"durationMs"`
	Error      *StepError `json:"error,omitempty"`
}

// Execution is the durable per-instance record the engine drives. The
// state store owns the bytes; the engine borrows the record for one
// load-execute-save cycle per Tick. JSON of this shape is the canonical
// persisted form. All times are epoch milliseconds.
type Execution struct {
	ID                string         `json:"id"`
	FlowID            string         `json:"flowId"`
	FlowVersion       string         `json:"flowVersion"`
	TenantID          string         `json:"tenantId,omitempty"`
	ParentExecutionID string         `json:"parentExecutionId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	Status        Status         `json:"status"`
	CurrentStepID string         `json:"currentStepId"`
	Context       map[string]any `json:"context"`
	StepCount     int            `json:"stepCount"`
	History       []HistoryEntry `json:"history,omitempty"`

	WakeAt        int64         `json:"wakeAt,omitempty"`
	WaitReason    string        `json:"waitReason,omitempty"`
	WaitStartedAt int64         `json:"waitStartedAt,omitempty"`
	Timeouts      TimeoutConfig `json:"timeoutConfig"`

	Error *StepError `json:"error,omitempty"`

	// RetryAttempts counts failed attempts per step. An entry is
	// cleared when its step succeeds or fails for the final time.
	RetryAttempts map[string]int `json:"retryAttempts,omitempty"`

	Cancellation *Cancellation `json:"cancellation,omitempty"`

	IdempotencyKey       string `json:"idempotencyKey,omitempty"`
	IdempotencyExpiresAt int64  `json:"idempotencyExpiresAt,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Clone deep-copies the execution via a JSON round trip. Every field of
// the record is JSON-serializable by construction, so the round trip is
// lossless.
func (e *Execution) Clone() (*Execution, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &out, nil
}

// ClearWait resets the wait bookkeeping fields.
func (e *Execution) ClearWait() {
	e.WakeAt = 0
	e.WaitReason = ""
	e.WaitStartedAt = 0
}
