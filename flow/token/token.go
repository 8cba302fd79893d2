// Package token manages resume tokens: opaque bearer strings that bind
// a waiting execution to the step that issued them.
//
// The manager is solely responsible for token secrecy and lookup
// indexing. The engine only asks it to generate, validate, mark used,
// revoke, and list by execution.
package token

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a token string is unknown.
var ErrNotFound = errors.New("token not found")

// Status is the lifecycle state of a token.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Token is one issued resume token. Times are epoch milliseconds; a
// zero ExpiresAt means the token never expires.
type Token struct {
	Token       string         `json:"token"`
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Status      Status         `json:"status"`
	CreatedAt   int64          `json:"createdAt"`
	ExpiresAt   int64          `json:"expiresAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// GenerateOptions tunes token issuance.
type GenerateOptions struct {
	// ExpiresInMS bounds the token lifetime. Zero means no expiry.
	ExpiresInMS int64

	// Metadata is stored verbatim on the token.
	Metadata map[string]any
}

// Validation is the outcome of a Validate call.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Manager issues and tracks resume tokens.
type Manager interface {
	// Generate mints a new active token bound to (executionID, stepID).
	Generate(ctx context.Context, executionID, stepID string, opts *GenerateOptions) (*Token, error)

	// Get returns the token record, or ErrNotFound.
	Get(ctx context.Context, tok string) (*Token, error)

	// Validate reports whether the token can be presented right now.
	// An unknown token is invalid with reason "not found"; expiry is
	// evaluated lazily at validation time.
	Validate(ctx context.Context, tok string) (*Validation, error)

	// MarkUsed transitions an active token to used.
	MarkUsed(ctx context.Context, tok string) error

	// Revoke transitions a token to revoked regardless of state.
	Revoke(ctx context.Context, tok string) error

	// ListByExecution returns every token bound to an execution.
	ListByExecution(ctx context.Context, executionID string) ([]*Token, error)

	// CleanupExpired marks every lapsed active token expired and
	// returns how many were touched.
	CleanupExpired(ctx context.Context) (int, error)
}
