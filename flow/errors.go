// Package flow provides a durable workflow execution engine.
//
// A Flow is a static graph of steps. The Engine drives Executions of a
// flow one step at a time, persisting the full execution record between
// steps so an instance can pause, wait, retry, be cancelled, spawn
// children, and resume across process restarts.
package flow

import "errors"

// Error codes surfaced by the engine and its collaborators.
//
// Codes are the stable error contract. Callers should branch on
// CodeOf(err) rather than on concrete error types.
const (
	// Validation.
	CodeFlowInvalid       = "FLOW_INVALID"
	CodeInvalidTransition = "INVALID_TRANSITION"

	// Lookup.
	CodeFlowNotFound      = "FLOW_NOT_FOUND"
	CodeStepNotFound      = "STEP_NOT_FOUND"
	CodeHandlerNotFound   = "HANDLER_NOT_FOUND"
	CodeExecutionNotFound = "EXECUTION_NOT_FOUND"

	// Driver.
	CodeMaxSteps      = "MAX_STEPS"
	CodeMaxIterations = "MAX_ITERATIONS"
	CodeInputError    = "INPUT_ERROR"
	CodeHandlerError  = "HANDLER_ERROR"
	CodeStepFailed    = "STEP_FAILED"

	// Context limits.
	CodeContextValueTooLarge = "CONTEXT_VALUE_TOO_LARGE"
	CodeContextSizeLimit     = "CONTEXT_SIZE_LIMIT"
	CodeContextKeyLimit      = "CONTEXT_KEY_LIMIT"
	CodeContextNestingLimit  = "CONTEXT_NESTING_LIMIT"

	// Resume tokens.
	CodeInvalidResumeToken  = "INVALID_RESUME_TOKEN"
	CodeResumeTokenExpired  = "RESUME_TOKEN_EXPIRED"

	// State.
	CodeExecutionNotWaiting = "EXECUTION_NOT_WAITING"
	CodeExecutionCancelled  = "EXECUTION_CANCELLED"
	CodeCancelled           = "CANCELLED"
)

// Error is a coded engine error.
//
// Code is one of the Code* constants (or a handler-defined code carried
// through from a step failure). Cause, when set, is reachable via
// errors.Unwrap for use with errors.Is / errors.As.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a coded error around a cause.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the engine error code from err, walking the unwrap
// chain. Returns the empty string when err carries no code.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
