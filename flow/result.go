package flow

// Outcome classifies the result of a single step execution.
type Outcome string

const (
	// OutcomeSuccess routes via the step's onSuccess transition.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure routes via retry policy or onFailure.
	OutcomeFailure Outcome = "failure"

	// OutcomeWait suspends the execution until a wake time or resume
	// token drives it forward.
	OutcomeWait Outcome = "wait"
)

// StepError describes a step-level failure. It is data, not control
// flow: the engine routes around it via retries and onFailure
// transitions.
type StepError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	StepID    string         `json:"stepId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Result is the outcome of one handler invocation.
//
// Exactly one of the three constructors should be used; the engine only
// interprets Outcome, Error, the wait fields, and NextStepOverride.
// Output is opaque and is projected into the execution context when the
// step declares an OutputKey.
type Result struct {
	Outcome Outcome    `json:"outcome"`
	Output  any        `json:"output,omitempty"`
	Error   *StepError `json:"error,omitempty"`

	// WakeAt is the epoch-millisecond time a waiting execution becomes
	// due again. Zero means the wait has no timer and must be resumed
	// via a token.
	WakeAt     int64  `json:"wakeAt,omitempty"`
	WaitReason string `json:"waitReason,omitempty"`

	// ResumeToken is the opaque token the handler minted for this wait,
	// if any. Informational; the token manager owns the binding.
	ResumeToken string `json:"resumeToken,omitempty"`

	// NextStepOverride routes to an explicit step instead of the
	// step's static transition. Takes precedence on success and
	// on final (non-retried) failure.
	NextStepOverride string `json:"nextStepOverride,omitempty"`
}

// Success builds a success result carrying an optional output.
func Success(output any) Result {
	return Result{Outcome: OutcomeSuccess, Output: output}
}

// Failure builds a failure result with a machine-readable code.
func Failure(code, message string) Result {
	return Result{
		Outcome: OutcomeFailure,
		Error:   &StepError{Code: code, Message: message},
	}
}

// FailureErr builds a failure result from a Go error, using code
// HANDLER_ERROR unless err carries a flow code.
func FailureErr(err error) Result {
	code := CodeOf(err)
	if code == "" {
		code = CodeHandlerError
	}
	return Failure(code, err.Error())
}

// Wait builds a wait result. wakeAt is epoch milliseconds; zero means
// the execution sleeps until resumed by token.
func Wait(wakeAt int64, reason string) Result {
	return Result{Outcome: OutcomeWait, WakeAt: wakeAt, WaitReason: reason}
}

// WithNextStep sets an explicit routing override.
func (r Result) WithNextStep(stepID string) Result {
	r.NextStepOverride = stepID
	return r
}

// WithOutput attaches an output value.
func (r Result) WithOutput(output any) Result {
	r.Output = output
	return r
}

// WithResumeToken records the token minted for a wait result.
func (r Result) WithResumeToken(tok string) Result {
	r.ResumeToken = tok
	return r
}

// WithDetails attaches structured failure details.
func (r Result) WithDetails(details map[string]any) Result {
	if r.Error != nil {
		r.Error.Details = details
	}
	return r
}
