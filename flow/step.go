package flow

// InputSelector extracts the handler input from the execution context.
//
// Exactly one mode must be set:
//   - Key: the value at a single top-level context key
//   - Keys: a projection of several top-level keys
//   - Path: a dot-navigated read ("order.customer.id")
//   - Template: recursive ${path} interpolation against the context
//   - Full: a shallow copy of the whole context
//   - Static: a literal value, context ignored
//
// Reads of undefined paths yield nil; template interpolation of
// undefined paths yields the empty string.
type InputSelector struct {
	Key      string   `json:"key,omitempty" yaml:"key,omitempty"`
	Keys     []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	Path     string   `json:"path,omitempty" yaml:"path,omitempty"`
	Template any      `json:"template,omitempty" yaml:"template,omitempty"`
	Full     bool     `json:"full,omitempty" yaml:"full,omitempty"`
	Static   any      `json:"static,omitempty" yaml:"static,omitempty"`

	// StaticSet distinguishes {static: null} from an absent selector.
	StaticSet bool `json:"staticSet,omitempty" yaml:"staticSet,omitempty"`
}

// modeCount reports how many selector modes are populated.
func (s InputSelector) modeCount() int {
	n := 0
	if s.Key != "" {
		n++
	}
	if s.Keys != nil {
		n++
	}
	if s.Path != "" {
		n++
	}
	if s.Template != nil {
		n++
	}
	if s.Full {
		n++
	}
	if s.Static != nil || s.StaticSet {
		n++
	}
	return n
}

// Validate checks that exactly one selector mode is set.
func (s InputSelector) Validate() error {
	switch s.modeCount() {
	case 0:
		return NewError(CodeFlowInvalid, "input selector is required")
	case 1:
		return nil
	default:
		return NewError(CodeFlowInvalid, "input selector must set exactly one mode")
	}
}

// Transitions routes an execution after a step completes. An empty
// target terminates the execution with the corresponding outcome.
type Transitions struct {
	OnSuccess string `json:"onSuccess,omitempty" yaml:"onSuccess,omitempty"`
	OnFailure string `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	OnResume  string `json:"onResume,omitempty" yaml:"onResume,omitempty"`
}

// RetryPolicy configures automatic retry of a failed step.
//
// Backoff for the k-th retry (0-indexed) is
// min(BackoffMS * BackoffMultiplier^k, MaxBackoffMS). When RetryOn is
// set, only failures whose error code appears in it are retried.
type RetryPolicy struct {
	MaxAttempts       int      `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffMS         int64    `json:"backoffMs" yaml:"backoffMs"`
	BackoffMultiplier float64  `json:"backoffMultiplier,omitempty" yaml:"backoffMultiplier,omitempty"`
	MaxBackoffMS      int64    `json:"maxBackoffMs,omitempty" yaml:"maxBackoffMs,omitempty"`
	RetryOn           []string `json:"retryOn,omitempty" yaml:"retryOn,omitempty"`
}

// DefaultBackoffMultiplier is applied when a policy leaves the
// multiplier unset.
const DefaultBackoffMultiplier = 2.0

// DefaultMaxBackoffMS caps backoff growth when a policy leaves the cap
// unset.
const DefaultMaxBackoffMS int64 = 60_000

// Validate checks the policy's numeric constraints.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return NewError(CodeFlowInvalid, "retry maxAttempts must be >= 0")
	}
	if p.BackoffMS < 0 {
		return NewError(CodeFlowInvalid, "retry backoffMs must be >= 0")
	}
	if p.BackoffMultiplier < 0 {
		return NewError(CodeFlowInvalid, "retry backoffMultiplier must be >= 0")
	}
	if p.MaxBackoffMS < 0 {
		return NewError(CodeFlowInvalid, "retry maxBackoffMs must be >= 0")
	}
	return nil
}

// Retryable reports whether a failure with the given error code is
// eligible for retry under this policy. An unset RetryOn whitelist
// retries every code.
func (p *RetryPolicy) Retryable(code string) bool {
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, c := range p.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}

// Backoff computes the delay in milliseconds before retry attempt k
// (0-indexed, i.e. right before the (k+1)-th retry).
func (p *RetryPolicy) Backoff(attempt int) int64 {
	mult := p.BackoffMultiplier
	if mult == 0 {
		mult = DefaultBackoffMultiplier
	}
	cap := p.MaxBackoffMS
	if cap == 0 {
		cap = DefaultMaxBackoffMS
	}

	delay := float64(p.BackoffMS)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if delay >= float64(cap) {
			return cap
		}
	}
	if delay > float64(cap) {
		return cap
	}
	return int64(delay)
}

// Step is one node of a flow: a handler type plus its configuration,
// input selection, routing, and retry policy.
type Step struct {
	// ID must match the step's key in Flow.Steps.
	ID string `json:"id" yaml:"id"`

	// Type selects the handler that executes this step.
	Type string `json:"type" yaml:"type"`

	// Config is opaque to the engine and passed through to the handler.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Input selects the handler input from the execution context.
	Input InputSelector `json:"input" yaml:"input"`

	// OutputKey, when set, is the dot path under which a success or
	// wait output is projected into the execution context.
	OutputKey string `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`

	Transitions Transitions  `json:"transitions" yaml:"transitions"`
	Retry       *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}
