package flow

import "fmt"

// PipeOn filters which step outcomes trigger a pipe.
type PipeOn string

const (
	PipeOnSuccess PipeOn = "success"
	PipeOnFailure PipeOn = "failure"
	PipeOnAny     PipeOn = "any"
)

// PipeMapping copies one value from a step's output into a table
// column. SourcePath is a dot path into the output.
type PipeMapping struct {
	SourcePath string `json:"sourcePath" yaml:"sourcePath"`
	ColumnID   string `json:"columnId" yaml:"columnId"`
}

// Pipe projects a step's output into an external typed table.
//
// Pipes are fire-and-forget: a pipe failure never influences the
// execution, and a failed row is buffered in the write-ahead log when
// one is configured.
type Pipe struct {
	ID           string         `json:"id" yaml:"id"`
	StepID       string         `json:"stepId" yaml:"stepId"`
	On           PipeOn         `json:"on,omitempty" yaml:"on,omitempty"`
	TableID      string         `json:"tableId" yaml:"tableId"`
	Mappings     []PipeMapping  `json:"mappings" yaml:"mappings"`
	StaticValues map[string]any `json:"staticValues,omitempty" yaml:"staticValues,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the pipe should fire at all. Pipes are
// enabled unless explicitly disabled.
func (p Pipe) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Matches reports whether the pipe fires for the given outcome. An
// unset On defaults to success.
func (p Pipe) Matches(outcome Outcome) bool {
	switch p.On {
	case PipeOnAny:
		return outcome == OutcomeSuccess || outcome == OutcomeFailure
	case PipeOnFailure:
		return outcome == OutcomeFailure
	default:
		return outcome == OutcomeSuccess
	}
}

// Flow is an immutable workflow definition keyed by (ID, Version).
type Flow struct {
	ID            string           `json:"id" yaml:"id"`
	Version       string           `json:"version" yaml:"version"`
	Name          string           `json:"name,omitempty" yaml:"name,omitempty"`
	InitialStepID string           `json:"initialStepId" yaml:"initialStepId"`
	Steps         map[string]*Step `json:"steps" yaml:"steps"`
	Pipes         []Pipe           `json:"pipes,omitempty" yaml:"pipes,omitempty"`
}

// Validate performs the static checks required before a flow can be
// registered:
//   - ID, Version and InitialStepID are set
//   - Steps is non-empty and InitialStepID resolves
//   - every step's ID matches its map key
//   - every step has a handler type and a valid input selector
//   - every transition target resolves to a step
//   - every pipe names a step of this flow
//
// All violations are reported with code FLOW_INVALID.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return NewError(CodeFlowInvalid, "flow id is required")
	}
	if f.Version == "" {
		return NewError(CodeFlowInvalid, "flow version is required")
	}
	if len(f.Steps) == 0 {
		return NewError(CodeFlowInvalid, "flow has no steps: "+f.ID)
	}
	if f.InitialStepID == "" {
		return NewError(CodeFlowInvalid, "initialStepId is required: "+f.ID)
	}
	if _, ok := f.Steps[f.InitialStepID]; !ok {
		return NewError(CodeFlowInvalid,
			fmt.Sprintf("initialStepId %q does not resolve in flow %s", f.InitialStepID, f.ID))
	}

	for key, step := range f.Steps {
		if step == nil {
			return NewError(CodeFlowInvalid, fmt.Sprintf("step %q is nil in flow %s", key, f.ID))
		}
		if step.ID != key {
			return NewError(CodeFlowInvalid,
				fmt.Sprintf("step id %q does not match its key %q in flow %s", step.ID, key, f.ID))
		}
		if step.Type == "" {
			return NewError(CodeFlowInvalid, fmt.Sprintf("step %q has no type in flow %s", key, f.ID))
		}
		if err := step.Input.Validate(); err != nil {
			return WrapError(CodeFlowInvalid,
				fmt.Sprintf("step %q input selector invalid in flow %s", key, f.ID), err)
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return WrapError(CodeFlowInvalid,
					fmt.Sprintf("step %q retry policy invalid in flow %s", key, f.ID), err)
			}
		}
		for _, target := range []string{step.Transitions.OnSuccess, step.Transitions.OnFailure, step.Transitions.OnResume} {
			if target == "" {
				continue
			}
			if _, ok := f.Steps[target]; !ok {
				return NewError(CodeFlowInvalid,
					fmt.Sprintf("step %q transition target %q does not resolve in flow %s", key, target, f.ID))
			}
		}
	}

	for _, pipe := range f.Pipes {
		if pipe.ID == "" {
			return NewError(CodeFlowInvalid, "pipe id is required in flow "+f.ID)
		}
		if pipe.TableID == "" {
			return NewError(CodeFlowInvalid, fmt.Sprintf("pipe %q has no tableId in flow %s", pipe.ID, f.ID))
		}
		if _, ok := f.Steps[pipe.StepID]; !ok {
			return NewError(CodeFlowInvalid,
				fmt.Sprintf("pipe %q names unknown step %q in flow %s", pipe.ID, pipe.StepID, f.ID))
		}
		switch pipe.On {
		case "", PipeOnSuccess, PipeOnFailure, PipeOnAny:
		default:
			return NewError(CodeFlowInvalid,
				fmt.Sprintf("pipe %q has invalid outcome filter %q in flow %s", pipe.ID, pipe.On, f.ID))
		}
	}

	return nil
}

// PipesFor returns the pipes attached to a step.
func (f *Flow) PipesFor(stepID string) []Pipe {
	var out []Pipe
	for _, p := range f.Pipes {
		if p.StepID == stepID {
			out = append(out, p)
		}
	}
	return out
}
