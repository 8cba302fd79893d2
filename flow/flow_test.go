package flow

import (
	"strings"
	"testing"
)

func validFlow() *Flow {
	return &Flow{
		ID:            "demo",
		Version:       "1.0.0",
		InitialStepID: "a",
		Steps: map[string]*Step{
			"a": {
				ID:          "a",
				Type:        "echo",
				Input:       InputSelector{Key: "x"},
				Transitions: Transitions{OnSuccess: "b"},
			},
			"b": {ID: "b", Type: "echo", Input: InputSelector{Full: true}},
		},
	}
}

func TestFlowValidate(t *testing.T) {
	if err := validFlow().Validate(); err != nil {
		t.Fatalf("valid flow rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Flow)
		wantMsg string
	}{
		{"missing id", func(f *Flow) { f.ID = "" }, "id is required"},
		{"missing version", func(f *Flow) { f.Version = "" }, "version is required"},
		{"no steps", func(f *Flow) { f.Steps = nil }, "no steps"},
		{"missing initial", func(f *Flow) { f.InitialStepID = "" }, "initialStepId is required"},
		{"dangling initial", func(f *Flow) { f.InitialStepID = "zz" }, "does not resolve"},
		{"id key mismatch", func(f *Flow) { f.Steps["a"].ID = "other" }, "does not match"},
		{"missing type", func(f *Flow) { f.Steps["a"].Type = "" }, "has no type"},
		{"bad selector", func(f *Flow) { f.Steps["a"].Input = InputSelector{} }, "input selector"},
		{"bad retry", func(f *Flow) { f.Steps["a"].Retry = &RetryPolicy{MaxAttempts: -1} }, "retry policy"},
		{"dangling transition", func(f *Flow) { f.Steps["a"].Transitions.OnFailure = "zz" }, "transition target"},
		{"pipe without id", func(f *Flow) {
			f.Pipes = []Pipe{{StepID: "a", TableID: "t"}}
		}, "pipe id"},
		{"pipe without table", func(f *Flow) {
			f.Pipes = []Pipe{{ID: "p", StepID: "a"}}
		}, "no tableId"},
		{"pipe unknown step", func(f *Flow) {
			f.Pipes = []Pipe{{ID: "p", StepID: "zz", TableID: "t"}}
		}, "unknown step"},
		{"pipe bad outcome filter", func(f *Flow) {
			f.Pipes = []Pipe{{ID: "p", StepID: "a", TableID: "t", On: "sometimes"}}
		}, "outcome filter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFlow()
			tt.mutate(f)
			err := f.Validate()
			if CodeOf(err) != CodeFlowInvalid {
				t.Fatalf("code = %q, want FLOW_INVALID", CodeOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestPipeMatches(t *testing.T) {
	tests := []struct {
		on      PipeOn
		outcome Outcome
		want    bool
	}{
		{"", OutcomeSuccess, true},
		{"", OutcomeFailure, false},
		{PipeOnSuccess, OutcomeSuccess, true},
		{PipeOnFailure, OutcomeFailure, true},
		{PipeOnFailure, OutcomeSuccess, false},
		{PipeOnAny, OutcomeSuccess, true},
		{PipeOnAny, OutcomeFailure, true},
		{PipeOnAny, OutcomeWait, false},
		{PipeOnSuccess, OutcomeWait, false},
	}
	for _, tt := range tests {
		p := Pipe{On: tt.on}
		if got := p.Matches(tt.outcome); got != tt.want {
			t.Errorf("Pipe{On:%q}.Matches(%q) = %v, want %v", tt.on, tt.outcome, got, tt.want)
		}
	}
}

func TestPipeIsEnabled(t *testing.T) {
	if !(Pipe{}).IsEnabled() {
		t.Error("pipes should default to enabled")
	}
	off := false
	if (Pipe{Enabled: &off}).IsEnabled() {
		t.Error("explicitly disabled pipe reported enabled")
	}
}
