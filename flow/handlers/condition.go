package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/stepflow-go/flow"
)

// Condition routes an execution by evaluating cases in order and
// overriding the next step with the first match.
//
// Config:
//   - cases: list of {when: <expression>, then: <stepId>} evaluated in
//     order against "input" and "ctx"
//   - default: stepId taken when no case matches (optional; without it
//     a miss follows the step's static onSuccess transition)
type Condition struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewCondition creates the condition handler.
func NewCondition() *Condition {
	return &Condition{programs: make(map[string]*vm.Program)}
}

// Type implements flow.Handler.
func (c *Condition) Type() string { return "condition" }

// Describe implements flow.Describer.
func (c *Condition) Describe() flow.Descriptor {
	return flow.Descriptor{
		Type:        "condition",
		Description: "Routes to the first case whose expression is truthy.",
	}
}

// Execute implements flow.Handler.
func (c *Condition) Execute(_ context.Context, p flow.Params) flow.Result {
	cases, err := parseCases(p.Step.Config)
	if err != nil {
		return flow.Failure(flow.CodeHandlerError, err.Error())
	}
	env := map[string]any{"input": p.Input, "ctx": p.Context}

	for i, cs := range cases {
		program, err := c.compile(cs.when)
		if err != nil {
			return flow.Failure(flow.CodeHandlerError,
				fmt.Sprintf("case %d has invalid expression: %v", i, err))
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return flow.Failure(flow.CodeHandlerError,
				fmt.Sprintf("case %d failed: %v", i, err))
		}
		if truthy(out) {
			return flow.Success(map[string]any{"matched": cs.when, "next": cs.then}).
				WithNextStep(cs.then)
		}
	}

	res := flow.Success(map[string]any{"matched": nil})
	if def := configString(p.Step.Config, "default"); def != "" {
		res = res.WithNextStep(def)
	}
	return res
}

type conditionCase struct {
	when string
	then string
}

func parseCases(config map[string]any) ([]conditionCase, error) {
	raw, ok := config["cases"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("config %q is required", "cases")
	}
	out := make([]conditionCase, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("case %d must be an object", i)
		}
		cs := conditionCase{
			when: configString(m, "when"),
			then: configString(m, "then"),
		}
		if cs.when == "" || cs.then == "" {
			return nil, fmt.Errorf("case %d needs both \"when\" and \"then\"", i)
		}
		out = append(out, cs)
	}
	return out, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func (c *Condition) compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if program, ok := c.programs[src]; ok {
		return program, nil
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	c.programs[src] = program
	return program, nil
}
