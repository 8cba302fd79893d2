package handlers

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/stepflow-go/flow"
)

// Transform evaluates an expression over the step input and the
// execution context and succeeds with the result.
//
// Config:
//   - expression: the expr-lang expression (required). The environment
//     exposes "input" (the resolved step input) and "ctx" (the
//     execution context map).
type Transform struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewTransform creates the transform handler.
func NewTransform() *Transform {
	return &Transform{programs: make(map[string]*vm.Program)}
}

// Type implements flow.Handler.
func (t *Transform) Type() string { return "transform" }

// Describe implements flow.Describer.
func (t *Transform) Describe() flow.Descriptor {
	return flow.Descriptor{
		Type:        "transform",
		Description: "Evaluates an expression over the step input and context.",
	}
}

// ValidateConfig implements flow.ConfigValidator.
func (t *Transform) ValidateConfig(config map[string]any) error {
	src, err := requireString(config, "expression")
	if err != nil {
		return err
	}
	_, err = t.compile(src)
	return err
}

// Execute implements flow.Handler.
func (t *Transform) Execute(_ context.Context, p flow.Params) flow.Result {
	src, err := requireString(p.Step.Config, "expression")
	if err != nil {
		return flow.Failure(flow.CodeHandlerError, err.Error())
	}
	program, err := t.compile(src)
	if err != nil {
		return flow.Failure(flow.CodeHandlerError, "invalid expression: "+err.Error())
	}

	out, err := expr.Run(program, map[string]any{
		"input": p.Input,
		"ctx":   p.Context,
	})
	if err != nil {
		return flow.Failure(flow.CodeHandlerError, "expression failed: "+err.Error())
	}
	return flow.Success(out)
}

// compile caches compiled programs per expression source.
func (t *Transform) compile(src string) (*vm.Program, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if program, ok := t.programs[src]; ok {
		return program, nil
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	t.programs[src] = program
	return program, nil
}
