package handlers

import (
	"context"

	"github.com/dshills/stepflow-go/flow"
	"github.com/dshills/stepflow-go/flow/token"
)

// Wait parks the execution until someone presents a resume token. The
// minted token lands in the step output so an upstream pipe or caller
// can deliver it (in an email link, a webhook callback, an approval
// UI).
//
// Config:
//   - reason: human-readable wait reason (optional)
//   - tokenTtlMs: token lifetime, milliseconds (optional, no expiry
//     when unset)
type Wait struct{}

// NewWait creates the wait handler.
func NewWait() Wait { return Wait{} }

// Type implements flow.Handler.
func (Wait) Type() string { return "wait" }

// Describe implements flow.Describer.
func (Wait) Describe() flow.Descriptor {
	return flow.Descriptor{
		Type:        "wait",
		Description: "Parks the execution until a resume token is presented.",
	}
}

// Execute implements flow.Handler.
func (Wait) Execute(ctx context.Context, p flow.Params) flow.Result {
	if p.Tokens == nil {
		return flow.Failure(flow.CodeHandlerError, "wait requires a token manager")
	}
	reason := configString(p.Step.Config, "reason")
	if reason == "" {
		reason = "waiting for resume token"
	}

	var opts *token.GenerateOptions
	if ttl, ok := configInt64(p.Step.Config, "tokenTtlMs"); ok && ttl > 0 {
		opts = &token.GenerateOptions{ExpiresInMS: ttl}
	}
	t, err := p.Tokens.Generate(ctx, p.Execution.ID, p.Step.ID, opts)
	if err != nil {
		return flow.Failure(flow.CodeHandlerError, "failed to mint resume token: "+err.Error())
	}

	return flow.Wait(0, reason).
		WithResumeToken(t.Token).
		WithOutput(map[string]any{"resumeToken": t.Token, "reason": reason})
}
