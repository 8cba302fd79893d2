package handlers

import (
	"context"
	"time"

	"github.com/dshills/stepflow-go/flow"
)

// Delay parks the execution for a fixed duration. The wait is durable:
// no goroutine sleeps, the execution record just carries a wake time.
//
// Config:
//   - durationMs: how long to sleep, milliseconds (required)
type Delay struct{}

// NewDelay creates the delay handler.
func NewDelay() Delay { return Delay{} }

// Type implements flow.Handler.
func (Delay) Type() string { return "delay" }

// Describe implements flow.Describer.
func (Delay) Describe() flow.Descriptor {
	return flow.Descriptor{
		Type:        "delay",
		Description: "Parks the execution until a wake time.",
	}
}

// Execute implements flow.Handler.
func (Delay) Execute(_ context.Context, p flow.Params) flow.Result {
	durationMS, ok := configInt64(p.Step.Config, "durationMs")
	if !ok || durationMS <= 0 {
		return flow.Failure(flow.CodeHandlerError, "delay needs a positive durationMs")
	}
	wakeAt := time.Now().UnixMilli() + durationMS
	return flow.Wait(wakeAt, "delay")
}
