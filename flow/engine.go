package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/stepflow-go/flow/emit"
	"github.com/dshills/stepflow-go/flow/table"
	"github.com/dshills/stepflow-go/flow/token"
)

// Idempotency window bounds, milliseconds.
const (
	DefaultIdempotencyTTLMS int64 = 24 * 60 * 60 * 1000
	MaxIdempotencyTTLMS     int64 = 7 * 24 * 60 * 60 * 1000
)

// Engine drives executions of registered flows one persisted step at a
// time. All state lives in the Store; the engine itself is stateless
// and safe to share across goroutines as long as the store serializes
// writes per execution.
type Engine struct {
	flows    *Registry
	handlers *HandlerRegistry
	store    Store

	tokens  token.Manager
	tables  table.Store
	wal     table.WAL
	em      emit.Emitter
	log     zerolog.Logger
	metrics *Metrics

	limits Limits
	blobs  BlobStore

	maxSteps       int
	maxIterations  int
	handlerTimeout time.Duration
	history        bool

	now func() int64
}

// NewEngine wires an engine over a flow registry, handler registry and
// state store.
func NewEngine(flows *Registry, handlers *HandlerRegistry, store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		flows:          flows,
		handlers:       handlers,
		store:          store,
		em:             emit.NewNullEmitter(),
		log:            zerolog.Nop(),
		limits:         DefaultLimits(),
		maxSteps:       DefaultMaxSteps,
		maxIterations:  DefaultMaxIterations,
		handlerTimeout: DefaultHandlerTimeout,
		history:        true,
		now:            nowMillis,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOptions tunes execution creation.
type CreateOptions struct {
	// ExecutionID supplies the execution's identifier. Empty means a
	// generated UUID.
	ExecutionID string

	// FlowVersion pins a specific flow version. Empty means latest.
	FlowVersion string

	// Input seeds the execution context.
	Input map[string]any

	TenantID          string
	ParentExecutionID string
	Metadata          map[string]any

	// IdempotencyKey dedupes creation: a second Create with the same
	// (flowID, key) inside the window returns the first execution.
	IdempotencyKey string

	// IdempotencyTTLMS bounds the dedupe window. Zero means the
	// default; values above the maximum are clamped.
	IdempotencyTTLMS int64

	// Timeouts overrides the default execution and wait bounds.
	Timeouts *TimeoutConfig
}

// Create starts a new execution of a flow in status pending. The first
// step runs on the first Tick, not here.
//
// The second return reports whether a new execution was created; false
// means an idempotency hit returned the existing execution untouched.
func (e *Engine) Create(ctx context.Context, flowID string, opts *CreateOptions) (*Execution, bool, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}
	f, err := e.flows.Get(flowID, opts.FlowVersion)
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	if opts.IdempotencyKey != "" {
		existing, err := e.store.FindByIdempotencyKey(ctx, f.ID, opts.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if existing != nil && existing.IdempotencyExpiresAt > now {
			e.emit(emit.Event{
				Type:        emit.TypeIdempotencyHit,
				Timestamp:   now,
				ExecutionID: existing.ID,
				FlowID:      f.ID,
				Meta:        map[string]any{"idempotencyKey": opts.IdempotencyKey},
			})
			return existing, false, nil
		}
	}

	timeouts := DefaultTimeoutConfig()
	if opts.Timeouts != nil {
		timeouts = *opts.Timeouts
	}

	execID := opts.ExecutionID
	if execID == "" {
		execID = uuid.NewString()
	}
	exec := &Execution{
		ID:                execID,
		FlowID:            f.ID,
		FlowVersion:       f.Version,
		TenantID:          opts.TenantID,
		ParentExecutionID: opts.ParentExecutionID,
		Metadata:          opts.Metadata,
		Status:            StatusPending,
		CurrentStepID:     f.InitialStepID,
		Context:           copyValues(opts.Input),
		Timeouts:          timeouts,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if opts.IdempotencyKey != "" {
		ttl := opts.IdempotencyTTLMS
		if ttl <= 0 {
			ttl = DefaultIdempotencyTTLMS
		}
		if ttl > MaxIdempotencyTTLMS {
			ttl = MaxIdempotencyTTLMS
		}
		exec.IdempotencyKey = opts.IdempotencyKey
		exec.IdempotencyExpiresAt = now + ttl
	}

	if err := e.store.Save(ctx, exec); err != nil {
		return nil, false, fmt.Errorf("failed to save execution: %w", err)
	}

	e.log.Debug().
		Str("executionId", exec.ID).
		Str("flowId", f.ID).
		Str("flowVersion", f.Version).
		Msg("execution created")
	e.emit(emit.Event{
		Type:        emit.TypeExecutionCreated,
		Timestamp:   now,
		ExecutionID: exec.ID,
		FlowID:      f.ID,
		Meta:        map[string]any{"flowVersion": f.Version},
	})
	return exec, true, nil
}

// Get returns the current execution record.
func (e *Engine) Get(ctx context.Context, id string) (*Execution, error) {
	exec, err := e.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, NewError(CodeExecutionNotFound, "execution not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// Tick advances an execution by at most one step and persists the
// result. Ticking a terminal execution is a no-op; ticking a waiting
// execution before its wake time is a no-op; everything else runs the
// current step's handler and applies its result.
func (e *Engine) Tick(ctx context.Context, id string) (*Execution, error) {
	exec, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if exec.Status.Terminal() || exec.Status == StatusCancelling {
		return exec, nil
	}

	if exec.Timeouts.ExecutionTimeoutMS > 0 && now >= exec.CreatedAt+exec.Timeouts.ExecutionTimeoutMS {
		if err := e.Cancel(ctx, id, CancelSourceTimeout, "execution timeout exceeded"); err != nil {
			return nil, err
		}
		return e.Get(ctx, id)
	}

	if exec.Status == StatusWaiting {
		if exec.WakeAt == 0 || exec.WakeAt > now {
			return exec, nil
		}
		exec.ClearWait()
		exec.Status = StatusRunning
		e.emit(emit.Event{
			Type:        emit.TypeExecutionResumed,
			Timestamp:   now,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      exec.CurrentStepID,
			Meta:        map[string]any{"by": "timer"},
		})
	}

	if exec.StepCount >= e.maxSteps {
		return e.fail(ctx, exec, &StepError{
			Code:      CodeMaxSteps,
			Message:   fmt.Sprintf("execution exceeded %d steps", e.maxSteps),
			Timestamp: now,
		})
	}

	f, err := e.flows.Get(exec.FlowID, exec.FlowVersion)
	if err != nil {
		return e.fail(ctx, exec, &StepError{
			Code:      CodeFlowNotFound,
			Message:   err.Error(),
			Timestamp: now,
		})
	}
	step, ok := f.Steps[exec.CurrentStepID]
	if !ok {
		return e.fail(ctx, exec, &StepError{
			Code:      CodeStepNotFound,
			Message:   fmt.Sprintf("step %q not found in flow %s@%s", exec.CurrentStepID, f.ID, f.Version),
			Timestamp: now,
		})
	}
	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		return e.fail(ctx, exec, &StepError{
			Code:      CodeHandlerNotFound,
			Message:   err.Error(),
			StepID:    step.ID,
			Timestamp: now,
		})
	}

	if exec.Status == StatusPending {
		exec.Status = StatusRunning
		e.metrics.executionStarted()
		e.emit(emit.Event{
			Type:        emit.TypeExecutionStarted,
			Timestamp:   now,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
		})
	}

	attempt := exec.RetryAttempts[step.ID] + 1
	e.emit(emit.Event{
		Type:        emit.TypeStepStarted,
		Timestamp:   now,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      step.ID,
		Meta:        map[string]any{"stepType": step.Type, "attempt": attempt},
	})

	started := e.now()
	res := e.executeStep(ctx, handler, step, exec)
	duration := e.now() - started

	e.metrics.tick(res.Outcome)
	e.metrics.observeStep(step.Type, duration)
	e.emit(emit.Event{
		Type:        emit.TypeStepCompleted,
		Timestamp:   e.now(),
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      step.ID,
		Meta: map[string]any{
			"stepType":   step.Type,
			"outcome":    string(res.Outcome),
			"durationMs": duration,
			"attempt":    attempt,
		},
	})

	if e.history {
		exec.History = append(exec.History, HistoryEntry{
			StepID:     step.ID,
			StepType:   step.Type,
			Outcome:    res.Outcome,
			Attempt:    attempt,
			StartedAt:  started,
			DurationMS: duration,
			Error:      res.Error,
		})
	}
	exec.StepCount++

	if err := e.applyResult(ctx, f, step, exec, res); err != nil {
		return nil, err
	}

	exec.UpdatedAt = e.now()
	if err := e.store.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}
	return exec, nil
}

// executeStep resolves the step input and runs the handler under the
// engine's timeout. Handler panics and timeouts surface as failure
// results, never as engine errors.
func (e *Engine) executeStep(ctx context.Context, handler Handler, step *Step, exec *Execution) Result {
	input, err := ResolveInput(step.Input, exec.Context)
	if err != nil {
		code := CodeOf(err)
		if code == "" {
			code = CodeInputError
		}
		return Failure(code, err.Error())
	}

	params := Params{
		Step:      step,
		Input:     input,
		Context:   exec.Context,
		Vars:      NewContext(exec.Context, e.limits, e.blobs),
		Execution: exec,
		Tokens:    e.tokens,
	}

	hctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("executionId", exec.ID).
					Str("stepId", step.ID).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("handler panicked")
				done <- Failure(CodeHandlerError, fmt.Sprintf("handler panicked: %v", r))
			}
		}()
		done <- handler.Execute(hctx, params)
	}()

	select {
	case res := <-done:
		if res.Error != nil {
			res.Error.StepID = step.ID
			if res.Error.Timestamp == 0 {
				res.Error.Timestamp = e.now()
			}
		}
		return res
	case <-hctx.Done():
		// Late completion on the done channel is discarded; the
		// goroutine exits via the buffered send.
		e.emit(emit.Event{
			Type:        emit.TypeStepTimeout,
			Timestamp:   e.now(),
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			Meta:        map[string]any{"timeoutMs": e.handlerTimeout.Milliseconds()},
		})
		res := Failure(CodeHandlerError,
			fmt.Sprintf("handler for step %q exceeded %s", step.ID, e.handlerTimeout))
		res.Error.StepID = step.ID
		res.Error.Timestamp = e.now()
		res.Error.Details = map[string]any{"timeoutMs": e.handlerTimeout.Milliseconds()}
		return res
	}
}

// applyResult mutates the execution according to a step result. The
// caller saves afterwards.
func (e *Engine) applyResult(ctx context.Context, f *Flow, step *Step, exec *Execution, res Result) error {
	now := e.now()

	// Output projection happens before routing so a limit violation can
	// still route through the failure branch.
	if (res.Outcome == OutcomeSuccess || res.Outcome == OutcomeWait) &&
		step.OutputKey != "" && res.Output != nil {
		wrapped := NewContext(exec.Context, e.limits, e.blobs)
		if err := wrapped.SetPath(ctx, step.OutputKey, res.Output, nil); err != nil {
			code := CodeOf(err)
			if code == "" {
				code = CodeInputError
			}
			res = Failure(code, err.Error())
			res.Error.StepID = step.ID
			res.Error.Timestamp = now
		}
	}

	e.runPipes(ctx, f, step, exec, res)

	switch res.Outcome {
	case OutcomeSuccess:
		e.clearRetries(exec, step.ID)
		next := res.NextStepOverride
		if next == "" {
			next = step.Transitions.OnSuccess
		}
		return e.transition(ctx, f, step, exec, next, res)

	case OutcomeWait:
		exec.Status = StatusWaiting
		exec.WakeAt = res.WakeAt
		exec.WaitReason = res.WaitReason
		exec.WaitStartedAt = now
		switch {
		case step.Transitions.OnResume != "":
			exec.CurrentStepID = step.Transitions.OnResume
		case step.Transitions.OnSuccess != "":
			exec.CurrentStepID = step.Transitions.OnSuccess
		default:
			// No resume routing declared; the step re-runs on wake.
			e.log.Debug().
				Str("executionId", exec.ID).
				Str("stepId", step.ID).
				Msg("wait without onResume, step will re-run")
		}
		e.emit(emit.Event{
			Type:        emit.TypeExecutionWaiting,
			Timestamp:   now,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			Meta: map[string]any{
				"wakeAt": res.WakeAt,
				"reason": res.WaitReason,
			},
		})
		if res.ResumeToken != "" {
			e.emit(emit.Event{
				Type:        emit.TypeTokenCreated,
				Timestamp:   now,
				ExecutionID: exec.ID,
				FlowID:      exec.FlowID,
				StepID:      step.ID,
			})
		}
		return nil

	default: // failure
		code := ""
		if res.Error != nil {
			code = res.Error.Code
		}
		if policy := step.Retry; policy != nil && policy.MaxAttempts > 0 && policy.Retryable(code) {
			attempts := exec.RetryAttempts[step.ID]
			if attempts < policy.MaxAttempts {
				if exec.RetryAttempts == nil {
					exec.RetryAttempts = make(map[string]int)
				}
				exec.RetryAttempts[step.ID] = attempts + 1
				backoff := policy.Backoff(attempts)
				e.metrics.retry(code)
				e.emit(emit.Event{
					Type:        emit.TypeStepRetry,
					Timestamp:   now,
					ExecutionID: exec.ID,
					FlowID:      exec.FlowID,
					StepID:      step.ID,
					Meta: map[string]any{
						"attempt":   attempts + 1,
						"max":       policy.MaxAttempts,
						"backoffMs": backoff,
						"code":      code,
					},
				})
				if backoff > 0 {
					exec.Status = StatusWaiting
					exec.WakeAt = now + backoff
					exec.WaitStartedAt = now
					exec.WaitReason = fmt.Sprintf("retry %d/%d after %dms",
						attempts+1, policy.MaxAttempts, backoff)
				} else {
					exec.Status = StatusRunning
				}
				return nil
			}
		}

		e.clearRetries(exec, step.ID)
		next := res.NextStepOverride
		if next == "" {
			next = step.Transitions.OnFailure
		}
		if next == "" {
			stepErr := res.Error
			if stepErr == nil {
				stepErr = &StepError{Code: CodeStepFailed, Message: "step failed", StepID: step.ID, Timestamp: now}
			}
			exec.Status = StatusFailed
			exec.Error = stepErr
			exec.ClearWait()
			e.metrics.executionFinished()
			e.emit(emit.Event{
				Type:        emit.TypeExecutionFailed,
				Timestamp:   now,
				ExecutionID: exec.ID,
				FlowID:      exec.FlowID,
				StepID:      step.ID,
				Meta:        map[string]any{"code": stepErr.Code, "error": stepErr.Message},
			})
			return nil
		}
		exec.Error = res.Error
		return e.transition(ctx, f, step, exec, next, res)
	}
}

// transition routes to the next step, or completes the execution when
// no target is declared.
func (e *Engine) transition(ctx context.Context, f *Flow, step *Step, exec *Execution, next string, res Result) error {
	now := e.now()
	if next == "" {
		exec.Status = StatusCompleted
		exec.ClearWait()
		e.metrics.executionFinished()
		e.emit(emit.Event{
			Type:        emit.TypeExecutionCompleted,
			Timestamp:   now,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			Meta:        map[string]any{"stepCount": exec.StepCount},
		})
		return nil
	}
	if _, ok := f.Steps[next]; !ok {
		exec.Status = StatusFailed
		exec.Error = &StepError{
			Code:      CodeInvalidTransition,
			Message:   fmt.Sprintf("step %q routed to unknown step %q", step.ID, next),
			StepID:    step.ID,
			Timestamp: now,
		}
		e.metrics.executionFinished()
		e.emit(emit.Event{
			Type:        emit.TypeExecutionFailed,
			Timestamp:   now,
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			Meta:        map[string]any{"code": CodeInvalidTransition, "error": exec.Error.Message},
		})
		return nil
	}

	e.emit(emit.Event{
		Type:        emit.TypeTransition,
		Timestamp:   now,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      step.ID,
		Meta: map[string]any{
			"fromStepId": step.ID,
			"toStepId":   next,
			"outcome":    string(res.Outcome),
		},
	})
	exec.CurrentStepID = next
	exec.Status = StatusRunning
	return nil
}

// fail marks the execution failed with a driver-level error and
// persists it.
func (e *Engine) fail(ctx context.Context, exec *Execution, stepErr *StepError) (*Execution, error) {
	wasActive := exec.Status == StatusRunning || exec.Status == StatusWaiting
	exec.Status = StatusFailed
	exec.Error = stepErr
	exec.ClearWait()
	exec.UpdatedAt = e.now()
	if err := e.store.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}
	if wasActive {
		e.metrics.executionFinished()
	}
	e.emit(emit.Event{
		Type:        emit.TypeExecutionFailed,
		Timestamp:   e.now(),
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      stepErr.StepID,
		Meta:        map[string]any{"code": stepErr.Code, "error": stepErr.Message},
	})
	return exec, nil
}

func (e *Engine) clearRetries(exec *Execution, stepID string) {
	if exec.RetryAttempts != nil {
		delete(exec.RetryAttempts, stepID)
	}
}

// RunOptions tunes a Run call.
type RunOptions struct {
	// MaxIterations overrides the engine's per-Run tick cap.
	MaxIterations int

	// SimulateTime collapses timed waits: instead of stopping at a
	// waiting execution, Run makes the wake time due and keeps going.
	// Token-only waits still stop the loop.
	SimulateTime bool
}

// Run ticks an execution until it reaches a terminal status, parks in a
// wait, or hits the iteration cap (which fails it with MAX_ITERATIONS).
//
// Run never sleeps: a wait with a future wake time is returned to the
// caller as-is. The Runner polls waits forward in production;
// SimulateTime collapses them in tests.
func (e *Engine) Run(ctx context.Context, id string, opts *RunOptions) (*Execution, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = e.maxIterations
	}

	var exec *Execution
	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return exec, err
		}
		var err error
		exec, err = e.Tick(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() || exec.Status == StatusCancelling {
			return exec, nil
		}
		if exec.Status == StatusWaiting {
			if opts.SimulateTime && exec.WakeAt > 0 {
				exec.WakeAt = e.now()
				exec.UpdatedAt = e.now()
				if err := e.store.Save(ctx, exec); err != nil {
					return nil, fmt.Errorf("failed to save execution: %w", err)
				}
				continue
			}
			if exec.WakeAt == 0 || exec.WakeAt > e.now() {
				return exec, nil
			}
		}
	}
	exec, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.fail(ctx, exec, &StepError{
		Code:      CodeMaxIterations,
		Message:   fmt.Sprintf("run exceeded %d iterations", maxIter),
		Timestamp: e.now(),
	})
}

// Cancel transitions an execution to cancelled: active resume tokens
// are revoked and non-terminal children are cancelled recursively with
// source parent. Cancelling a terminal or already-cancelling execution
// is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string, source CancelSource, reason string) error {
	exec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() || exec.Status == StatusCancelling {
		return nil
	}
	wasActive := exec.Status == StatusRunning || exec.Status == StatusWaiting

	now := e.now()
	exec.Status = StatusCancelling
	exec.UpdatedAt = now
	if err := e.store.Save(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	if e.tokens != nil {
		toks, err := e.tokens.ListByExecution(ctx, id)
		if err != nil {
			e.log.Warn().Err(err).Str("executionId", id).Msg("failed to list tokens for revocation")
		}
		revoked := 0
		for _, t := range toks {
			if t.Status != token.StatusActive {
				continue
			}
			if err := e.tokens.Revoke(ctx, t.Token); err != nil {
				e.log.Warn().Err(err).Str("executionId", id).Msg("failed to revoke token")
				continue
			}
			revoked++
		}
		if revoked > 0 {
			e.emit(emit.Event{
				Type:        emit.TypeTokenRevoked,
				Timestamp:   e.now(),
				ExecutionID: id,
				FlowID:      exec.FlowID,
				Meta:        map[string]any{"count": revoked},
			})
		}
	}

	children, err := e.store.FindChildren(ctx, id)
	if err != nil {
		e.log.Warn().Err(err).Str("executionId", id).Msg("failed to list children for cancellation")
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if err := e.Cancel(ctx, child.ID, CancelSourceParent, "parent execution cancelled"); err != nil {
			e.log.Warn().Err(err).
				Str("executionId", id).
				Str("childId", child.ID).
				Msg("failed to cancel child execution")
		}
	}

	now = e.now()
	exec.Status = StatusCancelled
	exec.Cancellation = &Cancellation{Source: source, Reason: reason, CancelledAt: now}
	exec.Error = &StepError{Code: CodeCancelled, Message: reason, Timestamp: now}
	exec.ClearWait()
	exec.UpdatedAt = now
	if err := e.store.Save(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	if wasActive {
		e.metrics.executionFinished()
	}

	e.log.Info().
		Str("executionId", id).
		Str("source", string(source)).
		Str("reason", reason).
		Msg("execution cancelled")
	e.emit(emit.Event{
		Type:        emit.TypeExecutionCancelled,
		Timestamp:   now,
		ExecutionID: id,
		FlowID:      exec.FlowID,
		Meta:        map[string]any{"source": string(source), "reason": reason},
	})
	// Compatibility: listeners keyed on failure also see the cancellation.
	e.emit(emit.Event{
		Type:        emit.TypeExecutionFailed,
		Timestamp:   now,
		ExecutionID: id,
		FlowID:      exec.FlowID,
		Meta:        map[string]any{"code": CodeCancelled, "error": reason},
	})
	return nil
}

// Resume presents a resume token to a waiting execution. The payload is
// merged into the execution context under the usual limits, the token
// is consumed, and the execution ticks once.
func (e *Engine) Resume(ctx context.Context, tok string, payload map[string]any) (*Execution, error) {
	if e.tokens == nil {
		return nil, NewError(CodeInvalidResumeToken, "no token manager configured")
	}

	v, err := e.tokens.Validate(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !v.Valid {
		if v.Reason == "expired" {
			return nil, NewError(CodeResumeTokenExpired, "resume token expired")
		}
		return nil, NewError(CodeInvalidResumeToken, "resume token invalid: "+v.Reason)
	}

	record, err := e.tokens.Get(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	exec, err := e.Get(ctx, record.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != StatusWaiting {
		return nil, NewError(CodeExecutionNotWaiting,
			fmt.Sprintf("execution %s is %s, not waiting", exec.ID, exec.Status))
	}

	if err := e.tokens.MarkUsed(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	now := e.now()
	e.emit(emit.Event{
		Type:        emit.TypeTokenUsed,
		Timestamp:   now,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      record.StepID,
	})

	if len(payload) > 0 {
		wrapped := NewContext(exec.Context, e.limits, e.blobs)
		for k, v := range payload {
			if err := wrapped.Set(ctx, k, v, nil); err != nil {
				return nil, err
			}
		}
	}

	exec.ClearWait()
	exec.Status = StatusRunning
	exec.UpdatedAt = now
	if err := e.store.Save(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}
	e.emit(emit.Event{
		Type:        emit.TypeExecutionResumed,
		Timestamp:   now,
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      exec.CurrentStepID,
		Meta:        map[string]any{"by": "token"},
	})

	return e.Tick(ctx, exec.ID)
}

func (e *Engine) emit(event emit.Event) {
	if e.em != nil {
		e.em.Emit(event)
	}
}

// copyValues shallow-copies an input map so the execution context never
// aliases caller-owned state.
func copyValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
