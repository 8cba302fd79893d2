package flow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/stepflow-go/flow"
	"github.com/dshills/stepflow-go/flow/emit"
	"github.com/dshills/stepflow-go/flow/store"
	"github.com/dshills/stepflow-go/flow/table"
	"github.com/dshills/stepflow-go/flow/token"
)

// testClock is a controllable millisecond clock.
type testClock struct {
	mu  sync.Mutex
	now int64
}

func newTestClock() *testClock { return &testClock{now: 1_700_000_000_000} }

func (c *testClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

type harness struct {
	engine *flow.Engine
	flows  *flow.Registry
	store  *store.Memory
	tokens *token.MemManager
	events *emit.BufferedEmitter
	clock  *testClock
}

func newHarness(t *testing.T, handlers []flow.Handler, opts ...flow.EngineOption) *harness {
	t.Helper()

	h := &harness{
		flows:  flow.NewRegistry(),
		store:  store.NewMemory(),
		tokens: token.NewMemManager(),
		events: emit.NewBufferedEmitter(),
		clock:  newTestClock(),
	}
	h.tokens.SetClock(h.clock.Now)

	reg := flow.NewHandlerRegistry(nil)
	for _, handler := range handlers {
		if err := reg.Register(handler); err != nil {
			t.Fatalf("register handler %s: %v", handler.Type(), err)
		}
	}

	base := []flow.EngineOption{
		flow.WithEmitter(h.events),
		flow.WithTokenManager(h.tokens),
		flow.WithClock(h.clock.Now),
	}
	h.engine = flow.NewEngine(h.flows, reg, h.store, append(base, opts...)...)
	return h
}

func (h *harness) register(t *testing.T, f *flow.Flow) {
	t.Helper()
	if err := h.flows.Register(context.Background(), f); err != nil {
		t.Fatalf("register flow %s: %v", f.ID, err)
	}
}

func echoHandler() flow.Handler {
	return flow.NewHandler("echo", func(_ context.Context, p flow.Params) flow.Result {
		return flow.Success(p.Input)
	})
}

func linearFlow() *flow.Flow {
	return &flow.Flow{
		ID:            "order-intake",
		Version:       "1.0.0",
		InitialStepID: "validate",
		Steps: map[string]*flow.Step{
			"validate": {
				ID:          "validate",
				Type:        "echo",
				Input:       flow.InputSelector{Key: "order"},
				OutputKey:   "validated",
				Transitions: flow.Transitions{OnSuccess: "enrich"},
			},
			"enrich": {
				ID:        "enrich",
				Type:      "echo",
				Input:     flow.InputSelector{Path: "validated.sku"},
				OutputKey: "sku",
			},
		},
	}
}

func TestLinearExecution(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	exec, _, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "A-100", "qty": 2}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if exec.Status != flow.StatusPending {
		t.Fatalf("status = %s, want pending", exec.Status)
	}
	if exec.CurrentStepID != "validate" {
		t.Fatalf("currentStepId = %s, want validate", exec.CurrentStepID)
	}

	exec, err = h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.StepCount != 2 {
		t.Errorf("stepCount = %d, want 2", exec.StepCount)
	}
	if got := exec.Context["sku"]; got != "A-100" {
		t.Errorf("context[sku] = %v, want A-100", got)
	}
	if len(exec.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(exec.History))
	}
	if exec.History[0].StepID != "validate" || exec.History[1].StepID != "enrich" {
		t.Errorf("history order wrong: %+v", exec.History)
	}

	if n := h.events.CountType(emit.TypeExecutionCompleted); n != 1 {
		t.Errorf("execution.completed events = %d, want 1", n)
	}
	if n := h.events.CountType(emit.TypeStepCompleted); n != 2 {
		t.Errorf("step.completed events = %d, want 2", n)
	}
}

func TestTickOneStepAtATime(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	exec, _, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "A-100"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if exec.Status != flow.StatusRunning || exec.CurrentStepID != "enrich" || exec.StepCount != 1 {
		t.Fatalf("after tick 1: status=%s step=%s count=%d", exec.Status, exec.CurrentStepID, exec.StepCount)
	}

	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("after tick 2: status=%s", exec.Status)
	}

	// Ticking a terminal execution is a no-op.
	again, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if again.StepCount != 2 {
		t.Errorf("terminal tick changed stepCount to %d", again.StepCount)
	}
}

func TestTickUnknownExecution(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	_, err := h.engine.Tick(context.Background(), "nope")
	if flow.CodeOf(err) != flow.CodeExecutionNotFound {
		t.Fatalf("code = %q, want EXECUTION_NOT_FOUND", flow.CodeOf(err))
	}
}

func TestRetryWithBackoff(t *testing.T) {
	var attempts int
	flaky := flow.NewHandler("flaky", func(_ context.Context, _ flow.Params) flow.Result {
		attempts++
		if attempts < 3 {
			return flow.Failure("UPSTREAM_DOWN", "connection refused")
		}
		return flow.Success("ok")
	})

	h := newHarness(t, []flow.Handler{flaky})
	h.register(t, &flow.Flow{
		ID:            "sync-job",
		Version:       "1.0.0",
		InitialStepID: "pull",
		Steps: map[string]*flow.Step{
			"pull": {
				ID:        "pull",
				Type:      "flaky",
				Input:     flow.InputSelector{Static: "x"},
				OutputKey: "result",
				Retry: &flow.RetryPolicy{
					MaxAttempts: 3,
					BackoffMS:   1000,
					RetryOn:     []string{"UPSTREAM_DOWN"},
				},
			},
		},
	})
	ctx := context.Background()

	exec, _, err := h.engine.Create(ctx, "sync-job", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if exec.Status != flow.StatusWaiting {
		t.Fatalf("status = %s, want waiting (retry backoff)", exec.Status)
	}
	wantWake := h.clock.Now() + 1000
	if exec.WakeAt != wantWake {
		t.Errorf("wakeAt = %d, want %d", exec.WakeAt, wantWake)
	}
	if !strings.Contains(exec.WaitReason, "retry 1/3") {
		t.Errorf("waitReason = %q", exec.WaitReason)
	}

	// Not due yet: tick is a no-op.
	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("early tick: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("early tick ran the handler, attempts = %d", attempts)
	}

	// Second attempt fails again: backoff doubles.
	h.clock.Advance(1000)
	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if exec.WakeAt != h.clock.Now()+2000 {
		t.Errorf("second backoff wakeAt = %d, want now+2000", exec.WakeAt)
	}

	h.clock.Advance(2000)
	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(exec.RetryAttempts) != 0 {
		t.Errorf("retryAttempts not cleared: %v", exec.RetryAttempts)
	}
	if n := h.events.CountType(emit.TypeStepRetry); n != 2 {
		t.Errorf("step.retry events = %d, want 2", n)
	}
}

func TestRetryOnFiltersCodes(t *testing.T) {
	fatal := flow.NewHandler("fatal", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Failure("BAD_INPUT", "unfixable")
	})
	h := newHarness(t, []flow.Handler{fatal})
	h.register(t, &flow.Flow{
		ID:            "strict-job",
		Version:       "1.0.0",
		InitialStepID: "work",
		Steps: map[string]*flow.Step{
			"work": {
				ID:    "work",
				Type:  "fatal",
				Input: flow.InputSelector{Static: "x"},
				Retry: &flow.RetryPolicy{MaxAttempts: 5, BackoffMS: 100, RetryOn: []string{"UPSTREAM_DOWN"}},
			},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "strict-job", nil)
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusFailed {
		t.Fatalf("status = %s, want failed (code not retryable)", exec.Status)
	}
	if exec.Error == nil || exec.Error.Code != "BAD_INPUT" {
		t.Errorf("error = %+v, want BAD_INPUT", exec.Error)
	}
}

func TestOnFailureRouting(t *testing.T) {
	fail := flow.NewHandler("fail", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Failure("DECLINED", "card declined")
	})
	h := newHarness(t, []flow.Handler{fail, echoHandler()})
	h.register(t, &flow.Flow{
		ID:            "payment",
		Version:       "1.0.0",
		InitialStepID: "charge",
		Steps: map[string]*flow.Step{
			"charge": {
				ID:          "charge",
				Type:        "fail",
				Input:       flow.InputSelector{Static: "x"},
				Transitions: flow.Transitions{OnFailure: "notify"},
			},
			"notify": {
				ID:        "notify",
				Type:      "echo",
				Input:     flow.InputSelector{Static: "sorry"},
				OutputKey: "notice",
			},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "payment", nil)
	exec, err := h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("status = %s, want completed via onFailure", exec.Status)
	}
	if got := exec.Context["notice"]; got != "sorry" {
		t.Errorf("context[notice] = %v", got)
	}
	// The failure stays visible on the record even though routing
	// recovered.
	if exec.Error == nil || exec.Error.Code != "DECLINED" {
		t.Errorf("error = %+v, want DECLINED retained", exec.Error)
	}
}

func TestWaitAndTokenResume(t *testing.T) {
	approval := flow.NewHandler("approval", func(ctx context.Context, p flow.Params) flow.Result {
		tok, err := p.Tokens.Generate(ctx, p.Execution.ID, p.Step.ID, nil)
		if err != nil {
			return flow.FailureErr(err)
		}
		return flow.Wait(0, "awaiting manager approval").WithResumeToken(tok.Token)
	})
	h := newHarness(t, []flow.Handler{approval, echoHandler()})
	h.register(t, &flow.Flow{
		ID:            "expense",
		Version:       "1.0.0",
		InitialStepID: "request",
		Steps: map[string]*flow.Step{
			"request": {
				ID:          "request",
				Type:        "approval",
				Input:       flow.InputSelector{Static: "x"},
				Transitions: flow.Transitions{OnResume: "record"},
			},
			"record": {
				ID:        "record",
				Type:      "echo",
				Input:     flow.InputSelector{Key: "approval"},
				OutputKey: "recorded",
			},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "expense", nil)
	exec, err := h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusWaiting || exec.WakeAt != 0 {
		t.Fatalf("status=%s wakeAt=%d, want token-only wait", exec.Status, exec.WakeAt)
	}
	if exec.CurrentStepID != "record" {
		t.Fatalf("currentStepId = %s, want record (onResume)", exec.CurrentStepID)
	}

	// Timer ticks cannot move a token-only wait.
	h.clock.Advance(time.Hour.Milliseconds())
	exec, _ = h.engine.Tick(ctx, exec.ID)
	if exec.Status != flow.StatusWaiting {
		t.Fatalf("tick moved a token-only wait to %s", exec.Status)
	}

	toks, err := h.tokens.ListByExecution(ctx, exec.ID)
	if err != nil || len(toks) != 1 {
		t.Fatalf("tokens = %v, %v", toks, err)
	}

	exec, err = h.engine.Resume(ctx, toks[0].Token, map[string]any{"approval": "granted"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	exec, err = h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if got := exec.Context["recorded"]; got != "granted" {
		t.Errorf("context[recorded] = %v", got)
	}

	t.Run("token is single-use", func(t *testing.T) {
		_, err := h.engine.Resume(ctx, toks[0].Token, nil)
		if flow.CodeOf(err) != flow.CodeInvalidResumeToken {
			t.Fatalf("code = %q, want INVALID_RESUME_TOKEN", flow.CodeOf(err))
		}
	})
	t.Run("unknown token", func(t *testing.T) {
		_, err := h.engine.Resume(ctx, "bogus", nil)
		if flow.CodeOf(err) != flow.CodeInvalidResumeToken {
			t.Fatalf("code = %q, want INVALID_RESUME_TOKEN", flow.CodeOf(err))
		}
	})
}

func TestExpiredTokenResume(t *testing.T) {
	gated := flow.NewHandler("gated", func(ctx context.Context, p flow.Params) flow.Result {
		tok, err := p.Tokens.Generate(ctx, p.Execution.ID, p.Step.ID,
			&token.GenerateOptions{ExpiresInMS: 500})
		if err != nil {
			return flow.FailureErr(err)
		}
		return flow.Wait(0, "gated").WithResumeToken(tok.Token)
	})
	h := newHarness(t, []flow.Handler{gated})
	h.register(t, &flow.Flow{
		ID:            "gate",
		Version:       "1.0.0",
		InitialStepID: "hold",
		Steps: map[string]*flow.Step{
			"hold": {ID: "hold", Type: "gated", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "gate", nil)
	if _, err := h.engine.Run(ctx, exec.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	toks, _ := h.tokens.ListByExecution(ctx, exec.ID)
	if len(toks) != 1 {
		t.Fatalf("tokens = %d, want 1", len(toks))
	}

	h.clock.Advance(1000)
	_, err := h.engine.Resume(ctx, toks[0].Token, nil)
	if flow.CodeOf(err) != flow.CodeResumeTokenExpired {
		t.Fatalf("code = %q, want RESUME_TOKEN_EXPIRED", flow.CodeOf(err))
	}
}

func TestCancelCascades(t *testing.T) {
	spawned := flow.NewHandler("spawn", func(_ context.Context, p flow.Params) flow.Result {
		return flow.Wait(0, "parked")
	})
	h := newHarness(t, []flow.Handler{spawned})
	parkFlow := func(id string) *flow.Flow {
		return &flow.Flow{
			ID:            id,
			Version:       "1.0.0",
			InitialStepID: "park",
			Steps: map[string]*flow.Step{
				"park": {ID: "park", Type: "spawn", Input: flow.InputSelector{Static: "x"}},
			},
		}
	}
	h.register(t, parkFlow("parent-job"))
	h.register(t, parkFlow("child-job"))
	ctx := context.Background()

	parent, _, _ := h.engine.Create(ctx, "parent-job", nil)
	child, _, _ := h.engine.Create(ctx, "child-job", &flow.CreateOptions{ParentExecutionID: parent.ID})
	if _, err := h.engine.Run(ctx, parent.ID, nil); err != nil {
		t.Fatalf("run parent: %v", err)
	}
	if _, err := h.engine.Run(ctx, child.ID, nil); err != nil {
		t.Fatalf("run child: %v", err)
	}
	ptok, _ := h.tokens.Generate(ctx, parent.ID, "park", nil)

	if err := h.engine.Cancel(ctx, parent.ID, flow.CancelSourceUser, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	parent, _ = h.engine.Get(ctx, parent.ID)
	if parent.Status != flow.StatusCancelled {
		t.Fatalf("parent status = %s", parent.Status)
	}
	if parent.Cancellation == nil || parent.Cancellation.Source != flow.CancelSourceUser {
		t.Errorf("parent cancellation = %+v", parent.Cancellation)
	}
	if parent.Error == nil || parent.Error.Code != flow.CodeCancelled {
		t.Errorf("parent error = %+v, want CANCELLED", parent.Error)
	}

	child, _ = h.engine.Get(ctx, child.ID)
	if child.Status != flow.StatusCancelled {
		t.Fatalf("child status = %s, want cancelled", child.Status)
	}
	if child.Cancellation == nil || child.Cancellation.Source != flow.CancelSourceParent {
		t.Errorf("child cancellation = %+v, want source parent", child.Cancellation)
	}

	rec, _ := h.tokens.Get(ctx, ptok.Token)
	if rec.Status != token.StatusRevoked {
		t.Errorf("token status = %s, want revoked", rec.Status)
	}

	// Both the cancelled event and the compat failed event fire, once
	// per cancelled execution.
	if n := h.events.CountType(emit.TypeExecutionCancelled); n != 2 {
		t.Errorf("execution.cancelled events = %d, want 2", n)
	}
	failed := 0
	for _, ev := range h.events.ByType(emit.TypeExecutionFailed) {
		if ev.Meta["code"] == flow.CodeCancelled {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("execution.failed events with code CANCELLED = %d, want 2", failed)
	}

	// Cancel is idempotent.
	if err := h.engine.Cancel(ctx, parent.ID, flow.CancelSourceUser, "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	// Ticking a cancelled execution does nothing.
	after, _ := h.engine.Tick(ctx, parent.ID)
	if after.Status != flow.StatusCancelled {
		t.Errorf("tick after cancel: %s", after.Status)
	}
}

func TestIdempotentCreate(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	first, created, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		IdempotencyKey: "order-9871",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create not reported as created")
	}
	second, created, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		IdempotencyKey: "order-9871",
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatal("idempotency hit reported as created")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate create made a new execution %s != %s", second.ID, first.ID)
	}
	if n := h.events.CountType(emit.TypeIdempotencyHit); n != 1 {
		t.Errorf("idempotency.hit events = %d, want 1", n)
	}

	t.Run("window expiry", func(t *testing.T) {
		h.clock.Advance(25 * time.Hour.Milliseconds())
		third, created, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
			IdempotencyKey: "order-9871",
		})
		if err != nil {
			t.Fatalf("create after window: %v", err)
		}
		if !created || third.ID == first.ID {
			t.Fatal("expired key still deduped")
		}
	})

	t.Run("different key", func(t *testing.T) {
		other, _, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
			IdempotencyKey: "order-0001",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if other.ID == first.ID {
			t.Fatal("distinct keys collided")
		}
	})
}

func TestCreateWithExplicitID(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	exec, created, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		ExecutionID: "order-intake-7f3a",
		Input:       map[string]any{"order": map[string]any{"sku": "A-100"}},
	})
	if err != nil || !created {
		t.Fatalf("create = %v, created=%v", err, created)
	}
	if exec.ID != "order-intake-7f3a" {
		t.Fatalf("id = %q, want the supplied one", exec.ID)
	}
	if got, err := h.engine.Get(ctx, "order-intake-7f3a"); err != nil || got.Status != flow.StatusPending {
		t.Fatalf("get by supplied id = %+v, %v", got, err)
	}

	// Empty stays a generated UUID.
	other, _, err := h.engine.Create(ctx, "order-intake", nil)
	if err != nil || other.ID == "" || other.ID == exec.ID {
		t.Fatalf("generated id = %q, %v", other.ID, err)
	}
}

func TestMaxStepsGuard(t *testing.T) {
	loop := flow.NewHandler("loop", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Success(nil)
	})
	h := newHarness(t, []flow.Handler{loop}, flow.WithMaxSteps(5))
	h.register(t, &flow.Flow{
		ID:            "forever",
		Version:       "1.0.0",
		InitialStepID: "spin",
		Steps: map[string]*flow.Step{
			"spin": {
				ID:          "spin",
				Type:        "loop",
				Input:       flow.InputSelector{Static: "x"},
				Transitions: flow.Transitions{OnSuccess: "spin"},
			},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "forever", nil)
	exec, err := h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.Error == nil || exec.Error.Code != flow.CodeMaxSteps {
		t.Errorf("error = %+v, want MAX_STEPS", exec.Error)
	}
	if exec.StepCount != 5 {
		t.Errorf("stepCount = %d, want 5", exec.StepCount)
	}
}

func TestMaxIterationsGuard(t *testing.T) {
	napper := flow.NewHandler("nap", func(_ context.Context, p flow.Params) flow.Result {
		return flow.Wait(time.Now().UnixMilli(), "catnap")
	})
	h := newHarness(t, []flow.Handler{napper}, flow.WithMaxSteps(1_000_000))
	h.register(t, &flow.Flow{
		ID:            "nap-loop",
		Version:       "1.0.0",
		InitialStepID: "nap",
		Steps: map[string]*flow.Step{
			"nap": {
				ID:          "nap",
				Type:        "nap",
				Input:       flow.InputSelector{Static: "x"},
				Transitions: flow.Transitions{OnResume: "nap"},
			},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "nap-loop", nil)
	exec, err := h.engine.Run(ctx, exec.ID, &flow.RunOptions{MaxIterations: 10, SimulateTime: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusFailed || exec.Error == nil || exec.Error.Code != flow.CodeMaxIterations {
		t.Fatalf("got status=%s error=%+v, want MAX_ITERATIONS failure", exec.Status, exec.Error)
	}
}

func TestInvalidNextStepOverride(t *testing.T) {
	rogue := flow.NewHandler("rogue", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Success(nil).WithNextStep("missing-step")
	})
	h := newHarness(t, []flow.Handler{rogue})
	h.register(t, &flow.Flow{
		ID:            "rogue-flow",
		Version:       "1.0.0",
		InitialStepID: "go",
		Steps: map[string]*flow.Step{
			"go": {ID: "go", Type: "rogue", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "rogue-flow", nil)
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusFailed || exec.Error == nil || exec.Error.Code != flow.CodeInvalidTransition {
		t.Fatalf("got status=%s error=%+v, want INVALID_TRANSITION", exec.Status, exec.Error)
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	bomb := flow.NewHandler("bomb", func(_ context.Context, _ flow.Params) flow.Result {
		panic("boom")
	})
	h := newHarness(t, []flow.Handler{bomb})
	h.register(t, &flow.Flow{
		ID:            "volatile",
		Version:       "1.0.0",
		InitialStepID: "arm",
		Steps: map[string]*flow.Step{
			"arm": {ID: "arm", Type: "bomb", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "volatile", nil)
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusFailed || exec.Error == nil || exec.Error.Code != flow.CodeHandlerError {
		t.Fatalf("got status=%s error=%+v, want HANDLER_ERROR", exec.Status, exec.Error)
	}
}

func TestHandlerTimeout(t *testing.T) {
	slow := flow.NewHandler("slow", func(_ context.Context, _ flow.Params) flow.Result {
		time.Sleep(200 * time.Millisecond)
		return flow.Success("too late")
	})
	h := newHarness(t, []flow.Handler{slow}, flow.WithHandlerTimeout(20*time.Millisecond))
	h.register(t, &flow.Flow{
		ID:            "sluggish",
		Version:       "1.0.0",
		InitialStepID: "crawl",
		Steps: map[string]*flow.Step{
			"crawl": {ID: "crawl", Type: "slow", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "sluggish", nil)
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusFailed || exec.Error == nil || exec.Error.Code != flow.CodeHandlerError {
		t.Fatalf("got status=%s error=%+v, want HANDLER_ERROR timeout", exec.Status, exec.Error)
	}
	if n := h.events.CountType(emit.TypeStepTimeout); n != 1 {
		t.Errorf("step.timeout events = %d, want 1", n)
	}
}

func TestExecutionTimeoutCancels(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	exec, _, err := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input:    map[string]any{"order": map[string]any{"sku": "A-1"}},
		Timeouts: &flow.TimeoutConfig{ExecutionTimeoutMS: 1000},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.clock.Advance(2000)
	exec, err = h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", exec.Status)
	}
	if exec.Cancellation == nil || exec.Cancellation.Source != flow.CancelSourceTimeout {
		t.Errorf("cancellation = %+v, want source timeout", exec.Cancellation)
	}
}

func TestCrashRecoveryFromStore(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "B-7"}},
	})
	if _, err := h.engine.Tick(ctx, exec.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// A fresh engine over the same store picks up mid-flow.
	reg := flow.NewHandlerRegistry(nil)
	if err := reg.Register(echoHandler()); err != nil {
		t.Fatal(err)
	}
	engine2 := flow.NewEngine(h.flows, reg, h.store, flow.WithClock(h.clock.Now))
	done, err := engine2.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run on second engine: %v", err)
	}
	if done.Status != flow.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if done.StepCount != 2 {
		t.Errorf("stepCount = %d, want 2", done.StepCount)
	}
}

func TestPipesProjectIntoTables(t *testing.T) {
	tables := table.NewMemory()
	h := newHarness(t, []flow.Handler{echoHandler()}, flow.WithTableStore(tables))

	f := linearFlow()
	f.Pipes = []flow.Pipe{{
		ID:      "audit",
		StepID:  "validate",
		TableID: "orders",
		Mappings: []flow.PipeMapping{
			{SourcePath: "sku", ColumnID: "sku"},
			{SourcePath: "qty", ColumnID: "quantity"},
		},
		StaticValues: map[string]any{"source": "intake"},
	}}
	h.register(t, f)
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input:    map[string]any{"order": map[string]any{"sku": "A-100", "qty": float64(2)}},
		TenantID: "acme",
	})
	if _, err := h.engine.Run(ctx, exec.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := tables.Query(ctx, "orders", table.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row["sku"] != "A-100" || row["quantity"] != float64(2) || row["source"] != "intake" {
		t.Errorf("row = %v", row)
	}
	if row["_tenantId"] != "acme" {
		t.Errorf("tenant = %v, want acme", row["_tenantId"])
	}
	if n := h.events.CountType(emit.TypePipeInserted); n != 1 {
		t.Errorf("pipe.inserted events = %d, want 1", n)
	}
}

func TestPipeFailureGoesToWAL(t *testing.T) {
	tables := table.NewStrictMemory() // no schema declared: inserts fail
	wal := table.NewMemWAL()
	h := newHarness(t, []flow.Handler{echoHandler()},
		flow.WithTableStore(tables), flow.WithWAL(wal))

	f := linearFlow()
	f.Pipes = []flow.Pipe{{
		ID:       "audit",
		StepID:   "validate",
		TableID:  "missing-table",
		Mappings: []flow.PipeMapping{{SourcePath: "sku", ColumnID: "sku"}},
	}}
	h.register(t, f)
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "A-100"}},
	})
	exec, err := h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("pipe failure affected the execution: %s", exec.Status)
	}

	pending, _ := wal.ReadPending(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("wal entries = %d, want 1", len(pending))
	}
	if pending[0].TableID != "missing-table" || pending[0].Row["sku"] != "A-100" {
		t.Errorf("wal entry = %+v", pending[0])
	}

	t.Run("replay after table appears", func(t *testing.T) {
		if err := tables.CreateTable(ctx, &table.Table{
			ID:      "missing-table",
			Columns: []table.Column{{ID: "sku", Type: table.ColumnString}},
		}); err != nil {
			t.Fatal(err)
		}
		n, err := h.engine.ReplayWAL(ctx, 0)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if n != 1 {
			t.Fatalf("replayed = %d, want 1", n)
		}
		rows, _ := tables.Query(ctx, "missing-table", table.Query{})
		if len(rows) != 1 {
			t.Errorf("rows after replay = %d", len(rows))
		}
		left, _ := wal.ReadPending(ctx, 0)
		if len(left) != 0 {
			t.Errorf("pending after replay = %d", len(left))
		}
	})

	t.Run("compact drops acked entries", func(t *testing.T) {
		n, err := h.engine.CompactWAL(ctx)
		if err != nil {
			t.Fatalf("compact: %v", err)
		}
		if n != 1 {
			t.Errorf("compacted = %d, want 1", n)
		}
		if h.events.CountType(emit.TypeWALCompacted) != 1 {
			t.Error("no wal.compacted event")
		}
	})
}

func TestPipeDiscardedWithoutWAL(t *testing.T) {
	tables := table.NewStrictMemory()
	h := newHarness(t, []flow.Handler{echoHandler()}, flow.WithTableStore(tables))

	f := linearFlow()
	f.Pipes = []flow.Pipe{{
		ID:       "audit",
		StepID:   "validate",
		TableID:  "nowhere",
		Mappings: []flow.PipeMapping{{SourcePath: "sku", ColumnID: "sku"}},
	}}
	h.register(t, f)
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "A-100"}},
	})
	if _, err := h.engine.Run(ctx, exec.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := h.events.CountType(emit.TypePipeDiscarded); n != 1 {
		t.Errorf("pipe.discarded events = %d, want 1", n)
	}
}

func TestContextLimitFailsStep(t *testing.T) {
	big := flow.NewHandler("big", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Success(strings.Repeat("x", 2048))
	})
	h := newHarness(t, []flow.Handler{big}, flow.WithContextLimits(flow.Limits{
		MaxValueSize: 1024,
		MaxTotalSize: 1 << 20,
		MaxKeys:      100,
		MaxDepth:     15,
	}))
	h.register(t, &flow.Flow{
		ID:            "bloater",
		Version:       "1.0.0",
		InitialStepID: "fill",
		Steps: map[string]*flow.Step{
			"fill": {ID: "fill", Type: "big", Input: flow.InputSelector{Static: "x"}, OutputKey: "blob"},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "bloater", nil)
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusFailed || exec.Error == nil || exec.Error.Code != flow.CodeContextValueTooLarge {
		t.Fatalf("got status=%s error=%+v, want CONTEXT_VALUE_TOO_LARGE", exec.Status, exec.Error)
	}
}

// memBlobs is an in-memory BlobStore for exercising the external tier.
type memBlobs struct {
	mu    sync.Mutex
	seq   int
	blobs map[string]any
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string]any)} }

func (m *memBlobs) Put(_ context.Context, value any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("blob-%d", m.seq)
	m.blobs[ref] = value
	return ref, nil
}

func (m *memBlobs) Get(_ context.Context, ref string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[ref]
	if !ok {
		return nil, errors.New("blob not found: " + ref)
	}
	return v, nil
}

func TestHandlerVarsDereferenceExternal(t *testing.T) {
	payload := strings.Repeat("x", 2048)
	stash := flow.NewHandler("stash", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Success(payload)
	})

	var rawSeen any
	var derefSeen any
	read := flow.NewHandler("read", func(ctx context.Context, p flow.Params) flow.Result {
		rawSeen = p.Context["payload"]
		v, err := p.Vars.Get(ctx, "payload")
		if err != nil {
			return flow.Failure(flow.CodeInputError, err.Error())
		}
		derefSeen = v
		return flow.Success(nil)
	})

	h := newHarness(t, []flow.Handler{stash, read},
		flow.WithBlobStore(newMemBlobs()),
		flow.WithContextLimits(flow.Limits{
			MaxValueSize:    1 << 20,
			MaxTotalSize:    1 << 20,
			MaxKeys:         100,
			MaxDepth:        15,
			InlineThreshold: 256,
		}))
	h.register(t, &flow.Flow{
		ID:            "offload",
		Version:       "1.0.0",
		InitialStepID: "stash",
		Steps: map[string]*flow.Step{
			"stash": {
				ID: "stash", Type: "stash",
				Input:       flow.InputSelector{Static: "x"},
				OutputKey:   "payload",
				Transitions: flow.Transitions{OnSuccess: "read"},
			},
			"read": {ID: "read", Type: "read", Input: flow.InputSelector{Full: true}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "offload", nil)
	exec, err := h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", exec.Status, exec.Error)
	}

	// The raw snapshot holds the marker; Vars.Get resolves it.
	if _, isMarker := rawSeen.(map[string]any); !isMarker {
		t.Errorf("raw context value = %T, want external marker map", rawSeen)
	}
	if derefSeen != payload {
		t.Errorf("Vars.Get returned %d bytes, want the stored payload", len(fmt.Sprint(derefSeen)))
	}
}

func TestRunnerSweepsTimeouts(t *testing.T) {
	parked := flow.NewHandler("park", func(_ context.Context, _ flow.Params) flow.Result {
		return flow.Wait(0, "parked")
	})
	h := newHarness(t, []flow.Handler{parked})
	h.register(t, &flow.Flow{
		ID:            "stale",
		Version:       "1.0.0",
		InitialStepID: "park",
		Steps: map[string]*flow.Step{
			"park": {ID: "park", Type: "park", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "stale", &flow.CreateOptions{
		Timeouts: &flow.TimeoutConfig{ExecutionTimeoutMS: 0, WaitTimeoutMS: 1000},
	})
	if _, err := h.engine.Run(ctx, exec.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	runner := flow.NewRunner(h.engine)
	h.clock.Advance(5000)
	if err := runner.SweepTimeouts(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	exec, _ = h.engine.Get(ctx, exec.ID)
	if exec.Status != flow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled by wait timeout", exec.Status)
	}
	if exec.Cancellation == nil || exec.Cancellation.Source != flow.CancelSourceTimeout {
		t.Errorf("cancellation = %+v", exec.Cancellation)
	}
}

func TestRunnerTicksDueExecutions(t *testing.T) {
	var ran int
	step := flow.NewHandler("count", func(_ context.Context, _ flow.Params) flow.Result {
		ran++
		return flow.Success(ran)
	})
	h := newHarness(t, []flow.Handler{step})
	h.register(t, &flow.Flow{
		ID:            "tickable",
		Version:       "1.0.0",
		InitialStepID: "count",
		Steps: map[string]*flow.Step{
			"count": {ID: "count", Type: "count", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	a, _, _ := h.engine.Create(ctx, "tickable", nil)
	b, _, _ := h.engine.Create(ctx, "tickable", nil)

	runner := flow.NewRunner(h.engine)
	n, err := runner.TickDue(ctx)
	if err != nil {
		t.Fatalf("tickDue: %v", err)
	}
	if n != 2 {
		t.Fatalf("ticked = %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		exec, _ := h.engine.Get(ctx, id)
		if exec.Status != flow.StatusCompleted {
			t.Errorf("execution %s status = %s", id, exec.Status)
		}
	}
}

func TestResumeNonWaitingExecution(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, linearFlow())
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "A-1"}},
	})
	tok, err := h.tokens.Generate(ctx, exec.ID, "validate", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.Resume(ctx, tok.Token, nil)
	if flow.CodeOf(err) != flow.CodeExecutionNotWaiting {
		t.Fatalf("code = %q, want EXECUTION_NOT_WAITING", flow.CodeOf(err))
	}
}

func TestCreateUnknownFlow(t *testing.T) {
	h := newHarness(t, []flow.Handler{echoHandler()})
	_, _, err := h.engine.Create(context.Background(), "ghost", nil)
	if flow.CodeOf(err) != flow.CodeFlowNotFound {
		t.Fatalf("code = %q, want FLOW_NOT_FOUND", flow.CodeOf(err))
	}
}

func TestMissingHandlerFailsExecution(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, &flow.Flow{
		ID:            "orphan",
		Version:       "1.0.0",
		InitialStepID: "do",
		Steps: map[string]*flow.Step{
			"do": {ID: "do", Type: "unregistered", Input: flow.InputSelector{Static: "x"}},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "orphan", nil)
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusFailed || exec.Error == nil || exec.Error.Code != flow.CodeHandlerNotFound {
		t.Fatalf("got status=%s error=%+v, want HANDLER_NOT_FOUND", exec.Status, exec.Error)
	}
}

// failingStore wraps the memory store and fails every Save after a
// threshold, to show a Tick error never corrupts the stored record.
type failingStore struct {
	*store.Memory
	saves  int
	failAt int
}

func (f *failingStore) Save(ctx context.Context, e *flow.Execution) error {
	f.saves++
	if f.failAt > 0 && f.saves >= f.failAt {
		return errors.New("disk full")
	}
	return f.Memory.Save(ctx, e)
}

func TestSaveFailureSurfacesError(t *testing.T) {
	fs := &failingStore{Memory: store.NewMemory()}
	flows := flow.NewRegistry()
	reg := flow.NewHandlerRegistry(nil)
	if err := reg.Register(echoHandler()); err != nil {
		t.Fatal(err)
	}
	engine := flow.NewEngine(flows, reg, fs)
	if err := flows.Register(context.Background(), linearFlow()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	exec, _, err := engine.Create(ctx, "order-intake", &flow.CreateOptions{
		Input: map[string]any{"order": map[string]any{"sku": "A-1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fs.failAt = fs.saves + 1
	if _, err := engine.Tick(ctx, exec.ID); err == nil {
		t.Fatal("tick succeeded with a failing store")
	}

	// The stored record still shows the pre-tick state.
	fs.failAt = 0
	loaded, err := engine.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.StepCount != 0 || loaded.Status != flow.StatusPending {
		t.Errorf("stored record mutated: status=%s count=%d", loaded.Status, loaded.StepCount)
	}
}

func TestFlowVersionPinning(t *testing.T) {
	v := func(version, output string) *flow.Flow {
		return &flow.Flow{
			ID:            "versioned",
			Version:       version,
			InitialStepID: "emit",
			Steps: map[string]*flow.Step{
				"emit": {
					ID:        "emit",
					Type:      "echo",
					Input:     flow.InputSelector{Static: output},
					OutputKey: "out",
				},
			},
		}
	}
	h := newHarness(t, []flow.Handler{echoHandler()})
	h.register(t, v("1.0.0", "old"))
	h.register(t, v("1.10.0", "new"))
	h.register(t, v("1.9.0", "middle"))
	ctx := context.Background()

	t.Run("latest by default", func(t *testing.T) {
		exec, _, _ := h.engine.Create(ctx, "versioned", nil)
		if exec.FlowVersion != "1.10.0" {
			t.Fatalf("flowVersion = %s, want 1.10.0", exec.FlowVersion)
		}
		exec, _ = h.engine.Run(ctx, exec.ID, nil)
		if exec.Context["out"] != "new" {
			t.Errorf("out = %v", exec.Context["out"])
		}
	})

	t.Run("pinned version survives later registrations", func(t *testing.T) {
		exec, _, _ := h.engine.Create(ctx, "versioned", &flow.CreateOptions{FlowVersion: "1.0.0"})
		h.register(t, v("2.0.0", "newest"))
		exec, err := h.engine.Run(ctx, exec.ID, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if exec.Context["out"] != "old" {
			t.Errorf("out = %v, want old", exec.Context["out"])
		}
	})
}

func TestWaitWithWakeTimer(t *testing.T) {
	var calls int
	poller := flow.NewHandler("poll", func(_ context.Context, p flow.Params) flow.Result {
		calls++
		if calls < 2 {
			now, _ := p.Context["now"].(float64)
			return flow.Wait(int64(now)+5000, "poll backoff")
		}
		return flow.Success("ready")
	})
	h := newHarness(t, []flow.Handler{poller})
	h.register(t, &flow.Flow{
		ID:            "poller",
		Version:       "1.0.0",
		InitialStepID: "poll",
		Steps: map[string]*flow.Step{
			"poll": {
				ID:        "poll",
				Type:      "poll",
				Input:     flow.InputSelector{Static: "x"},
				OutputKey: "status",
			},
		},
	})
	ctx := context.Background()

	exec, _, _ := h.engine.Create(ctx, "poller", &flow.CreateOptions{
		Input: map[string]any{"now": float64(h.clock.Now())},
	})
	exec, err := h.engine.Tick(ctx, exec.ID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.Status != flow.StatusWaiting || exec.WakeAt != h.clock.Now()+5000 {
		t.Fatalf("status=%s wakeAt=%d", exec.Status, exec.WakeAt)
	}
	// Without onResume the step re-runs on wake.
	if exec.CurrentStepID != "poll" {
		t.Fatalf("currentStepId = %s, want poll", exec.CurrentStepID)
	}

	h.clock.Advance(5000)
	exec, err = h.engine.Run(ctx, exec.ID, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != flow.StatusCompleted || exec.Context["status"] != "ready" {
		t.Fatalf("status=%s context=%v", exec.Status, exec.Context)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}
