package flow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/stepflow-go/flow/emit"
)

// Runner is the background driver for durable executions: it polls the
// store for wake-ready executions and ticks them, sweeps execution and
// wait timeouts, and expires stale resume tokens.
//
// One runner per process is enough; the engine's load-execute-save
// cycle keeps concurrent runners safe as long as the store serializes
// writes per execution.
type Runner struct {
	engine *Engine
	log    zerolog.Logger

	pollInterval  time.Duration
	sweepInterval time.Duration
	batchSize     int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval sets how often the runner polls for due executions.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithSweepInterval sets how often timeouts and tokens are swept.
func WithSweepInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithBatchSize caps how many executions one poll picks up.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRunnerLogger sets the runner's structured logger.
func WithRunnerLogger(log zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner creates a runner over an engine.
func NewRunner(engine *Engine, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:        engine,
		log:           zerolog.Nop(),
		pollInterval:  time.Second,
		sweepInterval: time.Minute,
		batchSize:     100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the polling and sweeping loops until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	poll := time.NewTicker(r.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(r.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if n, err := r.TickDue(ctx); err != nil {
				r.log.Warn().Err(err).Msg("tick pass failed")
			} else if n > 0 {
				r.log.Debug().Int("count", n).Msg("ticked due executions")
			}
		case <-sweep.C:
			if err := r.SweepTimeouts(ctx); err != nil {
				r.log.Warn().Err(err).Msg("timeout sweep failed")
			}
			if err := r.CleanupTokens(ctx); err != nil {
				r.log.Warn().Err(err).Msg("token cleanup failed")
			}
			if err := r.DrainWAL(ctx); err != nil {
				r.log.Warn().Err(err).Msg("wal drain failed")
			}
		}
	}
}

// TickDue ticks every execution whose wake time has arrived, plus any
// still pending. Returns how many executions were ticked.
func (r *Runner) TickDue(ctx context.Context) (int, error) {
	now := r.engine.now()
	due, err := r.engine.store.ListWakeReady(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}
	pending, err := r.engine.store.ListByStatus(ctx, StatusPending, r.batchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, exec := range append(due, pending...) {
		if _, err := r.engine.Run(ctx, exec.ID, nil); err != nil {
			r.log.Warn().Err(err).Str("executionId", exec.ID).Msg("run failed")
			continue
		}
		count++
	}
	return count, nil
}

// SweepTimeouts cancels executions that outlived their execution
// timeout and waits that outlived their wait timeout.
func (r *Runner) SweepTimeouts(ctx context.Context) error {
	now := r.engine.now()

	expired, err := r.engine.store.FindTimedOutExecutions(ctx, now, r.batchSize)
	if err != nil {
		return err
	}
	for _, exec := range expired {
		if err := r.engine.Cancel(ctx, exec.ID, CancelSourceTimeout, "execution timeout exceeded"); err != nil {
			r.log.Warn().Err(err).Str("executionId", exec.ID).Msg("timeout cancel failed")
		}
	}

	stale, err := r.engine.store.FindTimedOutWaits(ctx, now, r.batchSize)
	if err != nil {
		return err
	}
	for _, exec := range stale {
		if err := r.engine.Cancel(ctx, exec.ID, CancelSourceTimeout, "wait timeout exceeded"); err != nil {
			r.log.Warn().Err(err).Str("executionId", exec.ID).Msg("wait timeout cancel failed")
		}
	}
	return nil
}

// DrainWAL replays buffered pipe rows and compacts the log.
func (r *Runner) DrainWAL(ctx context.Context) error {
	n, err := r.engine.ReplayWAL(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Debug().Int("count", n).Msg("replayed wal entries")
	}
	_, err = r.engine.CompactWAL(ctx)
	return err
}

// CleanupTokens expires lapsed resume tokens.
func (r *Runner) CleanupTokens(ctx context.Context) error {
	if r.engine.tokens == nil {
		return nil
	}
	n, err := r.engine.tokens.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.engine.emit(emit.Event{
			Type:      emit.TypeTokensCleaned,
			Timestamp: r.engine.now(),
			Meta:      map[string]any{"count": n},
		})
	}
	return nil
}
