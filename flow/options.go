package flow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/stepflow-go/flow/emit"
	"github.com/dshills/stepflow-go/flow/table"
	"github.com/dshills/stepflow-go/flow/token"
)

// Engine defaults.
const (
	DefaultMaxSteps       = 1000
	DefaultMaxIterations  = 10_000
	DefaultHandlerTimeout = 30 * time.Second
)

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithMaxSteps caps the number of steps a single execution may run.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxIterations caps how many ticks a single Run call may perform.
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithHandlerTimeout bounds each handler invocation. Results arriving
// after the deadline are discarded.
func WithHandlerTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.handlerTimeout = d
		}
	}
}

// WithLogger sets the engine's structured logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithMetrics publishes engine metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEmitter publishes lifecycle events.
func WithEmitter(em emit.Emitter) EngineOption {
	return func(e *Engine) {
		if em != nil {
			e.em = em
		}
	}
}

// WithTokenManager enables resume tokens for waiting executions.
func WithTokenManager(tm token.Manager) EngineOption {
	return func(e *Engine) { e.tokens = tm }
}

// WithTableStore enables pipes by giving them a row destination.
func WithTableStore(ts table.Store) EngineOption {
	return func(e *Engine) { e.tables = ts }
}

// WithWAL buffers failed pipe writes for later replay.
func WithWAL(wal table.WAL) EngineOption {
	return func(e *Engine) { e.wal = wal }
}

// WithHistory toggles per-step history on the execution record.
// History is on by default.
func WithHistory(enabled bool) EngineOption {
	return func(e *Engine) { e.history = enabled }
}

// WithContextLimits overrides the execution context bounds.
func WithContextLimits(limits Limits) EngineOption {
	return func(e *Engine) { e.limits = limits }
}

// WithBlobStore enables the external storage tier for oversized context
// values.
func WithBlobStore(blobs BlobStore) EngineOption {
	return func(e *Engine) { e.blobs = blobs }
}

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() int64) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
