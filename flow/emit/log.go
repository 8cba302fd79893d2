package emit

import "github.com/rs/zerolog"

// LogEmitter writes every event as one structured log line.
//
// Events log at debug level except failures and timeouts, which log at
// warn so they surface under a production log filter.
//
//	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
//	bus := emit.Multi{emit.NewLogEmitter(logger), myBus}
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates a LogEmitter over the given logger.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit writes the event through zerolog.
func (l *LogEmitter) Emit(event Event) {
	ev := l.log.Debug()
	switch event.Type {
	case TypeExecutionFailed, TypeStepTimeout, TypePipeFailed, TypePipeDiscarded:
		ev = l.log.Warn()
	}

	ev = ev.Str("event", event.Type).Int64("ts", event.Timestamp)
	if event.ExecutionID != "" {
		ev = ev.Str("executionId", event.ExecutionID)
	}
	if event.FlowID != "" {
		ev = ev.Str("flowId", event.FlowID)
	}
	if event.StepID != "" {
		ev = ev.Str("stepId", event.StepID)
	}
	if len(event.Meta) > 0 {
		ev = ev.Interface("meta", event.Meta)
	}
	ev.Msg(event.Type)
}
