package flow

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/dshills/stepflow-go/flow/emit"
	"github.com/dshills/stepflow-go/flow/table"
)

// runPipes projects a step result into the tables its pipes target.
// Pipes are strictly fire-and-forget: nothing here can fail the tick.
// A failed insert lands in the write-ahead log when one is configured
// and is otherwise discarded with an event.
func (e *Engine) runPipes(ctx context.Context, f *Flow, step *Step, exec *Execution, res Result) {
	pipes := f.PipesFor(step.ID)
	if len(pipes) == 0 || e.tables == nil {
		return
	}

	var doc []byte
	for _, pipe := range pipes {
		if !pipe.IsEnabled() || !pipe.Matches(res.Outcome) {
			continue
		}

		if doc == nil && len(pipe.Mappings) > 0 {
			data, err := json.Marshal(res.Output)
			if err != nil {
				e.log.Warn().Err(err).
					Str("executionId", exec.ID).
					Str("pipeId", pipe.ID).
					Msg("pipe output is not serializable")
				continue
			}
			doc = data
		}

		row := make(map[string]any, len(pipe.Mappings)+len(pipe.StaticValues)+2)
		for col, v := range pipe.StaticValues {
			row[col] = v
		}
		for _, m := range pipe.Mappings {
			v := gjson.GetBytes(doc, m.SourcePath)
			if !v.Exists() {
				continue
			}
			row[m.ColumnID] = v.Value()
		}
		row["_executionId"] = exec.ID
		row["_stepId"] = step.ID

		rowID, err := e.tables.Insert(ctx, pipe.TableID, row, exec.TenantID)
		if err != nil {
			e.pipeFailed(ctx, pipe, exec, row, err)
			continue
		}
		e.emit(emit.Event{
			Type:        emit.TypePipeInserted,
			Timestamp:   e.now(),
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      step.ID,
			Meta: map[string]any{
				"pipeId":  pipe.ID,
				"tableId": pipe.TableID,
				"rowId":   rowID,
			},
		})
	}
}

// pipeFailed buffers a failed pipe write in the WAL, or discards it
// when no WAL is configured.
func (e *Engine) pipeFailed(ctx context.Context, pipe Pipe, exec *Execution, row map[string]any, cause error) {
	e.metrics.pipeFailed()
	e.log.Warn().Err(cause).
		Str("executionId", exec.ID).
		Str("pipeId", pipe.ID).
		Str("tableId", pipe.TableID).
		Msg("pipe insert failed")
	e.emit(emit.Event{
		Type:        emit.TypePipeFailed,
		Timestamp:   e.now(),
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      pipe.StepID,
		Meta: map[string]any{
			"pipeId":  pipe.ID,
			"tableId": pipe.TableID,
			"error":   cause.Error(),
		},
	})

	if e.wal == nil {
		e.emit(emit.Event{
			Type:        emit.TypePipeDiscarded,
			Timestamp:   e.now(),
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      pipe.StepID,
			Meta:        map[string]any{"pipeId": pipe.ID, "tableId": pipe.TableID},
		})
		return
	}

	entry := table.WALEntry{
		TableID:     pipe.TableID,
		Row:         row,
		TenantID:    exec.TenantID,
		PipeID:      pipe.ID,
		ExecutionID: exec.ID,
		CreatedAt:   e.now(),
	}
	if err := e.wal.Append(ctx, entry); err != nil {
		// The WAL itself is best-effort; the row is gone.
		e.log.Error().Err(err).
			Str("executionId", exec.ID).
			Str("pipeId", pipe.ID).
			Msg("wal append failed, dropping row")
		e.emit(emit.Event{
			Type:        emit.TypePipeDiscarded,
			Timestamp:   e.now(),
			ExecutionID: exec.ID,
			FlowID:      exec.FlowID,
			StepID:      pipe.StepID,
			Meta:        map[string]any{"pipeId": pipe.ID, "tableId": pipe.TableID},
		})
		return
	}
	e.emit(emit.Event{
		Type:        emit.TypeWALAppended,
		Timestamp:   e.now(),
		ExecutionID: exec.ID,
		FlowID:      exec.FlowID,
		StepID:      pipe.StepID,
		Meta:        map[string]any{"pipeId": pipe.ID, "tableId": pipe.TableID},
	})
}

// ReplayWAL retries buffered pipe writes against the table store.
// Entries that land are acked; entries that fail again stay pending.
// Returns how many entries were replayed.
func (e *Engine) ReplayWAL(ctx context.Context, limit int) (int, error) {
	if e.wal == nil || e.tables == nil {
		return 0, nil
	}
	entries, err := e.wal.ReadPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		if _, err := e.tables.Insert(ctx, entry.TableID, entry.Row, entry.TenantID); err != nil {
			e.log.Warn().Err(err).
				Str("walId", entry.ID).
				Str("tableId", entry.TableID).
				Msg("wal replay failed, keeping entry")
			continue
		}
		if err := e.wal.Ack(ctx, entry.ID); err != nil {
			e.log.Warn().Err(err).Str("walId", entry.ID).Msg("wal ack failed")
			continue
		}
		replayed++
		e.emit(emit.Event{
			Type:        emit.TypeWALReplayed,
			Timestamp:   e.now(),
			ExecutionID: entry.ExecutionID,
			Meta: map[string]any{
				"walId":   entry.ID,
				"pipeId":  entry.PipeID,
				"tableId": entry.TableID,
			},
		})
	}
	return replayed, nil
}

// CompactWAL drops acked entries from the write-ahead log. Returns how
// many entries were removed.
func (e *Engine) CompactWAL(ctx context.Context) (int, error) {
	if e.wal == nil {
		return 0, nil
	}
	n, err := e.wal.Compact(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.emit(emit.Event{
			Type:      emit.TypeWALCompacted,
			Timestamp: e.now(),
			Meta:      map[string]any{"count": n},
		})
	}
	return n, nil
}
