package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dshills/stepflow-go/flow"
)

// SQLite persists executions in a SQLite database, suitable for
// single-node durable deployments. The full record is stored as JSON;
// the columns the store queries on (status, wake time, idempotency key,
// parent, deadlines) are denormalized and indexed.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and prepares the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id              TEXT PRIMARY KEY,
		flow_id         TEXT NOT NULL,
		status          TEXT NOT NULL,
		wake_at         INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL DEFAULT '',
		parent_id       TEXT NOT NULL DEFAULT '',
		exec_deadline   INTEGER NOT NULL DEFAULT 0,
		wait_deadline   INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		data            TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exec_wake ON executions(status, wake_at);
	CREATE INDEX IF NOT EXISTS idx_exec_status ON executions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_exec_idem ON executions(flow_id, idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_exec_parent ON executions(parent_id);
	CREATE INDEX IF NOT EXISTS idx_exec_deadline ON executions(exec_deadline);
	CREATE INDEX IF NOT EXISTS idx_wait_deadline ON executions(status, wait_deadline);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load implements flow.Store.
func (s *SQLite) Load(ctx context.Context, id string) (*flow.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM executions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return decode(data)
}

// Save implements flow.Store.
func (s *SQLite) Save(ctx context.Context, e *flow.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	execDeadline, waitDeadline := deadlines(e)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, flow_id, status, wake_at, idempotency_key, parent_id,
			 exec_deadline, wait_deadline, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			wake_at = excluded.wake_at,
			exec_deadline = excluded.exec_deadline,
			wait_deadline = excluded.wait_deadline,
			data = excluded.data`,
		e.ID, e.FlowID, string(e.Status), e.WakeAt, e.IdempotencyKey,
		e.ParentExecutionID, execDeadline, waitDeadline, e.CreatedAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Delete implements flow.Store.
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListWakeReady implements flow.Store.
func (s *SQLite) ListWakeReady(ctx context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return s.list(ctx,
		"SELECT data FROM executions WHERE status = ? AND wake_at > 0 AND wake_at <= ? ORDER BY wake_at",
		limit, string(flow.StatusWaiting), now)
}

// ListByStatus implements flow.Store.
func (s *SQLite) ListByStatus(ctx context.Context, status flow.Status, limit int) ([]*flow.Execution, error) {
	return s.list(ctx,
		"SELECT data FROM executions WHERE status = ? ORDER BY created_at",
		limit, string(status))
}

// FindByIdempotencyKey implements flow.Store.
func (s *SQLite) FindByIdempotencyKey(ctx context.Context, flowID, key string) (*flow.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM executions
		WHERE flow_id = ? AND idempotency_key = ? AND idempotency_key != ''
		ORDER BY created_at DESC LIMIT 1`,
		flowID, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return decode(data)
}

// FindChildren implements flow.Store.
func (s *SQLite) FindChildren(ctx context.Context, parentID string) ([]*flow.Execution, error) {
	return s.list(ctx,
		"SELECT data FROM executions WHERE parent_id = ? ORDER BY created_at",
		0, parentID)
}

// FindTimedOutExecutions implements flow.Store.
func (s *SQLite) FindTimedOutExecutions(ctx context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return s.list(ctx, `
		SELECT data FROM executions
		WHERE exec_deadline > 0 AND exec_deadline <= ?
		  AND status NOT IN (?, ?, ?)
		ORDER BY exec_deadline`,
		limit, now,
		string(flow.StatusCompleted), string(flow.StatusFailed), string(flow.StatusCancelled))
}

// FindTimedOutWaits implements flow.Store.
func (s *SQLite) FindTimedOutWaits(ctx context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return s.list(ctx, `
		SELECT data FROM executions
		WHERE status = ? AND wait_deadline > 0 AND wait_deadline <= ?
		ORDER BY wait_deadline`,
		limit, string(flow.StatusWaiting), now)
}

func (s *SQLite) list(ctx context.Context, query string, limit int, args ...any) ([]*flow.Execution, error) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*flow.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution iteration failed: %w", err)
	}
	return out, nil
}

func decode(data string) (*flow.Execution, error) {
	var e flow.Execution
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return &e, nil
}

// deadlines derives the indexed timeout columns from the record.
func deadlines(e *flow.Execution) (execDeadline, waitDeadline int64) {
	if e.Timeouts.ExecutionTimeoutMS > 0 {
		execDeadline = e.CreatedAt + e.Timeouts.ExecutionTimeoutMS
	}
	if e.Status == flow.StatusWaiting && e.Timeouts.WaitTimeoutMS > 0 && e.WaitStartedAt > 0 {
		waitDeadline = e.WaitStartedAt + e.Timeouts.WaitTimeoutMS
	}
	return execDeadline, waitDeadline
}
