package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/stepflow-go/flow"
)

// MySQL persists executions in MySQL for deployments where several
// processes share one store. Same layout as the SQLite store: full JSON
// record plus denormalized, indexed query columns.
type MySQL struct {
	db *sql.DB
}

// NewMySQL connects with a go-sql-driver DSN, e.g.
// "user:pass@tcp(localhost:3306)/stepflow?parseTime=true".
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &MySQL{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *MySQL) Close() error { return s.db.Close() }

func (s *MySQL) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id              VARCHAR(64) PRIMARY KEY,
		flow_id         VARCHAR(255) NOT NULL,
		status          VARCHAR(16) NOT NULL,
		wake_at         BIGINT NOT NULL DEFAULT 0,
		idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
		parent_id       VARCHAR(64) NOT NULL DEFAULT '',
		exec_deadline   BIGINT NOT NULL DEFAULT 0,
		wait_deadline   BIGINT NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		data            JSON NOT NULL,
		INDEX idx_exec_wake (status, wake_at),
		INDEX idx_exec_status (status, created_at),
		INDEX idx_exec_idem (flow_id, idempotency_key),
		INDEX idx_exec_parent (parent_id),
		INDEX idx_exec_deadline (exec_deadline),
		INDEX idx_wait_deadline (status, wait_deadline)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load implements flow.Store.
func (s *MySQL) Load(ctx context.Context, id string) (*flow.Execution, error) {
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
func (s *MySQL) Save(ctx context.Context, e *flow.Execution) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			wake_at = VALUES(wake_at),
			exec_deadline = VALUES(exec_deadline),
			wait_deadline = VALUES(wait_deadline),
			data = VALUES(data)`,
		e.ID, e.FlowID, string(e.Status), e.WakeAt, e.IdempotencyKey,
		e.ParentExecutionID, execDeadline, waitDeadline, e.CreatedAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Delete implements flow.Store.
func (s *MySQL) Delete(ctx context.Context, id string) (bool, error) {
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
func (s *MySQL) ListWakeReady(ctx context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return s.list(ctx,
		"SELECT data FROM executions WHERE status = ? AND wake_at > 0 AND wake_at <= ? ORDER BY wake_at",
		limit, string(flow.StatusWaiting), now)
}

// ListByStatus implements flow.Store.
func (s *MySQL) ListByStatus(ctx context.Context, status flow.Status, limit int) ([]*flow.Execution, error) {
	return s.list(ctx,
		"SELECT data FROM executions WHERE status = ? ORDER BY created_at",
		limit, string(status))
}

// FindByIdempotencyKey implements flow.Store.
func (s *MySQL) FindByIdempotencyKey(ctx context.Context, flowID, key string) (*flow.Execution, error) {
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
func (s *MySQL) FindChildren(ctx context.Context, parentID string) ([]*flow.Execution, error) {
	return s.list(ctx,
		"SELECT data FROM executions WHERE parent_id = ? ORDER BY created_at",
		0, parentID)
}

// FindTimedOutExecutions implements flow.Store.
func (s *MySQL) FindTimedOutExecutions(ctx context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return s.list(ctx, `
		SELECT data FROM executions
		WHERE exec_deadline > 0 AND exec_deadline <= ?
		  AND status NOT IN (?, ?, ?)
		ORDER BY exec_deadline`,
		limit, now,
		string(flow.StatusCompleted), string(flow.StatusFailed), string(flow.StatusCancelled))
}

// FindTimedOutWaits implements flow.Store.
func (s *MySQL) FindTimedOutWaits(ctx context.Context, now int64, limit int) ([]*flow.Execution, error) {
	return s.list(ctx, `
		SELECT data FROM executions
		WHERE status = ? AND wait_deadline > 0 AND wait_deadline <= ?
		ORDER BY wait_deadline`,
		limit, string(flow.StatusWaiting), now)
}

func (s *MySQL) list(ctx context.Context, query string, limit int, args ...any) ([]*flow.Execution, error) {
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
