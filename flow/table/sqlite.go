package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite persists table rows and WAL entries in a SQLite database. Rows
// are stored as JSON documents keyed by (table_id, row_id); filtering
// and ordering happen in Go after decoding, which is fine at the row
// counts pipes produce.
//
// The same value can serve as both Store and WAL.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and prepares the
// schema.
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
	CREATE TABLE IF NOT EXISTS table_schemas (
		table_id TEXT PRIMARY KEY,
		schema   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS table_rows (
		table_id   TEXT NOT NULL,
		row_id     TEXT NOT NULL,
		tenant_id  TEXT NOT NULL DEFAULT '',
		data       TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (table_id, row_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rows_table ON table_rows(table_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_rows_tenant ON table_rows(table_id, tenant_id);
	CREATE TABLE IF NOT EXISTS pipe_wal (
		id         TEXT PRIMARY KEY,
		entry      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		acked      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_wal_pending ON pipe_wal(acked, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateTable declares a table schema.
func (s *SQLite) CreateTable(ctx context.Context, t *Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO table_schemas (table_id, schema) VALUES (?, ?)", t.ID, string(data))
	if err != nil {
		return fmt.Errorf("failed to store schema: %w", err)
	}
	return nil
}

// Schema implements Registry.
func (s *SQLite) Schema(ctx context.Context, tableID string) (*Table, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT schema FROM table_schemas WHERE table_id = ?", tableID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	var t Table
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return &t, nil
}

// Insert adds one row and returns its assigned ID.
func (s *SQLite) Insert(ctx context.Context, tableID string, values map[string]any, tenantID string) (string, error) {
	rowID := uuid.NewString()
	now := time.Now().UnixMilli()

	doc := make(map[string]any, len(values)+3)
	for k, v := range values {
		doc[k] = v
	}
	doc["_id"] = rowID
	doc["_createdAt"] = now
	if tenantID != "" {
		doc["_tenantId"] = tenantID
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode row: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO table_rows (table_id, row_id, tenant_id, data, created_at) VALUES (?, ?, ?, ?, ?)",
		tableID, rowID, tenantID, string(data), now)
	if err != nil {
		return "", fmt.Errorf("failed to insert row: %w", err)
	}
	return rowID, nil
}

// InsertBatch adds rows in one transaction: either all land or none do.
func (s *SQLite) InsertBatch(ctx context.Context, tableID string, batch []map[string]any, tenantID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(batch))
	for _, values := range batch {
		rowID := uuid.NewString()
		now := time.Now().UnixMilli()

		doc := make(map[string]any, len(values)+3)
		for k, v := range values {
			doc[k] = v
		}
		doc["_id"] = rowID
		doc["_createdAt"] = now
		if tenantID != "" {
			doc["_tenantId"] = tenantID
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO table_rows (table_id, row_id, tenant_id, data, created_at) VALUES (?, ?, ?, ?, ?)",
			tableID, rowID, tenantID, string(data), now); err != nil {
			return nil, fmt.Errorf("failed to insert row: %w", err)
		}
		ids = append(ids, rowID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return ids, nil
}

// Get returns one row by ID.
func (s *SQLite) Get(ctx context.Context, tableID, rowID string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM table_rows WHERE table_id = ? AND row_id = ?", tableID, rowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load row: %w", err)
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return values, nil
}

// Query returns rows matching the query in insertion order unless
// OrderBy is set.
func (s *SQLite) Query(ctx context.Context, tableID string, q Query) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM table_rows WHERE table_id = ? ORDER BY created_at, row_id", tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var values map[string]any
		if err := json.Unmarshal([]byte(data), &values); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		if matches(values, q.Filter) {
			out = append(out, values)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	if q.OrderBy != "" {
		col := q.OrderBy
		sortRows(out, col, q.Desc)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

// Update merges values into an existing row.
func (s *SQLite) Update(ctx context.Context, tableID, rowID string, values map[string]any) error {
	current, err := s.Get(ctx, tableID, rowID)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE table_rows SET data = ? WHERE table_id = ? AND row_id = ?",
		string(data), tableID, rowID)
	if err != nil {
		return fmt.Errorf("failed to update row: %w", err)
	}
	return nil
}

// Delete removes a row, reporting whether it existed.
func (s *SQLite) Delete(ctx context.Context, tableID, rowID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM table_rows WHERE table_id = ? AND row_id = ?", tableID, rowID)
	if err != nil {
		return false, fmt.Errorf("failed to delete row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Count returns how many rows match the filter.
func (s *SQLite) Count(ctx context.Context, tableID string, filter map[string]any) (int, error) {
	if len(filter) == 0 {
		var n int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM table_rows WHERE table_id = ?", tableID).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count rows: %w", err)
		}
		return n, nil
	}
	rows, err := s.Query(ctx, tableID, Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func sortRows(rows []map[string]any, col string, desc bool) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			less := compareValues(rows[j][col], rows[j-1][col]) < 0
			if desc {
				less = compareValues(rows[j-1][col], rows[j][col]) < 0
			}
			if !less {
				break
			}
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

// Append implements WAL.
func (s *SQLite) Append(ctx context.Context, entry WALEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode wal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO pipe_wal (id, entry, created_at, acked) VALUES (?, ?, ?, 0)",
		entry.ID, string(data), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append wal entry: %w", err)
	}
	return nil
}

// ReadPending implements WAL.
func (s *SQLite) ReadPending(ctx context.Context, limit int) ([]WALEntry, error) {
	query := "SELECT entry FROM pipe_wal WHERE acked = 0 ORDER BY created_at, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read wal: %w", err)
	}
	defer rows.Close()

	var out []WALEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan wal entry: %w", err)
		}
		var e WALEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to decode wal entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wal iteration failed: %w", err)
	}
	return out, nil
}

// Ack implements WAL.
func (s *SQLite) Ack(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE pipe_wal SET acked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to ack wal entry: %w", err)
	}
	return nil
}

// Compact implements WAL.
func (s *SQLite) Compact(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pipe_wal WHERE acked = 1")
	if err != nil {
		return 0, fmt.Errorf("failed to compact wal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}
