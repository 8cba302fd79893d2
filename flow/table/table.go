// Package table provides the typed-table side channel the pipe writer
// projects step outputs into, plus the write-ahead log that buffers
// failed projections for later replay.
package table

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown tables and rows.
var ErrNotFound = errors.New("not found")

// ColumnType is the declared type of a table column.
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnNumber  ColumnType = "number"
	ColumnBool    ColumnType = "bool"
	ColumnObject  ColumnType = "object"
	ColumnArray   ColumnType = "array"
	ColumnAny     ColumnType = "any"
)

// Column is one column of a table schema.
type Column struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	Type     ColumnType `json:"type"`
	Required bool       `json:"required,omitempty"`
}

// Table is a declared table schema.
type Table struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Columns []Column `json:"columns"`
}

// Column returns the column with the given ID.
func (t *Table) Column(id string) (Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Registry resolves table schemas for pipe hookup validation.
type Registry interface {
	// Schema returns the declared schema, or ErrNotFound.
	Schema(ctx context.Context, tableID string) (*Table, error)
}

// Query filters and orders a table read.
type Query struct {
	// Filter matches rows whose values equal every entry.
	Filter map[string]any

	// OrderBy names a column; zero value preserves insertion order.
	OrderBy string
	Desc    bool

	Limit  int
	Offset int
}

// Store persists typed rows. Implementations assign row IDs.
type Store interface {
	Insert(ctx context.Context, tableID string, row map[string]any, tenantID string) (rowID string, err error)
	InsertBatch(ctx context.Context, tableID string, rows []map[string]any, tenantID string) ([]string, error)
	Get(ctx context.Context, tableID, rowID string) (map[string]any, error)
	Query(ctx context.Context, tableID string, q Query) ([]map[string]any, error)
	Update(ctx context.Context, tableID, rowID string, values map[string]any) error
	Delete(ctx context.Context, tableID, rowID string) (bool, error)
	Count(ctx context.Context, tableID string, filter map[string]any) (int, error)
}

// WALEntry is one buffered row write that failed against the table
// store. CreatedAt is epoch milliseconds.
type WALEntry struct {
	ID          string         `json:"id"`
	TableID     string         `json:"tableId"`
	Row         map[string]any `json:"row"`
	TenantID    string         `json:"tenantId,omitempty"`
	PipeID      string         `json:"pipeId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
	Attempts    int            `json:"attempts"`
}

// WAL buffers failed pipe writes for later replay. Appends are
// best-effort by contract; the execution record, not the WAL, is the
// source of truth.
type WAL interface {
	Append(ctx context.Context, entry WALEntry) error

	// ReadPending returns un-acked entries oldest first.
	ReadPending(ctx context.Context, limit int) ([]WALEntry, error)

	// Ack marks an entry replayed. Unknown IDs are ignored.
	Ack(ctx context.Context, id string) error

	// Compact drops acked entries and returns how many were removed.
	Compact(ctx context.Context) (int, error)
}

// ValidatePipeTarget checks a set of projected column IDs against a
// declared schema: every mapped column must exist and every required
// column must be covered. Violations are returned as HookupErrors.
func ValidatePipeTarget(schema *Table, columnIDs []string) []HookupError {
	var errs []HookupError
	covered := make(map[string]bool, len(columnIDs))
	for _, id := range columnIDs {
		covered[id] = true
		if _, ok := schema.Column(id); !ok {
			errs = append(errs, HookupError{
				TableID:  schema.ID,
				ColumnID: id,
				Reason:   "column does not exist",
			})
		}
	}
	for _, c := range schema.Columns {
		if c.Required && !covered[c.ID] {
			errs = append(errs, HookupError{
				TableID:  schema.ID,
				ColumnID: c.ID,
				Reason:   "required column not covered",
			})
		}
	}
	return errs
}

// HookupError describes one pipe-to-table schema mismatch found at
// flow registration.
type HookupError struct {
	PipeID   string `json:"pipeId,omitempty"`
	TableID  string `json:"tableId"`
	ColumnID string `json:"columnId,omitempty"`
	Reason   string `json:"reason"`
}

// Error implements the error interface.
func (h HookupError) Error() string {
	msg := "pipe hookup: table " + h.TableID
	if h.ColumnID != "" {
		msg += " column " + h.ColumnID
	}
	return msg + ": " + h.Reason
}
