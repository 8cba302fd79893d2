package table

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store and Registry for tests and
// single-process deployments. Thread-safe; all state is lost when the
// process exits.
type Memory struct {
	mu      sync.RWMutex
	schemas map[string]*Table
	rows    map[string][]row

	// strict rejects inserts into tables with no declared schema.
	strict bool
}

type row struct {
	id     string
	tenant string
	values map[string]any
}

// NewMemory creates an empty in-memory table store.
func NewMemory() *Memory {
	return &Memory{
		schemas: make(map[string]*Table),
		rows:    make(map[string][]row),
	}
}

// NewStrictMemory creates a store that rejects writes to undeclared
// tables.
func NewStrictMemory() *Memory {
	m := NewMemory()
	m.strict = true
	return m
}

// CreateTable declares a table schema.
func (m *Memory) CreateTable(_ context.Context, t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		return fmt.Errorf("table id is required")
	}
	if _, ok := m.schemas[t.ID]; ok {
		return fmt.Errorf("table %q already exists", t.ID)
	}
	cp := *t
	cp.Columns = append([]Column(nil), t.Columns...)
	m.schemas[t.ID] = &cp
	return nil
}

// Schema implements Registry.
func (m *Memory) Schema(_ context.Context, tableID string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.schemas[tableID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Columns = append([]Column(nil), t.Columns...)
	return &cp, nil
}

// Insert adds one row and returns its assigned ID.
func (m *Memory) Insert(_ context.Context, tableID string, values map[string]any, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tableID, values, tenantID)
}

// InsertBatch adds rows atomically: either all land or none do.
func (m *Memory) InsertBatch(_ context.Context, tableID string, batch []map[string]any, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTable(tableID); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(batch))
	for _, values := range batch {
		id, err := m.insertLocked(tableID, values, tenantID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) insertLocked(tableID string, values map[string]any, tenantID string) (string, error) {
	if err := m.checkTable(tableID); err != nil {
		return "", err
	}
	r := row{
		id:     uuid.NewString(),
		tenant: tenantID,
		values: copyValues(values),
	}
	r.values["_id"] = r.id
	r.values["_createdAt"] = time.Now().UnixMilli()
	if tenantID != "" {
		r.values["_tenantId"] = tenantID
	}
	m.rows[tableID] = append(m.rows[tableID], r)
	return r.id, nil
}

func (m *Memory) checkTable(tableID string) error {
	if m.strict {
		if _, ok := m.schemas[tableID]; !ok {
			return ErrNotFound
		}
	}
	return nil
}

// Get returns one row by ID.
func (m *Memory) Get(_ context.Context, tableID, rowID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rows[tableID] {
		if r.id == rowID {
			return copyValues(r.values), nil
		}
	}
	return nil, ErrNotFound
}

// Query returns rows matching the query, preserving insertion order
// unless OrderBy is set.
func (m *Memory) Query(_ context.Context, tableID string, q Query) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []map[string]any
	for _, r := range m.rows[tableID] {
		if matches(r.values, q.Filter) {
			out = append(out, copyValues(r.values))
		}
	}

	if q.OrderBy != "" {
		col := q.OrderBy
		sort.SliceStable(out, func(i, j int) bool {
			less := compareValues(out[i][col], out[j][col]) < 0
			if q.Desc {
				return !less
			}
			return less
		})
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
func (m *Memory) Update(_ context.Context, tableID, rowID string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.rows[tableID] {
		if r.id == rowID {
			for k, v := range values {
				m.rows[tableID][i].values[k] = v
			}
			return nil
		}
	}
	return ErrNotFound
}

// Delete removes a row, reporting whether it existed.
func (m *Memory) Delete(_ context.Context, tableID, rowID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[tableID]
	for i, r := range rows {
		if r.id == rowID {
			m.rows[tableID] = append(rows[:i], rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Count returns how many rows match the filter.
func (m *Memory) Count(_ context.Context, tableID string, filter map[string]any) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.rows[tableID] {
		if matches(r.values, filter) {
			count++
		}
	}
	return count, nil
}

func matches(values, filter map[string]any) bool {
	for k, want := range filter {
		if compareValues(values[k], want) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders two cell values: numbers numerically (JSON
// decoding yields float64), strings lexically, everything else by
// formatted representation.
func compareValues(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// MemWAL is an in-memory write-ahead log for tests.
type MemWAL struct {
	mu      sync.Mutex
	entries []WALEntry
	acked   map[string]bool

	// failAppend makes every Append return an error, for tests that
	// exercise the discard path.
	failAppend error
}

// NewMemWAL creates an empty in-memory WAL.
func NewMemWAL() *MemWAL {
	return &MemWAL{acked: make(map[string]bool)}
}

// FailAppends makes subsequent Append calls return err.
func (w *MemWAL) FailAppends(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failAppend = err
}

// Append records an entry, assigning an ID when the caller left it
// blank.
func (w *MemWAL) Append(_ context.Context, entry WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failAppend != nil {
		return w.failAppend
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	entry.Row = copyValues(entry.Row)
	w.entries = append(w.entries, entry)
	return nil
}

// ReadPending returns un-acked entries oldest first.
func (w *MemWAL) ReadPending(_ context.Context, limit int) ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []WALEntry
	for _, e := range w.entries {
		if w.acked[e.ID] {
			continue
		}
		cp := e
		cp.Row = copyValues(e.Row)
		out = append(out, cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ack marks an entry replayed.
func (w *MemWAL) Ack(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acked[id] = true
	return nil
}

// Compact drops acked entries.
func (w *MemWAL) Compact(_ context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.entries[:0]
	removed := 0
	for _, e := range w.entries {
		if w.acked[e.ID] {
			delete(w.acked, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	w.entries = kept
	return removed, nil
}
