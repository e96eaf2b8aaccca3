// Package memory is a non-durable rowstore.Store used by tests and by
// STORE_DRIVER=memory.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"vttsync/internal/rowstore"
)

// Store keeps rows in maps guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]map[string]rowstore.Row
	version int64
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string]rowstore.Row),
		now:    time.Now,
	}
}

func (s *Store) Get(_ context.Context, table, id string) (rowstore.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tables[table][id]
	if !ok {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	return clone(row), nil
}

// List returns the table's rows ordered by version.
func (s *Store) List(_ context.Context, table string) ([]rowstore.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]rowstore.Row, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		rows = append(rows, clone(row))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Version < rows[j].Version })
	return rows, nil
}

func (s *Store) Insert(_ context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table][id]; ok {
		return rowstore.Row{}, rowstore.ErrConflict
	}
	return s.storeLocked(table, id, data), nil
}

func (s *Store) Put(_ context.Context, table, id string, data json.RawMessage) (rowstore.Row, rowstore.EventType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	typ := rowstore.EventInsert
	if _, ok := s.tables[table][id]; ok {
		typ = rowstore.EventUpdate
	}
	return s.storeLocked(table, id, data), typ, nil
}

func (s *Store) Patch(_ context.Context, table, id string, fields rowstore.Fields) (rowstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	merged, err := rowstore.Merge(row.Data, fields)
	if err != nil {
		return rowstore.Row{}, err
	}
	return s.storeLocked(table, id, merged), nil
}

// Delete removes the row and returns its last data under a fresh version.
func (s *Store) Delete(_ context.Context, table, id string) (rowstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return rowstore.Row{}, rowstore.ErrNotFound
	}
	delete(s.tables[table], id)
	s.version++
	row.Version = s.version
	row.UpdatedAt = s.now().UTC()
	return clone(row), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) storeLocked(table, id string, data json.RawMessage) rowstore.Row {
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]rowstore.Row)
	}
	s.version++
	row := rowstore.Row{
		Table:     table,
		ID:        id,
		Version:   s.version,
		Data:      append(json.RawMessage(nil), data...),
		UpdatedAt: s.now().UTC(),
	}
	s.tables[table][id] = row
	return clone(row)
}

func clone(row rowstore.Row) rowstore.Row {
	row.Data = append(json.RawMessage(nil), row.Data...)
	return row
}
