// Package fake provides an in-process rowstore.Backend with write fault
// injection for synchronizer tests.
package fake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"vttsync/internal/rowstore"
	"vttsync/internal/rowstore/memory"
)

// Backend is a live in-memory row store whose writes can be made to fail.
type Backend struct {
	*rowstore.Live

	mu     sync.Mutex
	fail   error
	writes int
}

// NewBackend returns a Backend closed at test cleanup.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{Live: rowstore.NewLive(memory.New(), 0)}
	t.Cleanup(func() { _ = b.Live.Close() })
	return b
}

// FailWrites makes every write return err until called with nil.
func (b *Backend) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

// Writes counts write attempts, failed ones included.
func (b *Backend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func (b *Backend) attempt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	return b.fail
}

func (b *Backend) Insert(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	if err := b.attempt(); err != nil {
		return rowstore.Row{}, err
	}
	return b.Live.Insert(ctx, table, id, data)
}

func (b *Backend) Put(ctx context.Context, table, id string, data json.RawMessage) (rowstore.Row, error) {
	if err := b.attempt(); err != nil {
		return rowstore.Row{}, err
	}
	return b.Live.Put(ctx, table, id, data)
}

func (b *Backend) Patch(ctx context.Context, table, id string, fields rowstore.Fields) (rowstore.Row, error) {
	if err := b.attempt(); err != nil {
		return rowstore.Row{}, err
	}
	return b.Live.Patch(ctx, table, id, fields)
}

func (b *Backend) Delete(ctx context.Context, table, id string) (rowstore.Row, error) {
	if err := b.attempt(); err != nil {
		return rowstore.Row{}, err
	}
	return b.Live.Delete(ctx, table, id)
}

// Seed writes v as a row directly, bypassing fault injection.
func (b *Backend) Seed(t testing.TB, table, id string, v any) rowstore.Row {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode seed row: %v", err)
	}
	row, err := b.Live.Put(context.Background(), table, id, data)
	if err != nil {
		t.Fatalf("seed %s/%s: %v", table, id, err)
	}
	return row
}
