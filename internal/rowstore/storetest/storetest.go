// Package storetest holds the behaviour every rowstore.Store driver must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"vttsync/internal/rowstore"
)

// Run exercises a driver. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) rowstore.Store) {
	t.Helper()

	t.Run("insert then get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		row, err := s.Insert(ctx, "tokens", "t1", json.RawMessage(`{"map_id":"m1","x":1}`))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if row.Version <= 0 {
			t.Fatalf("version = %d, want > 0", row.Version)
		}
		got, err := s.Get(ctx, "tokens", "t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != row.Version {
			t.Fatalf("version = %d, want %d", got.Version, row.Version)
		}
		assertField(t, got, "map_id", "m1")
	})

	t.Run("insert duplicate conflicts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if _, err := s.Insert(ctx, "tokens", "t1", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		_, err := s.Insert(ctx, "tokens", "t1", json.RawMessage(`{}`))
		if !errors.Is(err, rowstore.ErrConflict) {
			t.Fatalf("duplicate insert error = %v, want conflict", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(context.Background(), "tokens", "nope"); !errors.Is(err, rowstore.ErrNotFound) {
			t.Fatalf("get error = %v, want not found", err)
		}
	})

	t.Run("put reports insert then update", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		first, typ, err := s.Put(ctx, "fog_documents", "m1", json.RawMessage(`{"revealed":false}`))
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if typ != rowstore.EventInsert {
			t.Fatalf("first put type = %q, want insert", typ)
		}
		second, typ, err := s.Put(ctx, "fog_documents", "m1", json.RawMessage(`{"revealed":true}`))
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		if typ != rowstore.EventUpdate {
			t.Fatalf("second put type = %q, want update", typ)
		}
		if second.Version <= first.Version {
			t.Fatalf("version did not increase: %d then %d", first.Version, second.Version)
		}
		got, err := s.Get(ctx, "fog_documents", "m1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		assertField(t, got, "revealed", true)
	})

	t.Run("patch merges top level fields", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if _, err := s.Insert(ctx, "tokens", "t1", json.RawMessage(`{"x":1,"y":2,"color":"red"}`)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		row, err := s.Patch(ctx, "tokens", "t1", rowstore.Fields{"x": 10})
		if err != nil {
			t.Fatalf("patch: %v", err)
		}
		assertField(t, row, "x", float64(10))
		assertField(t, row, "y", float64(2))
		assertField(t, row, "color", "red")
	})

	t.Run("patch missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Patch(context.Background(), "tokens", "nope", rowstore.Fields{"x": 1})
		if !errors.Is(err, rowstore.ErrNotFound) {
			t.Fatalf("patch error = %v, want not found", err)
		}
	})

	t.Run("delete returns last data with new version", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		row, err := s.Insert(ctx, "tokens", "t1", json.RawMessage(`{"map_id":"m1"}`))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		deleted, err := s.Delete(ctx, "tokens", "t1")
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if deleted.Version <= row.Version {
			t.Fatalf("delete version = %d, want > %d", deleted.Version, row.Version)
		}
		assertField(t, deleted, "map_id", "m1")
		if _, err := s.Get(ctx, "tokens", "t1"); !errors.Is(err, rowstore.ErrNotFound) {
			t.Fatalf("get after delete = %v, want not found", err)
		}
		if _, err := s.Delete(ctx, "tokens", "t1"); !errors.Is(err, rowstore.ErrNotFound) {
			t.Fatalf("second delete = %v, want not found", err)
		}
	})

	t.Run("list is per table in version order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for _, id := range []string{"b", "a", "c"} {
			if _, err := s.Insert(ctx, "tokens", id, json.RawMessage(`{}`)); err != nil {
				t.Fatalf("insert %s: %v", id, err)
			}
		}
		if _, err := s.Insert(ctx, "dice_rolls", "r1", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("insert roll: %v", err)
		}
		if _, err := s.Patch(ctx, "tokens", "b", rowstore.Fields{"x": 1}); err != nil {
			t.Fatalf("patch: %v", err)
		}
		rows, err := s.List(ctx, "tokens")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var ids []string
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		want := []string{"a", "c", "b"}
		if len(ids) != len(want) {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("ids = %v, want %v", ids, want)
			}
		}
	})
}

func assertField(t *testing.T, row rowstore.Row, field string, want any) {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(row.Data, &doc); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if doc[field] != want {
		t.Fatalf("%s = %v, want %v", field, doc[field], want)
	}
}
