package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"vttsync/internal/rowstore"
	"vttsync/internal/rowstore/storetest"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) rowstore.Store {
		return openTempStore(t)
	})
}

func TestVersionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vtt.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := s.Insert(context.Background(), "tokens", "t1", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.Get(context.Background(), "tokens", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != `{"x":1}` {
		t.Fatalf("data = %s", got.Data)
	}
	second, err := s.Insert(context.Background(), "tokens", "t2", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if second.Version <= first.Version {
		t.Fatalf("version %d not after %d", second.Version, first.Version)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vtt.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
