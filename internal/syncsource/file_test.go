package syncsource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-reactor/reactor/internal/collection"
)

type item struct {
	ID   string
	Name string
}

func itemKey(i item) string { return i.ID }

func writeItems(t *testing.T, path string, items []item) {
	t.Helper()
	data, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestFileSourceLoadsInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.json")
	writeItems(t, path, []item{{ID: "a", Name: "Alice"}})

	src := NewFile[string, item](path, itemKey)
	c, err := collection.New(collection.Config[string, item]{
		ID:     "test",
		GetKey: itemKey,
		Sync:   src.Func(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ready := make(chan struct{})
	unsub := c.SubscribeChanges(collection.SubscribeOptions[item]{IncludeInitial: true}, func(changes []collection.Change[string, item]) {
		for range changes {
		}
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer unsub()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	v, ok := c.Get("a")
	if !ok || v.Name != "Alice" {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
}

func TestFileSourceMissingFileCommitsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")

	src := NewFile[string, item](path, itemKey)
	c, err := collection.New(collection.Config[string, item]{
		ID:     "test-missing",
		GetKey: itemKey,
		Sync:   src.Func(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Preload(ctx); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if c.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", c.Size())
	}
}
