package collection

import (
	"context"
	"testing"
	"time"

	"github.com/go-reactor/reactor/internal/txn"
)

type person struct {
	ID   string
	Name string
	Age  int
}

func personKey(p person) string { return p.ID }

func newTestSync(t *testing.T, initial []person) (SyncFunc[string, person], func(WriteMessage[person])) {
	t.Helper()
	var handlers SyncHandlers[string, person]
	started := make(chan struct{})
	send := func(msg WriteMessage[person]) {
		<-started
		handlers.Begin()
		if err := handlers.Write(msg); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := handlers.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	sync := func(ctx context.Context, h SyncHandlers[string, person]) (CleanupFunc, error) {
		handlers = h
		h.Begin()
		for _, p := range initial {
			_ = h.Write(WriteMessage[person]{Type: txn.Insert, Value: p})
		}
		_ = h.Commit()
		h.MarkReady()
		close(started)
		return func() error { return nil }, nil
	}
	return sync, send
}

func waitReady(t *testing.T, c *Collection[string, person]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Preload(ctx); err != nil {
		t.Fatalf("Preload: %v", err)
	}
}

func TestCollectionPreloadReflectsInitialSync(t *testing.T) {
	sync, _ := newTestSync(t, []person{{ID: "1", Name: "Ada", Age: 30}})
	c, err := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	waitReady(t, c)
	if c.Status() != StatusReady {
		t.Fatalf("Status() = %v, want Ready", c.Status())
	}
	v, ok := c.Get("1")
	if !ok || v.Name != "Ada" {
		t.Fatalf("Get(1) = %+v, %v", v, ok)
	}
	if c.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", c.Size())
	}
}

func TestOptimisticInsertVisibleBeforeSyncConfirms(t *testing.T) {
	sync, send := newTestSync(t, nil)
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync})
	waitReady(t, c)

	tr := txn.New(func(ctx context.Context, t *txn.Transaction) error {
		send(WriteMessage[person]{Type: txn.Insert, Value: person{ID: "2", Name: "Grace", Age: 41}})
		return nil
	}, false)
	ctx := context.Background()
	if err := tr.Mutate(ctx, func(inner context.Context) error {
		return c.Insert(inner, person{ID: "2", Name: "Grace", Age: 41})
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if !c.Has("2") {
		t.Fatalf("expected optimistic insert to be immediately visible")
	}

	if err := tr.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !c.Has("2") {
		t.Fatalf("expected row to remain visible once the backend sync has confirmed it")
	}
}

func TestSubscribeChangesDeliversInitialAndLiveChanges(t *testing.T) {
	sync, send := newTestSync(t, []person{{ID: "1", Name: "Ada", Age: 30}})
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync})
	waitReady(t, c)

	var got [][]Change[string, person]
	unsub := c.SubscribeChanges(SubscribeOptions[person]{IncludeInitial: true}, func(chs []Change[string, person]) {
		got = append(got, chs)
	})
	defer unsub()

	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected one initial batch with one change, got %+v", got)
	}

	send(WriteMessage[person]{Type: txn.Insert, Value: person{ID: "3", Name: "Lin", Age: 22}})

	deadline := time.Now().Add(time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(got) < 2 {
		t.Fatalf("expected a second change batch from the live sync write")
	}
}

func TestRollbackRemovesOptimisticOverlay(t *testing.T) {
	sync, _ := newTestSync(t, nil)
	onInsert := func(ctx context.Context, tr *txn.Transaction, c *Collection[string, person]) error {
		return nil
	}
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync, OnInsert: onInsert})
	waitReady(t, c)

	tr := txn.New(nil, false)
	ctx := context.Background()
	if err := tr.Mutate(ctx, func(inner context.Context) error {
		return c.Insert(inner, person{ID: "9", Name: "Temp", Age: 1})
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if !c.Has("9") {
		t.Fatalf("expected optimistic row visible before rollback")
	}
	if err := tr.Rollback(ctx, txn.RollbackOptions{}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if c.Has("9") {
		t.Fatalf("expected row to disappear after rollback")
	}
}

func TestUpdateRejectsKeyChange(t *testing.T) {
	sync, _ := newTestSync(t, []person{{ID: "1", Name: "Ada", Age: 30}})
	onUpdate := func(ctx context.Context, tr *txn.Transaction, c *Collection[string, person]) error { return nil }
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync, OnUpdate: onUpdate})
	waitReady(t, c)

	err := c.Update(context.Background(), "1", func(p *person) { p.ID = "2" })
	if err != ErrKeyChanged {
		t.Fatalf("Update() = %v, want ErrKeyChanged", err)
	}
}

func TestUpdateNoopReportsNoChange(t *testing.T) {
	sync, _ := newTestSync(t, []person{{ID: "1", Name: "Ada", Age: 30}})
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync})
	waitReady(t, c)

	err := c.Update(context.Background(), "1", func(p *person) {})
	if err != ErrNoChange {
		t.Fatalf("Update() = %v, want ErrNoChange", err)
	}
}

func TestDeleteUnknownKeyErrors(t *testing.T) {
	sync, _ := newTestSync(t, nil)
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync})
	waitReady(t, c)

	if err := c.Delete(context.Background(), "missing"); err != ErrUnknownKey {
		t.Fatalf("Delete() = %v, want ErrUnknownKey", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	sync, _ := newTestSync(t, []person{{ID: "1", Name: "Ada", Age: 30}})
	c, _ := New(Config[string, person]{ID: "people", GetKey: personKey, Sync: sync})
	waitReady(t, c)

	if err := c.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := c.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if c.Status() != StatusCleanedUp {
		t.Fatalf("Status() = %v, want CleanedUp", c.Status())
	}
}
