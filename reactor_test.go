package reactor

import (
	"context"
	"testing"
	"time"
)

type person struct {
	ID   string
	Name string
	Age  int
}

func personKey(p person) string { return p.ID }

func staticSync(rows []person) SyncFunc[string, person] {
	return func(ctx context.Context, h SyncHandlers[string, person]) (CleanupFunc, error) {
		h.Begin()
		for _, p := range rows {
			_ = h.Write(WriteMessage[person]{Type: MutationInsert, Value: p})
		}
		_ = h.Commit()
		h.MarkReady()
		return func() error { return nil }, nil
	}
}

func personFields(p person) map[string]any {
	return map[string]any{"id": p.ID, "name": p.Name, "age": p.Age}
}

// TestFacadeEndToEnd exercises the public surface re-exported by this
// package: a Collection fed by a sync source, an ordered Index over it, and
// a compiled Query run over a live-query upstream bridging back to the
// collection.
func TestFacadeEndToEnd(t *testing.T) {
	rows := []person{
		{ID: "1", Name: "Ada", Age: 30},
		{ID: "2", Name: "Bo", Age: 22},
		{ID: "3", Name: "Cy", Age: 41},
	}
	c, err := NewCollection(Config[string, person]{
		ID:     "people",
		GetKey: personKey,
		Sync:   staticSync(rows),
	})
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Preload(ctx); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	byAge := CreateIndex[string, person, int](c, "by-age", func(p person) int { return p.Age }, func(a, b int) int { return a - b })
	if byAge == nil {
		t.Fatal("CreateIndex returned nil handle")
	}

	q := NewQuery(CollectionSource("people", "p")).
		WhereExpr(Gte(Ref("p", "age"), Lit(25))).
		OrderByTerms(OrderTerm{Expr: Ref("p", "age"), Descending: true})

	compiled, err := CompileQuery(q)
	if err != nil {
		t.Fatalf("CompileQuery: %v", err)
	}

	upstream := NewCollectionUpstream("p", c, personFields)
	lq := NewLiveQuery(q, []Upstream{upstream}, func(r Row) person {
		fields := r["p"]
		age, _ := fields["age"].(int)
		name, _ := fields["name"].(string)
		id, _ := fields["id"].(string)
		return person{ID: id, Name: name, Age: age}
	}, func(p person) string { return p.ID })

	if err := lq.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer lq.Stop()

	deadline := time.After(time.Second)
	for len(lq.Values()) != 2 {
		select {
		case <-deadline:
			t.Fatalf("live query never settled, got %d values", len(lq.Values()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	_ = compiled
}
