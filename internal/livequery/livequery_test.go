package livequery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/query"
)

type staticUpstream struct {
	mu    sync.Mutex
	alias string
	rows  []expr.Row
	subs  []func()
}

func (s *staticUpstream) Alias() string { return s.alias }

func (s *staticUpstream) Rows() []expr.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]expr.Row(nil), s.rows...)
}

func (s *staticUpstream) Subscribe(onChange func()) func() {
	s.mu.Lock()
	s.subs = append(s.subs, onChange)
	s.mu.Unlock()
	return func() {}
}

func (s *staticUpstream) set(rows []expr.Row) {
	s.mu.Lock()
	s.rows = rows
	subs := append([]func(){}, s.subs...)
	s.mu.Unlock()
	for _, cb := range subs {
		cb()
	}
}

type result struct {
	ID    string
	Total float64
}

func TestLiveQueryRecomputesOnUpstreamChange(t *testing.T) {
	src := &staticUpstream{alias: "o", rows: []expr.Row{
		{"o": {"id": "1", "total": 10.0}},
	}}
	q := query.New(query.CollectionRef("orders", "o")).
		SelectFields(
			query.SelectField{Alias: "id", Expr: expr.Ref("o", "id")},
			query.SelectField{Alias: "total", Expr: expr.Ref("o", "total")},
		)
	lq := New[result](q, []Upstream{src}, func(row expr.Row) result {
		r := row["result"]
		return result{ID: r["id"].(string), Total: r["total"].(float64)}
	}, func(r result) string { return r.ID })

	var batches [][]Change[result]
	var mu sync.Mutex
	lq.Subscribe(func(chs []Change[result]) {
		mu.Lock()
		batches = append(batches, chs)
		mu.Unlock()
	})

	if err := lq.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(lq.Values()) != 1 {
		t.Fatalf("Values() = %d, want 1", len(lq.Values()))
	}

	src.set([]expr.Row{
		{"o": {"id": "1", "total": 10.0}},
		{"o": {"id": "2", "total": 20.0}},
	})

	deadline := time.Now().Add(time.Second)
	for len(lq.Values()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(lq.Values()) != 2 {
		t.Fatalf("Values() after upstream change = %d, want 2", len(lq.Values()))
	}

	mu.Lock()
	n := len(batches)
	mu.Unlock()
	if n == 0 {
		t.Fatalf("expected at least one change batch to be dispatched")
	}
}
