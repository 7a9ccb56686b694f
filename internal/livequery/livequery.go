// Package livequery implements LiveQueryCollection: a query-backed view
// that re-runs its compiled pipeline whenever any upstream source changes,
// diffs the result against its previous output, and republishes the
// result the same way a Collection republishes sync writes (spec §4.6).
// Upstream fan-out uses golang.org/x/sync/errgroup, grounded on the pack's
// concurrent-fetch idiom for gathering several independent sources before
// a combining step.
package livequery

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-reactor/reactor/internal/compiler"
	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/query"
)

// Upstream is one named source a live query reads from: a live collection,
// or another live query, anything that can render its current rows and
// notify of changes.
type Upstream interface {
	Alias() string
	Rows() []expr.Row
	Subscribe(onChange func()) (unsubscribe func())
}

// ChangeType mirrors collection.ChangeType without importing the
// collection package, keeping livequery usable over any upstream kind.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one entry in a batch delivered to LiveQueryCollection
// subscribers.
type Change[T any] struct {
	Type  ChangeType
	Key   string
	Value T
}

// LiveQueryCollection maintains the materialized, incrementally-refreshed
// result of a compiled query (spec §4.6).
type LiveQueryCollection[T any] struct {
	compiled *compiler.Compiled
	upstream map[string]Upstream
	fromRow  func(expr.Row) T
	keyOf    func(T) string

	mu      sync.Mutex
	current map[string]T
	subs    map[string]func([]Change[T])
	unsubs  []func()
	subID   int
}

// New builds a LiveQueryCollection for q. fromRow converts a "result"-row
// produced by the compiled pipeline into T; keyOf derives a stable identity
// for diffing successive result sets.
func New[T any](q *query.Query, upstreams []Upstream, fromRow func(expr.Row) T, keyOf func(T) string) *LiveQueryCollection[T] {
	byAlias := make(map[string]Upstream, len(upstreams))
	for _, u := range upstreams {
		byAlias[u.Alias()] = u
	}
	return &LiveQueryCollection[T]{
		compiled: compiler.Compile(q),
		upstream: byAlias,
		fromRow:  fromRow,
		keyOf:    keyOf,
		current:  make(map[string]T),
		subs:     make(map[string]func([]Change[T])),
	}
}

// Start computes the initial result and begins listening for upstream
// changes. Calling Start twice is a no-op.
func (l *LiveQueryCollection[T]) Start(ctx context.Context) error {
	l.mu.Lock()
	if len(l.unsubs) > 0 {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	for _, u := range l.upstream {
		u := u
		unsub := u.Subscribe(func() {
			_ = l.Recompute(context.Background())
		})
		l.mu.Lock()
		l.unsubs = append(l.unsubs, unsub)
		l.mu.Unlock()
	}
	return l.Recompute(ctx)
}

// Stop unsubscribes from every upstream.
func (l *LiveQueryCollection[T]) Stop() {
	l.mu.Lock()
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Recompute fetches every upstream's current rows concurrently, re-runs the
// compiled pipeline, diffs the result against the previous materialization,
// and dispatches the resulting changes.
func (l *LiveQueryCollection[T]) Recompute(ctx context.Context) error {
	l.mu.Lock()
	upstream := l.upstream
	l.mu.Unlock()

	sources := make(map[string]compiler.RowSource, len(upstream))
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for alias, u := range upstream {
		alias, u := alias, u
		g.Go(func() error {
			rows := u.Rows()
			mu.Lock()
			sources[alias] = compiler.SliceSource(rows)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rows, err := l.compiled.Run(sources)
	if err != nil {
		return fmt.Errorf("livequery: run: %w", err)
	}

	next := make(map[string]T, len(rows))
	for _, row := range rows {
		v := l.fromRow(row)
		next[l.keyOf(v)] = v
	}

	l.mu.Lock()
	changes := diff(l.current, next)
	l.current = next
	subs := make([]func([]Change[T]), 0, len(l.subs))
	for _, cb := range l.subs {
		subs = append(subs, cb)
	}
	l.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	for _, cb := range subs {
		cb(changes)
	}
	return nil
}

func diff[T any](before, after map[string]T) []Change[T] {
	var out []Change[T]
	for k, v := range after {
		if prev, ok := before[k]; !ok {
			out = append(out, Change[T]{Type: ChangeInsert, Key: k, Value: v})
		} else if !reflect.DeepEqual(prev, v) {
			out = append(out, Change[T]{Type: ChangeUpdate, Key: k, Value: v})
		}
	}
	for k, v := range before {
		if _, ok := after[k]; !ok {
			out = append(out, Change[T]{Type: ChangeDelete, Key: k, Value: v})
		}
	}
	return out
}

// Values returns the current materialized result set, in no particular
// order.
func (l *LiveQueryCollection[T]) Values() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.current))
	for _, v := range l.current {
		out = append(out, v)
	}
	return out
}

// Subscribe registers cb for future change batches and returns an
// unsubscribe func.
func (l *LiveQueryCollection[T]) Subscribe(cb func([]Change[T])) func() {
	l.mu.Lock()
	l.subID++
	id := fmt.Sprintf("lqsub-%d", l.subID)
	l.subs[id] = cb
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}
