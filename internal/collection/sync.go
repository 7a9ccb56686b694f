package collection

import (
	"context"
	"reflect"
	"sort"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-reactor/reactor/internal/telemetry"
	"github.com/go-reactor/reactor/internal/txn"
)

func (c *Collection[K, T]) syncBegin() {
	c.mu.Lock()
	c.syncInFlight = true
	c.pendingOps = nil
	c.mu.Unlock()
}

func (c *Collection[K, T]) syncWrite(msg WriteMessage[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.syncInFlight {
		c.logger.Error("sync write without a prior begin")
		return ErrSyncWriteNoBegin
	}
	key := c.cfg.GetKey(msg.Value)
	c.pendingOps = append(c.pendingOps, pendingSyncOp[K, T]{
		typ: msg.Type, key: key, value: msg.Value, metadata: msg.Metadata,
	})
	return nil
}

func (c *Collection[K, T]) syncMarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusLoading || c.status == StatusInitialCommit {
		_ = c.setStatusLocked(StatusReady)
	}
}

// syncCommit closes the current begin/write batch. If this is the first
// commit observed, status advances loading→initialCommit (spec §9 open
// question 2: markReady and "first commit" are treated as distinct signals).
// If any transaction targeting this collection is currently persisting,
// application of the batch is deferred until none are (spec §4.5 "Updates
// to syncedData during an ongoing user persisting transaction are
// deferred").
func (c *Collection[K, T]) syncCommit() error {
	ctx := context.Background()
	if c.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = c.cfg.Tracer.Start(ctx, "collection.sync_commit")
		defer span.End()
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SyncCommits.Add(ctx, 1, metric.WithAttributes(telemetry.CollectionAttr(c.id)))
	}

	c.mu.Lock()
	if !c.syncInFlight {
		c.mu.Unlock()
		return ErrSyncAlreadyCommit
	}
	ops := c.pendingOps
	c.pendingOps = nil
	c.syncInFlight = false

	if c.status == StatusLoading {
		_ = c.setStatusLocked(StatusInitialCommit)
	}

	if c.anyPersistingLocked() {
		c.deferredCommits = append(c.deferredCommits, ops)
		c.syncInFlight = true // still pending, batches continue to coalesce
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.mu.Lock()
	c.syncInFlight = true
	changes := c.applyCommitLocked(ops)
	// Flush any Recompute events buffered while this commit was pending,
	// together with the commit's own events, in one dispatch (spec §4.5 /
	// §8 property 10: "prevents double flashes in UIs").
	if len(c.pendingBatch) > 0 {
		changes = append(c.pendingBatch, changes...)
		c.pendingBatch = nil
	}
	c.syncInFlight = false
	c.mu.Unlock()

	c.dispatch(changes)
	return nil
}

func (c *Collection[K, T]) anyPersistingLocked() bool {
	for _, t := range c.transactions {
		if t.State() == txn.Persisting {
			return true
		}
	}
	return false
}

// applyCommitLocked applies a batch of sync ops to syncedData/syncedMetadata
// and returns the resulting diff against the pre-commit visible state.
// Caller must hold c.mu.
func (c *Collection[K, T]) applyCommitLocked(ops []pendingSyncOp[K, T]) []Change[K, T] {
	touched := make(map[K]visibleSnapshot[T])
	order := make([]K, 0, len(ops))
	for _, op := range ops {
		if _, ok := touched[op.key]; !ok {
			v, ok := c.visibleLocked(op.key)
			touched[op.key] = visibleSnapshot[T]{value: v, ok: ok}
			order = append(order, op.key)
		}
	}

	for _, op := range ops {
		switch op.typ {
		case txn.Insert:
			c.syncedData[op.key] = op.value
			if op.metadata != nil {
				c.syncedMetadata[op.key] = op.metadata
			}
		case txn.Update:
			prev, existed := c.syncedData[op.key]
			merged := op.value
			if existed {
				merged = mergeRows(prev, op.value)
			}
			c.syncedData[op.key] = merged
			if op.metadata != nil {
				c.syncedMetadata[op.key] = op.metadata
			}
		case txn.Delete:
			delete(c.syncedData, op.key)
			delete(c.syncedMetadata, op.key)
		}
	}

	c.releaseCompletedOverlayLocked(order)

	changes := c.diffLocked(order, touched)
	c.applyIndexesLocked(changes)
	return changes
}

// releaseCompletedOverlayLocked drops the retained overlay for keys this
// sync commit just touched (spec §4.5 "discards overlays corresponding to
// completed transactions"). Keys still covered by an active (Pending or
// Persisting) transaction are unaffected: visibleLocked consults
// optimisticUpserts/optimisticDeletes before the retained tier, so their
// overlay keeps showing through ("still-active transactions' overlays are
// re-applied") without any action needed here. Caller must hold c.mu.
func (c *Collection[K, T]) releaseCompletedOverlayLocked(keys []K) {
	for _, k := range keys {
		delete(c.retainedUpserts, k)
		delete(c.retainedDeletes, k)
	}
}

type visibleSnapshot[T any] struct {
	value T
	ok    bool
}

// diffLocked computes, for each key in order, an insert/update/delete
// change relative to its entry in before, comparing against the *current*
// visible state. This single diff function is the principled replacement
// for the ad-hoc suppression filters spec §9's open question describes:
// recently-synced dedup, redundant-delete suppression, and completed-vs-
// sync dedup all fall out of "no change in visible value ⇒ no event".
func (c *Collection[K, T]) diffLocked(order []K, before map[K]visibleSnapshot[T]) []Change[K, T] {
	var out []Change[K, T]
	for _, k := range order {
		b := before[k]
		av, aok := c.visibleLocked(k)
		switch {
		case !b.ok && aok:
			out = append(out, Change[K, T]{Type: ChangeInsert, Key: k, Value: av})
		case b.ok && !aok:
			prev := b.value
			out = append(out, Change[K, T]{Type: ChangeDelete, Key: k, Value: b.value, PreviousValue: &prev})
		case b.ok && aok:
			if !deepEqual(b.value, av) {
				prev := b.value
				out = append(out, Change[K, T]{Type: ChangeUpdate, Key: k, Value: av, PreviousValue: &prev})
			}
		}
	}
	return out
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// mergeRows implements RowUpdatePartial semantics: shallow-merge the
// updated struct/map fields of next over prev, field by field, via
// reflection over exported fields (or map keys for map[string]any rows).
func mergeRows[T any](prev, next T) T {
	pv := reflect.ValueOf(prev)
	nv := reflect.ValueOf(next)
	if pv.Kind() == reflect.Map {
		out := reflect.MakeMap(pv.Type())
		for _, k := range pv.MapKeys() {
			out.SetMapIndex(k, pv.MapIndex(k))
		}
		for _, k := range nv.MapKeys() {
			out.SetMapIndex(k, nv.MapIndex(k))
		}
		return out.Interface().(T)
	}
	if pv.Kind() != reflect.Struct {
		return next
	}
	out := reflect.New(pv.Type()).Elem()
	out.Set(pv)
	for i := 0; i < nv.NumField(); i++ {
		f := nv.Type().Field(i)
		if !f.IsExported() {
			continue
		}
		nf := nv.Field(i)
		if nf.IsZero() {
			continue
		}
		out.Field(i).Set(nf)
	}
	return out.Interface().(T)
}

// Recompute rebuilds the optimistic overlay from scratch out of every
// transaction attached to this collection, in (createdAt, sequenceNumber)
// order, and emits the resulting diff. It implements txn.Recomputer and is
// invoked any time a transaction's mutation set or lifecycle state changes
// (spec §4.5) — the single recomputation path that keeps the overlay
// consistent with commit, rollback, and cascade rollback alike.
func (c *Collection[K, T]) Recompute(ctx context.Context) error {
	c.mu.Lock()

	before := c.collectKeysLocked()
	beforeSnapshot := make(map[K]visibleSnapshot[T], len(before))
	for k := range before {
		v, ok := c.visibleLocked(k)
		beforeSnapshot[k] = visibleSnapshot[T]{value: v, ok: ok}
	}

	ordered := make([]*txn.Transaction, 0, len(c.transactions))
	for _, t := range c.transactions {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	// The active overlay (optimisticUpserts/optimisticDeletes) is rebuilt
	// from scratch every time, since it must always exactly mirror
	// Pending/Persisting transactions. The retained overlay
	// (retainedUpserts/retainedDeletes) is NOT rebuilt from scratch: it
	// only grows here, as transactions complete, and only shrinks via
	// releaseCompletedOverlayLocked when a sync commit actually covers a
	// key (spec §4.5). A transaction's own completion is observed in this
	// very call (Commit/Rollback notify after reaching the terminal
	// state), so folding its mutations into the retained tier here is what
	// keeps its row visible instead of vanishing the instant mutationFn
	// resolves (scenario S1).
	c.optimisticUpserts = make(map[K]T)
	c.optimisticDeletes = make(map[K]struct{})
	for _, t := range ordered {
		st := t.State()
		switch st {
		case txn.Pending, txn.Persisting:
			for _, m := range t.Mutations() {
				if m.CollectionID != c.id || !m.Optimistic {
					continue
				}
				key, ok := m.Key.(K)
				if !ok {
					continue
				}
				switch m.Type {
				case txn.Insert, txn.Update:
					if row, ok := m.Modified.(T); ok {
						c.optimisticUpserts[key] = row
						delete(c.optimisticDeletes, key)
					}
				case txn.Delete:
					c.optimisticDeletes[key] = struct{}{}
					delete(c.optimisticUpserts, key)
				}
			}
		case txn.Completed:
			for _, m := range t.Mutations() {
				if m.CollectionID != c.id || !m.Optimistic {
					continue
				}
				key, ok := m.Key.(K)
				if !ok {
					continue
				}
				switch m.Type {
				case txn.Insert, txn.Update:
					if row, ok := m.Modified.(T); ok {
						c.retainedUpserts[key] = row
						delete(c.retainedDeletes, key)
					}
				case txn.Delete:
					c.retainedDeletes[key] = struct{}{}
					delete(c.retainedUpserts, key)
				}
			}
		// Failed transactions contribute nothing: their mutations are
		// simply discarded, matching rollback semantics.
		default:
		}
	}

	for id, t := range c.transactions {
		if st := t.State(); st == txn.Completed || st == txn.Failed {
			delete(c.transactions, id)
		}
	}

	after := c.collectKeysLocked()
	touched := make(map[K]struct{}, len(before)+len(after))
	for k := range before {
		touched[k] = struct{}{}
	}
	for k := range after {
		touched[k] = struct{}{}
	}
	order := make([]K, 0, len(touched))
	for k := range touched {
		order = append(order, k)
	}

	changes := c.diffLocked(order, beforeSnapshot)
	c.applyIndexesLocked(changes)

	// While a sync commit is pending (begin has run but commit hasn't, or
	// a commit is deferred behind a still-persisting transaction),
	// recompute's own events are buffered rather than dispatched
	// immediately, so they flush together with the sync commit's events
	// instead of flashing separately (spec §4.5 / §8 property 10).
	if c.syncInFlight {
		c.pendingBatch = append(c.pendingBatch, changes...)
		changes = nil
	}

	stillPersisting := c.anyPersistingLocked()
	var deferredChanges []Change[K, T]
	if !stillPersisting && len(c.deferredCommits) > 0 {
		batches := c.deferredCommits
		c.deferredCommits = nil
		for _, ops := range batches {
			deferredChanges = append(deferredChanges, c.applyCommitLocked(ops)...)
		}
		if len(c.pendingBatch) > 0 {
			deferredChanges = append(c.pendingBatch, deferredChanges...)
			c.pendingBatch = nil
		}
		if c.syncInFlight && len(c.deferredCommits) == 0 {
			c.syncInFlight = false
		}
	}
	c.mu.Unlock()

	c.dispatch(changes)
	if len(deferredChanges) > 0 {
		c.dispatch(deferredChanges)
	}
	return nil
}
