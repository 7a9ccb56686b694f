package collection

import (
	"fmt"
	"sync/atomic"

	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/index"
)

var subIDCounter atomic.Int64

func nextSubID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, subIDCounter.Add(1))
}

// indexAdapter[K,T,V] adapts an *index.Index[K,T,V] to the type-erased
// indexHandle Collection maintains a heterogeneous set of.
type indexAdapter[K comparable, T any, V any] struct {
	ix *index.Index[K, T, V]
}

func (a *indexAdapter[K, T, V]) id() string { return a.ix.ID() }
func (a *indexAdapter[K, T, V]) add(k K, row T) { a.ix.Add(k, row) }
func (a *indexAdapter[K, T, V]) remove(k K, row T) { a.ix.Remove(k, row) }
func (a *indexAdapter[K, T, V]) update(k K, prev, next T) { a.ix.Update(k, prev, next) }
func (a *indexAdapter[K, T, V]) build(rows map[K]T) { a.ix.Build(rows) }

// CreateIndex registers a new index over extract/cmp, keyed by id, and
// builds it from the collection's current visible state (spec §4.2 "an
// index is built eagerly from currentStateAsChanges on creation").
func CreateIndex[K comparable, T any, V any](c *Collection[K, T], id string, extract index.Extractor[T, V], cmp index.Comparator[V]) *index.Index[K, T, V] {
	ix := index.New[K, T, V](id, extract, cmp)
	c.mu.Lock()
	rows := make(map[K]T, c.sizeLocked())
	for k := range c.collectKeysLocked() {
		if v, ok := c.visibleLocked(k); ok {
			rows[k] = v
		}
	}
	ix.Build(rows)
	c.indexes[id] = &indexAdapter[K, T, V]{ix: ix}
	c.mu.Unlock()
	return ix
}

// applyIndexesLocked updates every registered index to reflect changes.
// Caller must hold c.mu.
func (c *Collection[K, T]) applyIndexesLocked(changes []Change[K, T]) {
	if len(c.indexes) == 0 {
		return
	}
	for _, ch := range changes {
		for _, h := range c.indexes {
			switch ch.Type {
			case ChangeInsert:
				h.add(ch.Key, ch.Value)
			case ChangeDelete:
				prev := ch.Value
				if ch.PreviousValue != nil {
					prev = *ch.PreviousValue
				}
				h.remove(ch.Key, prev)
			case ChangeUpdate:
				prev := ch.Value
				if ch.PreviousValue != nil {
					prev = *ch.PreviousValue
				}
				h.update(ch.Key, prev, ch.Value)
			}
		}
	}
}

// dispatch delivers a change batch to every matching subscriber. It must be
// called without c.mu held: subscriber callbacks run user code, which may
// itself call back into the collection (spec §5 "handlers never run while
// the internal mutex is held").
func (c *Collection[K, T]) dispatch(changes []Change[K, T]) {
	if len(changes) == 0 {
		return
	}
	c.mu.Lock()
	subs := make([]*changeSub[K, T], 0, len(c.changeSubs))
	for _, s := range c.changeSubs {
		subs = append(subs, s)
	}
	keySubsSnapshot := make(map[K][]*keySub[T])
	for _, ch := range changes {
		if byID, ok := c.keySubs[ch.Key]; ok {
			list := make([]*keySub[T], 0, len(byID))
			for _, s := range byID {
				list = append(list, s)
			}
			keySubsSnapshot[ch.Key] = list
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		filtered := changes
		if s.matches != nil {
			filtered = nil
			for _, ch := range changes {
				if s.matches(ch.Value) {
					filtered = append(filtered, ch)
				}
			}
		}
		if len(filtered) > 0 {
			s.cb(filtered)
		}
	}
	for key, subs := range keySubsSnapshot {
		var keyChanges []Change[string, T]
		for _, ch := range changes {
			if ch.Key != key {
				continue
			}
			keyChanges = append(keyChanges, Change[string, T]{
				Type: ch.Type, Key: toKeyString(ch.Key), Value: ch.Value, PreviousValue: ch.PreviousValue,
			})
		}
		if len(keyChanges) == 0 {
			continue
		}
		for _, s := range subs {
			s.cb(keyChanges)
		}
	}
}

// SubscribeOptions configures SubscribeChanges (spec §4.5 "subscribeChanges
// (cb, {includeInitialState?, where?, whereExpression?})"). Matches is an
// opaque per-row predicate; Where is an expr.Node alternative that, when
// index-convertible for Alias (default expr.DefaultAlias), triggers
// auto-index creation via ensureIndexForExpression instead of a bare
// closure. Both may be set; a row must satisfy both to be delivered.
type SubscribeOptions[T any] struct {
	IncludeInitial bool
	Matches        func(T) bool
	Where          expr.Node
	Alias          string
}

// SubscribeChanges registers cb to receive change batches. If
// opts.IncludeInitial is set, cb is invoked once immediately with the
// current visible state (filtered by opts.Matches/opts.Where) rendered as
// inserts. The returned func unsubscribes. Sync is started lazily on first
// subscriber (spec §4.5), and the GC timer is cancelled while at least one
// subscriber remains.
func (c *Collection[K, T]) SubscribeChanges(opts SubscribeOptions[T], cb func([]Change[K, T])) func() {
	c.ensureSyncStarted()
	alias := opts.Alias
	if alias == "" {
		alias = expr.DefaultAlias
	}

	matches := opts.Matches
	if opts.Where != nil {
		if expr.IndexConvertible(opts.Where, alias) {
			c.mu.Lock()
			c.ensureIndexForExpressionLocked(opts.Where, alias)
			c.mu.Unlock()
		}
		wherePred := c.wherePredicate(opts.Where, alias)
		if matches != nil {
			prev := matches
			matches = func(v T) bool { return prev(v) && wherePred(v) }
		} else {
			matches = wherePred
		}
	}

	id := nextSubID("chsub")
	c.mu.Lock()
	c.changeSubs[id] = &changeSub[K, T]{id: id, cb: cb, includeInitial: opts.IncludeInitial, matches: matches}
	c.subCount++
	c.gcCancelLocked()
	var initial []Change[K, T]
	if opts.IncludeInitial {
		initial = c.currentStateAsChangesQueryLocked(StateQuery[T]{Matches: opts.Matches, Where: opts.Where, Alias: alias})
	}
	c.mu.Unlock()

	if len(initial) > 0 {
		cb(initial)
	}

	return func() {
		c.mu.Lock()
		delete(c.changeSubs, id)
		c.subCount--
		if c.subCount <= 0 {
			c.subCount = 0
			c.gcArmLocked()
		}
		c.mu.Unlock()
	}
}

// SubscribeChangesKey registers cb for change batches scoped to a single
// key, string-addressed per spec §6's external key-subscription surface.
func (c *Collection[K, T]) SubscribeChangesKey(k K, includeInitial bool, cb func([]Change[string, T])) func() {
	c.ensureSyncStarted()
	id := nextSubID("keysub")
	c.mu.Lock()
	if c.keySubs[k] == nil {
		c.keySubs[k] = make(map[string]*keySub[T])
	}
	c.keySubs[k][id] = &keySub[T]{id: id, cb: cb, includeInitial: includeInitial}
	c.subCount++
	c.gcCancelLocked()
	var initial []Change[string, T]
	if includeInitial {
		if v, ok := c.visibleLocked(k); ok {
			initial = append(initial, Change[string, T]{Type: ChangeInsert, Key: toKeyString(k), Value: v})
		}
	}
	c.mu.Unlock()

	if len(initial) > 0 {
		cb(initial)
	}

	return func() {
		c.mu.Lock()
		if byID, ok := c.keySubs[k]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(c.keySubs, k)
			}
		}
		c.subCount--
		if c.subCount <= 0 {
			c.subCount = 0
			c.gcArmLocked()
		}
		c.mu.Unlock()
	}
}
