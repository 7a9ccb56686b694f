package collection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-reactor/reactor/internal/index"
	"github.com/go-reactor/reactor/internal/txn"
)

// indexHandle type-erases an index so Collection can maintain a
// heterogeneous set of them without parameterizing Collection over every
// extracted value type.
type indexHandle[K comparable, T any] interface {
	id() string
	add(k K, row T)
	remove(k K, row T)
	update(k K, prev, next T)
	build(rows map[K]T)
}

type changeSub[K comparable, T any] struct {
	id                string
	cb                func([]Change[K, T])
	includeInitial    bool
	matches           func(T) bool
}

type keySub[T any] struct {
	id             string
	cb             func([]Change[string, T])
	includeInitial bool
}

// Collection is the dual-layer store described in spec §3-§5.
type Collection[K comparable, T any] struct {
	id     string
	cfg    Config[K, T]
	logger *slog.Logger

	mu                sync.Mutex
	status            Status
	syncedData        map[K]T
	syncedMetadata    map[K]any
	optimisticUpserts map[K]T
	optimisticDeletes map[K]struct{}
	// retainedUpserts/retainedDeletes hold the overlay contributed by
	// transactions that have already reached Completed, kept visible until
	// a sync commit actually touches those keys (spec §4.5 "discards
	// overlays corresponding to completed transactions" happens at sync
	// commit time, not at transaction completion). Populated by Recompute,
	// cleared by releaseCompletedOverlayLocked.
	retainedUpserts map[K]T
	retainedDeletes map[K]struct{}
	transactions    map[string]*txn.Transaction
	cachedSize      int

	changeSubs map[string]*changeSub[K, T]
	keySubs    map[K]map[string]*keySub[T]
	subCount   int

	indexes map[string]indexHandle[K, T]
	// autoIndexes holds the indexes ensureFieldIndexLocked builds on demand
	// for index-convertible WHERE expressions, keyed by field name.
	autoIndexes map[string]*index.Index[K, T, any]
	// fullScans counts currentStateAsChanges/SubscribeChanges calls that
	// fell back to scanning every row because their expression wasn't
	// index-convertible (or no index could be built for it).
	fullScans atomic.Int64

	gcTimer *time.Timer

	preloadCh   chan struct{}
	preloadOnce sync.Once
	reachedReadyOnce sync.Once

	syncStarted bool
	syncCleanup CleanupFunc

	syncInFlight    bool
	pendingOps      []pendingSyncOp[K, T]
	pendingBatch    []Change[K, T]
	deferredCommits [][]pendingSyncOp[K, T]
}

type pendingSyncOp[K comparable, T any] struct {
	typ      txn.MutationType
	key      K
	value    T
	metadata any
}

// New constructs a Collection in status idle. Sync is not started until the
// first subscriber, mutation, or Preload call (spec §4.5 "Sync is started
// lazily").
func New[K comparable, T any](cfg Config[K, T]) (*Collection[K, T], error) {
	if cfg.GetKey == nil {
		return nil, ErrMissingGetKey
	}
	if cfg.Sync == nil {
		return nil, ErrMissingSync
	}
	c := &Collection[K, T]{
		id:                cfg.ID,
		cfg:               cfg,
		logger:            slog.Default().With("collection", cfg.ID),
		status:            StatusIdle,
		syncedData:        make(map[K]T),
		syncedMetadata:    make(map[K]any),
		optimisticUpserts: make(map[K]T),
		optimisticDeletes: make(map[K]struct{}),
		retainedUpserts:   make(map[K]T),
		retainedDeletes:   make(map[K]struct{}),
		transactions:      make(map[string]*txn.Transaction),
		changeSubs:        make(map[string]*changeSub[K, T]),
		keySubs:           make(map[K]map[string]*keySub[T]),
		indexes:           make(map[string]indexHandle[K, T]),
		autoIndexes:       make(map[string]*index.Index[K, T, any]),
		preloadCh:         make(chan struct{}),
	}
	return c, nil
}

// ID returns the collection's identifier.
func (c *Collection[K, T]) ID() string { return c.id }

// Status returns the current lifecycle status.
func (c *Collection[K, T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func globalKey(collectionID string, key any) string {
	return "KEY::" + collectionID + "/" + toKeyString(key)
}

func toKeyString(key any) string {
	switch v := key.(type) {
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// visibleLocked implements the visible-state law of spec §3: deleted keys
// are absent; otherwise the optimistic overlay wins over synced data.
// Caller must hold c.mu.
func (c *Collection[K, T]) visibleLocked(k K) (T, bool) {
	if _, deleted := c.optimisticDeletes[k]; deleted {
		var zero T
		return zero, false
	}
	if v, ok := c.optimisticUpserts[k]; ok {
		return v, true
	}
	if _, deleted := c.retainedDeletes[k]; deleted {
		var zero T
		return zero, false
	}
	if v, ok := c.retainedUpserts[k]; ok {
		return v, true
	}
	if v, ok := c.syncedData[k]; ok {
		return v, true
	}
	var zero T
	return zero, false
}

// Get returns the visible row for k.
func (c *Collection[K, T]) Get(k K) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked(k)
}

// Has reports whether k is visible.
func (c *Collection[K, T]) Has(k K) bool {
	_, ok := c.Get(k)
	return ok
}

// Size returns the number of visible rows (spec §8 property 2).
func (c *Collection[K, T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeLocked()
}

func (c *Collection[K, T]) sizeLocked() int {
	n := 0
	for k := range c.collectKeysLocked() {
		if _, ok := c.visibleLocked(k); ok {
			n++
		}
	}
	return n
}

// Keys returns every visible key, in no particular order.
func (c *Collection[K, T]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := c.collectKeysLocked()
	out := make([]K, 0, len(candidates))
	for k := range candidates {
		if _, ok := c.visibleLocked(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Values returns every visible row.
func (c *Collection[K, T]) Values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, 0, c.sizeLocked())
	for k := range c.collectKeysLocked() {
		if v, ok := c.visibleLocked(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// State returns a snapshot map of the visible state.
func (c *Collection[K, T]) State() map[K]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]T, c.sizeLocked())
	for k := range c.collectKeysLocked() {
		if v, ok := c.visibleLocked(k); ok {
			out[k] = v
		}
	}
	return out
}

func (c *Collection[K, T]) collectKeysLocked() map[K]struct{} {
	out := make(map[K]struct{})
	for k := range c.syncedData {
		out[k] = struct{}{}
	}
	for k := range c.retainedUpserts {
		out[k] = struct{}{}
	}
	for k := range c.optimisticUpserts {
		out[k] = struct{}{}
	}
	return out
}

// ToArray is an alias for Values, matching the spec's naming.
func (c *Collection[K, T]) ToArray() []T { return c.Values() }

// Preload starts sync if needed and blocks until status first reaches
// ready or error.
func (c *Collection[K, T]) Preload(ctx context.Context) error {
	c.ensureSyncStarted()
	select {
	case <-c.preloadCh:
		if c.Status() == StatusError {
			return ErrCollectionError
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
