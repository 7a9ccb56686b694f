// Package reactor provides the public API of the reactive data store: a
// Collection type for dual-layer (synced + optimistic) storage, a
// Transaction type for grouping optimistic mutations, and a declarative
// Query builder with an incrementally-refreshed LiveQueryCollection result.
//
// Most callers only need this package; internal/* holds the subsystems it
// re-exports.
package reactor

import (
	"github.com/go-reactor/reactor/internal/collection"
	"github.com/go-reactor/reactor/internal/compiler"
	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/index"
	"github.com/go-reactor/reactor/internal/livequery"
	"github.com/go-reactor/reactor/internal/optimizer"
	"github.com/go-reactor/reactor/internal/query"
	"github.com/go-reactor/reactor/internal/telemetry"
	"github.com/go-reactor/reactor/internal/txn"
)

// Collection types
type (
	Collection[K comparable, T any] = collection.Collection[K, T]
	Config[K comparable, T any]     = collection.Config[K, T]
	Status                          = collection.Status
	Change[K comparable, T any]     = collection.Change[K, T]
	ChangeType                      = collection.ChangeType
	WriteMessage[T any]             = collection.WriteMessage[T]
	SyncHandlers[K comparable, T any] = collection.SyncHandlers[K, T]
	SyncFunc[K comparable, T any]   = collection.SyncFunc[K, T]
	CleanupFunc                     = collection.CleanupFunc
	Validator[T any]                = collection.Validator[T]
	Issue                           = collection.Issue
	ValidationError                 = collection.ValidationError
	MutationHandler[K comparable, T any] = collection.MutationHandler[K, T]
	SubscribeOptions[T any]         = collection.SubscribeOptions[T]
	StateQuery[T any]               = collection.StateQuery[T]
)

// Collection lifecycle statuses.
const (
	StatusIdle          = collection.StatusIdle
	StatusLoading       = collection.StatusLoading
	StatusInitialCommit = collection.StatusInitialCommit
	StatusReady         = collection.StatusReady
	StatusError         = collection.StatusError
	StatusCleanedUp     = collection.StatusCleanedUp
)

// Change types.
const (
	ChangeInsert = collection.ChangeInsert
	ChangeUpdate = collection.ChangeUpdate
	ChangeDelete = collection.ChangeDelete
)

// NewCollection constructs a Collection from cfg.
func NewCollection[K comparable, T any](cfg Config[K, T]) (*Collection[K, T], error) {
	return collection.New(cfg)
}

// Index is the ordered value→keys structure backing CreateIndex.
type Index[K comparable, T any, V any] = index.Index[K, T, V]

// CreateIndex registers an ordered index over a collection, built eagerly
// from its current visible state, and returns the handle for range queries.
func CreateIndex[K comparable, T any, V any](c *Collection[K, T], id string, extract func(T) V, cmp func(a, b V) int) *Index[K, T, V] {
	return collection.CreateIndex(c, id, extract, cmp)
}

// Transaction types
type (
	Transaction       = txn.Transaction
	PendingMutation   = txn.PendingMutation
	TransactionState  = txn.State
	RollbackOptions   = txn.RollbackOptions
	MutationType      = txn.MutationType
)

const (
	TxnPending    = txn.Pending
	TxnPersisting = txn.Persisting
	TxnCompleted  = txn.Completed
	TxnFailed     = txn.Failed
)

const (
	MutationInsert = txn.Insert
	MutationUpdate = txn.Update
	MutationDelete = txn.Delete
)

// NewTransaction creates a pending Transaction. autoCommit, if set, commits
// automatically when Mutate's callback returns without error.
func NewTransaction(persist txn.MutationFn, autoCommit bool) *Transaction {
	return txn.New(persist, autoCommit)
}

// WithTransaction and FromContext expose the ambient-transaction context
// plumbing (spec §9 design note).
var (
	WithTransaction = txn.WithTransaction
	FromContext     = txn.FromContext
)

// Query types
type (
	Query       = query.Query
	Source      = query.Source
	Join        = query.Join
	JoinType    = query.JoinType
	OrderTerm   = query.OrderTerm
	SelectField = query.SelectField
)

const (
	InnerJoin = query.InnerJoin
	LeftJoin  = query.LeftJoin
	RightJoin = query.RightJoin
	FullJoin  = query.FullJoin
)

// NewQuery starts a Query builder rooted at from.
func NewQuery(from Source) *Query { return query.New(from) }

// CollectionSource and QuerySource build query.Source values.
func CollectionSource(collectionID, alias string) Source { return query.CollectionRef(collectionID, alias) }
func QuerySource(q *Query, alias string) Source           { return query.QueryRef(q, alias) }

// Expression builder re-exports.
type (
	Expr    = expr.Node
	Row     = expr.Row
)

var (
	Ref    = expr.Ref
	Lit    = expr.Lit
	Eq     = expr.Eq
	Gt     = expr.Gt
	Gte    = expr.Gte
	Lt     = expr.Lt
	Lte    = expr.Lte
	And    = expr.And
	Or     = expr.Or
	Not    = expr.Not
	In     = expr.In
	Sum    = expr.Sum
	Count  = expr.Count
	Avg    = expr.Avg
	Min    = expr.Min
	Max    = expr.Max
	Median = expr.Median
	Mode   = expr.Mode
)

// Optimize runs the optimizer's predicate-pushdown pass over q.
func Optimize(q *Query) *optimizer.Plan { return optimizer.Optimize(q) }

// Compile and CompileQuery produce a runnable pipeline for q; CompileQuery
// goes through the shared fingerprint cache.
func Compile(q *Query) *compiler.Compiled { return compiler.Compile(q) }
func CompileQuery(q *Query) (*compiler.Compiled, error) { return compiler.CompileCached(q) }

type RowSource = compiler.RowSource
type SliceSource = compiler.SliceSource

// Compiler error sentinels (spec §4.7/§7's named query error taxonomy),
// usable with errors.Is against a Run error.
var (
	ErrLimitOffsetRequireOrderBy = compiler.ErrLimitOffsetRequireOrderBy
	ErrHavingRequiresGroupBy     = compiler.ErrHavingRequiresGroupBy
	ErrDistinctRequiresSelect    = compiler.ErrDistinctRequiresSelect
	ErrCollectionInputNotFound   = compiler.ErrCollectionInputNotFound
	ErrUnsupportedFromType       = compiler.ErrUnsupportedFromType
)

// Live query types
type (
	LiveQueryCollection[T any] = livequery.LiveQueryCollection[T]
	LiveChange[T any]          = livequery.Change[T]
	Upstream                   = livequery.Upstream
	CollectionUpstream[K comparable, T any] = livequery.CollectionUpstream[K, T]
)

const (
	LiveChangeInsert = livequery.ChangeInsert
	LiveChangeUpdate = livequery.ChangeUpdate
	LiveChangeDelete = livequery.ChangeDelete
)

// NewLiveQuery builds a LiveQueryCollection for q over upstreams.
func NewLiveQuery[T any](q *Query, upstreams []Upstream, fromRow func(Row) T, keyOf func(T) string) *LiveQueryCollection[T] {
	return livequery.New(q, upstreams, fromRow, keyOf)
}

// NewCollectionUpstream adapts a Collection into a live-query Upstream.
func NewCollectionUpstream[K comparable, T any](alias string, c *Collection[K, T], toFields func(T) map[string]any) *CollectionUpstream[K, T] {
	return livequery.NewCollectionUpstream(alias, c, toFields)
}

// Telemetry re-exports: InitTelemetry installs stdout-exporting tracer and
// meter providers; NewMetrics builds the counter bundle Config.Metrics
// expects.
type Metrics = telemetry.Metrics

var (
	InitTelemetry = telemetry.Init
	NewMetrics    = telemetry.NewMetrics
)
