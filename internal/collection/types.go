// Package collection implements the Collection subsystem: dual-layer
// storage (synced truth + optimistic overlay), change computation, event
// batching, lifecycle/GC, indexes, and the mutation pipeline (spec §4.5).
package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-reactor/reactor/internal/telemetry"
	"github.com/go-reactor/reactor/internal/txn"
)

// Status is a Collection's lifecycle state (spec §4.5 "Lifecycle").
type Status string

const (
	StatusIdle           Status = "idle"
	StatusLoading        Status = "loading"
	StatusInitialCommit  Status = "initialCommit"
	StatusReady          Status = "ready"
	StatusError          Status = "error"
	StatusCleanedUp      Status = "cleaned-up"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusIdle:          {StatusLoading: true, StatusError: true, StatusCleanedUp: true},
	StatusLoading:       {StatusInitialCommit: true, StatusError: true, StatusCleanedUp: true},
	StatusInitialCommit: {StatusReady: true, StatusError: true, StatusCleanedUp: true},
	StatusReady:         {StatusCleanedUp: true, StatusError: true},
	StatusError:         {StatusIdle: true, StatusCleanedUp: true},
	StatusCleanedUp:     {StatusLoading: true, StatusError: true},
}

// ErrInvalidTransition is returned by an attempted lifecycle transition that
// is neither a no-op nor in allowedTransitions.
var ErrInvalidTransition = errors.New("collection: invalid status transition")

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// ChangeType identifies the kind of a Change message.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one entry in a change batch delivered to subscribers.
type Change[K comparable, T any] struct {
	Type          ChangeType
	Key           K
	Value         T
	PreviousValue *T
}

// RowUpdateMode names the two ways a sync-delivered update can apply to the
// existing synced row: merged onto it (Partial) or replacing it outright
// (Full). Config has no field of this type: applyCommitLocked always merges
// sync updates onto the existing synced row (Partial behaviour), and Full is
// not applied anywhere. Optimistic updates always carry a full merged row
// (spec §9 open question 3).
type RowUpdateMode string

const (
	RowUpdatePartial RowUpdateMode = "partial"
	RowUpdateFull    RowUpdateMode = "full"
)

// WriteMessage is what a sync source passes to Write.
type WriteMessage[T any] struct {
	Type     txn.MutationType
	Value    T
	Metadata any
}

// SyncHandlers bundles the begin/write/commit/markReady callbacks a sync
// source drives (spec §6 "Sync source (consumed)").
type SyncHandlers[K comparable, T any] struct {
	Begin     func()
	Write     func(WriteMessage[T]) error
	Commit    func() error
	MarkReady func()
}

// CleanupFunc is an optional teardown returned by a SyncFunc.
type CleanupFunc func() error

// SyncFunc is the external sync source contract (spec §6). It is typically
// long-running; Collection invokes it on its own goroutine and serializes
// all state access through an internal mutex, so SyncFunc may call its
// handlers concurrently with user-driven mutation calls.
type SyncFunc[K comparable, T any] func(ctx context.Context, h SyncHandlers[K, T]) (CleanupFunc, error)

// Issue is one schema validation failure.
type Issue struct {
	Message string
	Path    []string
}

// Validator is the "standard schema" contract: synchronous validation only
// (spec §6 — "Async validators are a hard error").
type Validator[T any] interface {
	Validate(v T) (T, []Issue)
}

// ValidationError reports schema validation failure for an insert or update.
type ValidationError struct {
	Op     string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("collection: %s validation failed with %d issue(s)", e.Op, len(e.Issues))
}

// MutationHandler persists an insert/update/delete mutation when no ambient
// transaction was supplied by the caller (spec §6 "Mutation handlers").
type MutationHandler[K comparable, T any] func(ctx context.Context, t *txn.Transaction, c *Collection[K, T]) error

// Config configures a Collection (spec §3 "config").
type Config[K comparable, T any] struct {
	ID        string
	GetKey    func(T) K
	Compare   func(a, b T) int
	Schema    Validator[T]
	Sync      SyncFunc[K, T]
	OnInsert  MutationHandler[K, T]
	OnUpdate  MutationHandler[K, T]
	OnDelete  MutationHandler[K, T]
	GCTime    time.Duration
	AutoIndex bool
	// Fields projects a row to its named field values, for WHERE-expression
	// evaluation and auto-index extraction (subscribeChanges/
	// currentStateAsChanges, spec §4.5). Nil disables whereExpression
	// support: such calls fall back to a full scan with every row passing.
	Fields func(T) map[string]any
	// SyncRetry, if non-nil, is used to back off and retry sync startup
	// when the SyncFunc panics or errors on its initial call (spec §5
	// expansion; nil disables retry, matching "no generic cancellation").
	SyncRetry backoff.BackOff
	// Metrics, if non-nil, receives mutation/sync-commit counters (spec §9
	// ambient observability expansion). Nil disables instrumentation.
	Metrics *telemetry.Metrics
	// Tracer, if non-nil, wraps each sync commit in a span. Nil disables
	// tracing.
	Tracer trace.Tracer
}

func (cfg Config[K, T]) gcTime() time.Duration {
	if cfg.GCTime > 0 {
		return cfg.GCTime
	}
	return 5 * time.Minute
}

var (
	ErrMissingConfig      = errors.New("collection: missing config")
	ErrMissingGetKey      = errors.New("collection: config.GetKey is required")
	ErrMissingSync        = errors.New("collection: config.Sync is required")
	ErrNoMutationHandler  = errors.New("collection: no ambient transaction and no mutation handler configured for this operation")
	ErrDuplicateKey       = errors.New("collection: key already visible")
	ErrUnknownKey         = errors.New("collection: key is not visible")
	ErrKeyChanged         = errors.New("collection: update would change the row's derived key")
	ErrNoChange           = errors.New("collection: update produced no change")
	ErrEmptyKeys          = errors.New("collection: empty key list")
	ErrCollectionError    = errors.New("collection: collection is in error state")
	ErrSyncWriteNoBegin   = errors.New("collection: sync write without a prior begin")
	ErrSyncAlreadyCommit  = errors.New("collection: sync commit on an already-committed batch")
	ErrAsyncValidator     = errors.New("collection: schema validator must be synchronous")
)
