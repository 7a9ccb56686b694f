// Package txn implements the Transaction subsystem: grouping of pending
// optimistic mutations, the pending→persisting→{completed,failed} lifecycle,
// and conflict-driven cascade rollback (spec §4.4).
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MutationType identifies the kind of a PendingMutation.
type MutationType string

const (
	Insert MutationType = "insert"
	Update MutationType = "update"
	Delete MutationType = "delete"
)

// State is a Transaction's lifecycle state.
type State string

const (
	Pending    State = "pending"
	Persisting State = "persisting"
	Completed  State = "completed"
	Failed     State = "failed"
)

var (
	// ErrNotPending is returned when an operation requires state Pending but
	// the transaction is not in it.
	ErrNotPending = errors.New("txn: transaction is not pending")
	// ErrAlreadyCompleted is returned by Rollback on a completed transaction.
	ErrAlreadyCompleted = errors.New("txn: cannot roll back a completed transaction")
	// ErrNoMutationFn is returned by Commit when no mutation function was supplied.
	ErrNoMutationFn = errors.New("txn: no mutation function configured")
)

// PendingMutation is one queued insert/update/delete, identified globally by
// GlobalKey ("KEY::<collectionID>/<key>", spec §3). Original/Modified/Changes
// are untyped here because a single Transaction's mutation list may span
// collections of different row types; the owning collection recovers the
// concrete type when it recomputes its overlay.
type PendingMutation struct {
	MutationID   uuid.UUID
	Type         MutationType
	Key          any
	GlobalKey    string
	Original     any
	Modified     any
	Changes      map[string]any
	Metadata     any
	SyncMetadata any
	Optimistic   bool
	CollectionID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Recomputer is the narrow view of a Collection that a Transaction needs:
// the ability to recompute its optimistic overlay after this transaction's
// mutation set or state changes. Collection implements this; txn does not
// import the collection package, avoiding the cyclic back-reference the
// design notes in spec §9 warn about.
type Recomputer interface {
	Recompute(ctx context.Context) error
}

var sequenceCounter atomic.Int64

// nextSequence hands out the process-wide monotonic counter spec §4.4
// requires for (createdAt, sequenceNumber) ordering.
func nextSequence() int64 { return sequenceCounter.Add(1) }

// MutationFn persists a transaction's mutations against the sync source.
type MutationFn func(ctx context.Context, t *Transaction) error

// Transaction groups PendingMutations with a lifecycle and a user-supplied
// persist function (spec §3, §4.4).
type Transaction struct {
	ID             string
	sequenceNumber int64
	createdAt      time.Time
	autoCommit     bool
	mutationFn     MutationFn

	mu          sync.Mutex
	state       State
	mutations   []*PendingMutation
	byGlobal    map[string]int
	affected    map[string]Recomputer
	err         error
	persistedCh chan struct{}
}

// New creates a pending Transaction. mutationFn may be nil only if the
// transaction is never committed with a non-empty mutation set (Commit
// returns ErrNoMutationFn otherwise).
func New(mutationFn MutationFn, autoCommit bool) *Transaction {
	t := &Transaction{
		ID:             uuid.NewString(),
		sequenceNumber: nextSequence(),
		createdAt:      time.Now(),
		autoCommit:     autoCommit,
		mutationFn:     mutationFn,
		state:          Pending,
		byGlobal:       make(map[string]int),
		affected:       make(map[string]Recomputer),
		persistedCh:    make(chan struct{}),
	}
	registerActive(t)
	return t
}

// CreatedAt returns the transaction's creation time.
func (t *Transaction) CreatedAt() time.Time { return t.createdAt }

// SequenceNumber returns the monotonic sequence assigned at construction.
func (t *Transaction) SequenceNumber() int64 { return t.sequenceNumber }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Before reports whether t sorts strictly before o under (createdAt, sequenceNumber).
func (t *Transaction) Before(o *Transaction) bool {
	if t.createdAt.Equal(o.createdAt) {
		return t.sequenceNumber < o.sequenceNumber
	}
	return t.createdAt.Before(o.createdAt)
}

// Mutations returns a snapshot of the transaction's mutation list in
// application order. Callers must treat it as read-only (spec §5: "the
// Transaction mutations list is owned by the transaction; collections hold
// read-only references").
func (t *Transaction) Mutations() []*PendingMutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PendingMutation, len(t.mutations))
	copy(out, t.mutations)
	return out
}

// ApplyMutations appends new mutations, replacing any existing entry with
// the same GlobalKey, then notifies every affected collection to recompute
// (spec §4.4, §4.5 "any time a transaction's mutation set or state changes").
func (t *Transaction) ApplyMutations(ctx context.Context, muts []*PendingMutation, owner Recomputer) error {
	t.mu.Lock()
	for _, m := range muts {
		if idx, ok := t.byGlobal[m.GlobalKey]; ok {
			t.mutations[idx] = m
		} else {
			t.byGlobal[m.GlobalKey] = len(t.mutations)
			t.mutations = append(t.mutations, m)
		}
		if owner != nil {
			t.affected[m.CollectionID] = owner
		}
	}
	affected := t.snapshotAffectedLocked()
	t.mu.Unlock()
	return notifyAffected(ctx, affected)
}

func (t *Transaction) snapshotAffectedLocked() []Recomputer {
	out := make([]Recomputer, 0, len(t.affected))
	for _, c := range t.affected {
		out = append(out, c)
	}
	return out
}

func notifyAffected(ctx context.Context, collections []Recomputer) error {
	var firstErr error
	for _, c := range collections {
		if err := c.Recompute(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Commit transitions pending→persisting and invokes mutationFn. An empty
// mutation set completes immediately without calling mutationFn (spec §4.4).
// If mutationFn fails, the transaction is rolled back and Commit returns
// mutationFn's error.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Pending {
		err := ErrNotPending
		t.mu.Unlock()
		return err
	}
	if len(t.mutations) == 0 {
		t.state = Completed
		close(t.persistedCh)
		affected := t.snapshotAffectedLocked()
		t.mu.Unlock()
		unregisterActive(t)
		return notifyAffected(ctx, affected)
	}
	if t.mutationFn == nil {
		t.mu.Unlock()
		return ErrNoMutationFn
	}
	t.state = Persisting
	fn := t.mutationFn
	t.mu.Unlock()

	if err := fn(ctx, t); err != nil {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		if rbErr := t.Rollback(ctx, RollbackOptions{}); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	t.mu.Lock()
	t.state = Completed
	close(t.persistedCh)
	affected := t.snapshotAffectedLocked()
	t.mu.Unlock()
	unregisterActive(t)
	return notifyAffected(ctx, affected)
}

// RollbackOptions configures Rollback.
type RollbackOptions struct {
	// IsSecondaryRollback marks a rollback performed as part of a cascade,
	// suppressing further cascade scanning.
	IsSecondaryRollback bool
}

// Rollback transitions the transaction to failed, rejects IsPersisted, and,
// unless this is itself a secondary rollback, cascades to every other
// pending transaction whose GlobalKey set intersects this one's (spec §4.4,
// property 5).
func (t *Transaction) Rollback(ctx context.Context, opts RollbackOptions) error {
	t.mu.Lock()
	if t.state == Completed {
		t.mu.Unlock()
		return ErrAlreadyCompleted
	}
	if t.state == Failed {
		t.mu.Unlock()
		return nil
	}
	t.state = Failed
	if t.err == nil {
		t.err = fmt.Errorf("txn: rolled back")
	}
	close(t.persistedCh)
	keys := make(map[string]struct{}, len(t.mutations))
	for _, m := range t.mutations {
		keys[m.GlobalKey] = struct{}{}
	}
	affected := t.snapshotAffectedLocked()
	t.mu.Unlock()
	unregisterActive(t)

	if err := notifyAffected(ctx, affected); err != nil {
		return err
	}

	if opts.IsSecondaryRollback {
		return nil
	}
	return cascadeRollback(ctx, t, keys)
}

// Err returns the error that caused a failed transaction to roll back, if any.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// IsPersisted blocks until the transaction reaches a terminal state, then
// returns the terminal error (nil if completed successfully).
func (t *Transaction) IsPersisted(ctx context.Context) error {
	select {
	case <-t.persistedCh:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mutate registers t as the ambient transaction in ctx for the duration of
// fn, so that collection operations performed inside fn attach their
// PendingMutations to t (spec §4.4). If t.autoCommit, Commit is called on
// exit.
func (t *Transaction) Mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	inner := WithTransaction(ctx, t)
	if err := fn(inner); err != nil {
		return err
	}
	if t.autoCommit {
		return t.Commit(ctx)
	}
	return nil
}

// --- ambient transaction, via context (spec §9 design note: not a mutable
// package-level global) ---

type ctxKey struct{}

// WithTransaction returns a context carrying t as the ambient transaction.
func WithTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the ambient transaction, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Transaction)
	return t, ok
}

// --- global pending-transaction registry, for cascade rollback ---

var (
	registryMu sync.Mutex
	active     = make(map[string]*Transaction)
)

func registerActive(t *Transaction) {
	registryMu.Lock()
	active[t.ID] = t
	registryMu.Unlock()
}

func unregisterActive(t *Transaction) {
	registryMu.Lock()
	delete(active, t.ID)
	registryMu.Unlock()
}

func cascadeRollback(ctx context.Context, origin *Transaction, keys map[string]struct{}) error {
	registryMu.Lock()
	candidates := make([]*Transaction, 0, len(active))
	for _, c := range active {
		if c == origin {
			continue
		}
		candidates = append(candidates, c)
	}
	registryMu.Unlock()

	var firstErr error
	for _, c := range candidates {
		if c.State() != Pending && c.State() != Persisting {
			continue
		}
		if !intersects(c, keys) {
			continue
		}
		if err := c.Rollback(ctx, RollbackOptions{IsSecondaryRollback: true}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func intersects(t *Transaction, keys map[string]struct{}) bool {
	for _, m := range t.Mutations() {
		if _, ok := keys[m.GlobalKey]; ok {
			return true
		}
	}
	return false
}
