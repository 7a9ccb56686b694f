package txn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeRecomputer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecomputer) Recompute(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func mustMutation(globalKey, collectionID string) *PendingMutation {
	return &PendingMutation{
		MutationID:   uuid.New(),
		Type:         Insert,
		GlobalKey:    globalKey,
		CollectionID: collectionID,
		Optimistic:   true,
	}
}

func TestCommitEmptyTransactionCompletesImmediately(t *testing.T) {
	tx := New(nil, false)
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tx.State() != Completed {
		t.Fatalf("State() = %v, want Completed", tx.State())
	}
	if err := tx.IsPersisted(context.Background()); err != nil {
		t.Fatalf("IsPersisted: %v", err)
	}
}

func TestCommitWithMutationsInvokesMutationFn(t *testing.T) {
	var invoked bool
	tx := New(func(ctx context.Context, t *Transaction) error {
		invoked = true
		return nil
	}, false)
	rec := &fakeRecomputer{}
	if err := tx.ApplyMutations(context.Background(), []*PendingMutation{mustMutation("KEY::c/1", "c")}, rec); err != nil {
		t.Fatalf("ApplyMutations: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !invoked {
		t.Fatalf("mutationFn was not invoked")
	}
	if tx.State() != Completed {
		t.Fatalf("State() = %v, want Completed", tx.State())
	}
	if rec.calls < 1 {
		t.Fatalf("Recompute was not called on affected collection")
	}
}

func TestCommitFailurePropagatesAndRollsBack(t *testing.T) {
	sentinel := errors.New("boom")
	tx := New(func(ctx context.Context, t *Transaction) error {
		return sentinel
	}, false)
	rec := &fakeRecomputer{}
	_ = tx.ApplyMutations(context.Background(), []*PendingMutation{mustMutation("KEY::c/1", "c")}, rec)

	err := tx.Commit(context.Background())
	if err == nil {
		t.Fatalf("Commit should surface the rollback error path")
	}
	if tx.State() != Failed {
		t.Fatalf("State() = %v, want Failed", tx.State())
	}
	if !errors.Is(tx.Err(), sentinel) && tx.Err() != sentinel {
		t.Fatalf("Err() = %v, want %v", tx.Err(), sentinel)
	}
}

func TestApplyMutationsDedupesByGlobalKey(t *testing.T) {
	tx := New(nil, false)
	rec := &fakeRecomputer{}
	m1 := mustMutation("KEY::c/1", "c")
	m2 := mustMutation("KEY::c/1", "c")
	m2.Type = Update
	_ = tx.ApplyMutations(context.Background(), []*PendingMutation{m1}, rec)
	_ = tx.ApplyMutations(context.Background(), []*PendingMutation{m2}, rec)

	muts := tx.Mutations()
	if len(muts) != 1 {
		t.Fatalf("Mutations() = %d, want 1 (deduped)", len(muts))
	}
	if muts[0].Type != Update {
		t.Fatalf("Mutations()[0].Type = %v, want Update (replaced)", muts[0].Type)
	}
}

func TestRollbackCascadesToIntersectingPendingTransaction(t *testing.T) {
	tx1 := New(nil, false)
	tx2 := New(nil, false)
	rec := &fakeRecomputer{}
	_ = tx1.ApplyMutations(context.Background(), []*PendingMutation{mustMutation("KEY::c/1", "c")}, rec)
	_ = tx2.ApplyMutations(context.Background(), []*PendingMutation{mustMutation("KEY::c/1", "c")}, rec)

	if err := tx1.Rollback(context.Background(), RollbackOptions{}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if tx1.State() != Failed {
		t.Fatalf("tx1.State() = %v, want Failed", tx1.State())
	}
	if tx2.State() != Failed {
		t.Fatalf("tx2.State() = %v, want Failed (cascade)", tx2.State())
	}
}

func TestRollbackDoesNotCascadeToDisjointTransaction(t *testing.T) {
	tx1 := New(nil, false)
	tx2 := New(nil, false)
	rec := &fakeRecomputer{}
	_ = tx1.ApplyMutations(context.Background(), []*PendingMutation{mustMutation("KEY::c/1", "c")}, rec)
	_ = tx2.ApplyMutations(context.Background(), []*PendingMutation{mustMutation("KEY::c/2", "c")}, rec)

	_ = tx1.Rollback(context.Background(), RollbackOptions{})
	if tx2.State() != Pending {
		t.Fatalf("tx2.State() = %v, want Pending (no cascade, disjoint keys)", tx2.State())
	}
}

func TestRollbackOnCompletedTransactionFails(t *testing.T) {
	tx := New(nil, false)
	_ = tx.Commit(context.Background())
	err := tx.Rollback(context.Background(), RollbackOptions{})
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("Rollback on completed = %v, want ErrAlreadyCompleted", err)
	}
}

func TestOrderingByCreatedAtAndSequence(t *testing.T) {
	tx1 := New(nil, false)
	tx2 := New(nil, false)
	if !tx1.Before(tx2) {
		t.Fatalf("tx1 should sort before tx2 (later sequence number)")
	}
}

func TestAmbientTransactionViaContext(t *testing.T) {
	tx := New(nil, true)
	ctx := context.Background()
	var sawTx *Transaction
	err := tx.Mutate(ctx, func(inner context.Context) error {
		found, ok := FromContext(inner)
		if !ok {
			t.Fatalf("expected ambient transaction in context")
		}
		sawTx = found
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if sawTx != tx {
		t.Fatalf("ambient transaction mismatch")
	}
	if tx.State() != Completed {
		t.Fatalf("autoCommit should have completed the transaction, got %v", tx.State())
	}
}
