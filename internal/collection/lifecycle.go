package collection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-reactor/reactor/internal/index"
	"github.com/go-reactor/reactor/internal/txn"
)

// setStatusLocked performs a validated lifecycle transition. Caller must
// hold c.mu. Same-state transitions are a no-op (spec §4.5).
func (c *Collection[K, T]) setStatusLocked(to Status) error {
	if !canTransition(c.status, to) {
		return ErrInvalidTransition
	}
	if c.status == to {
		return nil
	}
	c.status = to
	if to == StatusReady {
		c.reachedReadyOnce.Do(func() { close(c.preloadCh) })
	}
	if to == StatusError {
		c.reachedReadyOnce.Do(func() { close(c.preloadCh) })
	}
	return nil
}

// SetStatus is the exported, locking form, used by tests and by sync
// integration points that live outside this package's internal helpers.
func (c *Collection[K, T]) SetStatus(to Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStatusLocked(to)
}

// ensureSyncStarted lazily starts the sync source on first subscriber,
// mutation, or Preload call (spec §4.5). Safe to call repeatedly.
func (c *Collection[K, T]) ensureSyncStarted() {
	c.mu.Lock()
	if c.syncStarted && c.status != StatusCleanedUp {
		c.mu.Unlock()
		return
	}
	if c.status == StatusCleanedUp {
		c.preloadCh = make(chan struct{})
		c.reachedReadyOnce = sync.Once{}
		_ = c.setStatusLocked(StatusLoading)
	} else if c.status == StatusIdle {
		_ = c.setStatusLocked(StatusLoading)
	} else {
		c.mu.Unlock()
		return
	}
	c.syncStarted = true
	c.mu.Unlock()

	go c.runSync(context.Background())
}

func (c *Collection[K, T]) runSync(ctx context.Context) {
	handlers := SyncHandlers[K, T]{
		Begin:     c.syncBegin,
		Write:     c.syncWrite,
		Commit:    c.syncCommit,
		MarkReady: c.syncMarkReady,
	}

	attempt := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("collection: sync panicked: %v", r)
			}
		}()
		cleanup, err := c.cfg.Sync(ctx, handlers)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.syncCleanup = cleanup
		c.mu.Unlock()
		return nil
	}

	var err error
	if c.cfg.SyncRetry != nil {
		err = backoff.Retry(attempt, c.cfg.SyncRetry)
	} else {
		err = attempt()
	}
	if err != nil {
		c.logger.Error("sync failed to start", "error", err)
		c.mu.Lock()
		_ = c.setStatusLocked(StatusError)
		c.mu.Unlock()
	}
}

// Restart re-attempts sync after an error, transitioning error→idle then
// lazily starting sync again.
func (c *Collection[K, T]) Restart() error {
	c.mu.Lock()
	if err := c.setStatusLocked(StatusIdle); err != nil {
		c.mu.Unlock()
		return err
	}
	c.syncStarted = false
	c.mu.Unlock()
	c.ensureSyncStarted()
	return nil
}

// Cleanup cancels the GC timer, runs any sync cleanup, clears in-memory
// state, and transitions to cleaned-up. Idempotent (spec §4.5).
func (c *Collection[K, T]) Cleanup() error {
	c.mu.Lock()
	if c.status == StatusCleanedUp {
		c.mu.Unlock()
		return nil
	}
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
	cleanup := c.syncCleanup
	c.syncedData = make(map[K]T)
	c.syncedMetadata = make(map[K]any)
	c.optimisticUpserts = make(map[K]T)
	c.optimisticDeletes = make(map[K]struct{})
	c.transactions = make(map[string]*txn.Transaction)
	c.changeSubs = make(map[string]*changeSub[K, T])
	c.keySubs = make(map[K]map[string]*keySub[T])
	c.indexes = make(map[string]indexHandle[K, T])
	c.retainedUpserts = make(map[K]T)
	c.retainedDeletes = make(map[K]struct{})
	c.autoIndexes = make(map[string]*index.Index[K, T, any])
	c.pendingOps = nil
	c.pendingBatch = nil
	c.deferredCommits = nil
	c.syncInFlight = false
	c.syncStarted = false
	_ = c.setStatusLocked(StatusCleanedUp)
	c.mu.Unlock()

	if cleanup != nil {
		go func() {
			if err := cleanup(); err != nil {
				// Surfaced asynchronously per spec §7, so cleanup's own
				// completion (the synchronous transitions above) is never
				// masked by a failing user-provided teardown.
				slog.Default().Error("collection sync cleanup failed", "error", err)
			}
		}()
	}
	return nil
}

// gcArm (re)starts the GC timer; called when the subscriber count drops to
// zero. Caller must hold c.mu.
func (c *Collection[K, T]) gcArmLocked() {
	if c.gcTimer != nil {
		c.gcTimer.Stop()
	}
	d := c.cfg.gcTime()
	c.gcTimer = time.AfterFunc(d, func() {
		_ = c.Cleanup()
	})
}

// gcCancel stops the GC timer; called on subscriber arrival. Caller must
// hold c.mu.
func (c *Collection[K, T]) gcCancelLocked() {
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
}
