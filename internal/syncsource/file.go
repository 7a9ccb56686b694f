// Package syncsource provides demo-grade collection.SyncFunc implementations
// — sync sources that stand in for a real backend while exercising the
// Collection's begin/write/commit/markReady contract end to end.
package syncsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/go-reactor/reactor/internal/collection"
	"github.com/go-reactor/reactor/internal/txn"
)

const debounceDelay = 150 * time.Millisecond

// File is a collection.SyncFunc backed by a single JSON file holding an
// array of rows. On startup and again on every debounced write event it
// re-reads the whole file and writes every row as an insert in one
// begin/write*/commit batch; the collection's commit diff then emits events
// only for rows whose visible value changed. Rows that disappear from the
// file are not deleted from the collection: no delete is ever written.
type File[K comparable, T any] struct {
	path   string
	getKey func(T) K
}

// NewFile constructs a File sync source watching path. getKey must match
// the owning collection's Config.GetKey.
func NewFile[K comparable, T any](path string, getKey func(T) K) *File[K, T] {
	return &File[K, T]{path: path, getKey: getKey}
}

// Func returns the collection.SyncFunc this source exposes.
func (f *File[K, T]) Func() collection.SyncFunc[K, T] {
	return func(ctx context.Context, h collection.SyncHandlers[K, T]) (collection.CleanupFunc, error) {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("syncsource: new watcher: %w", err)
		}
		dir := filepath.Dir(f.path)
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("syncsource: watch %s: %w", dir, err)
		}

		if err := f.reload(h); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		h.MarkReady()

		done := make(chan struct{})
		go f.watchLoop(ctx, watcher, h, done)

		cleanup := func() error {
			err := watcher.Close()
			<-done
			return err
		}
		return cleanup, nil
	}
}

func (f *File[K, T]) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, h collection.SyncHandlers[K, T], done chan struct{}) {
	defer close(done)
	var timer *time.Timer
	fire := func() {
		if err := f.reload(h); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, fire)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload reads the whole file as a fresh snapshot and replays it as one
// begin/write*/commit batch.
func (f *File[K, T]) reload(h collection.SyncHandlers[K, T]) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			h.Begin()
			return h.Commit()
		}
		return fmt.Errorf("syncsource: read %s: %w", f.path, err)
	}
	var rows []T
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("syncsource: decode %s: %w", f.path, err)
	}

	h.Begin()
	for _, row := range rows {
		msg := collection.WriteMessage[T]{Type: txn.Insert, Value: row}
		if err := h.Write(msg); err != nil {
			return err
		}
	}
	return h.Commit()
}
