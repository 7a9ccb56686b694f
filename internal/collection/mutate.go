package collection

import (
	"context"
	"reflect"

	"go.opentelemetry.io/otel/metric"

	"github.com/go-reactor/reactor/internal/telemetry"
	"github.com/go-reactor/reactor/internal/txn"
)

// recordMutation increments the configured mutation counter, if any. Metrics
// is optional (spec §9 ambient observability expansion); a nil Metrics is a
// no-op, not an error.
func (c *Collection[K, T]) recordMutation(ctx context.Context, kind string) {
	if c.cfg.Metrics == nil {
		return
	}
	c.cfg.Metrics.Mutations.Add(ctx, 1, metric.WithAttributes(
		telemetry.CollectionAttr(c.id), telemetry.MutationTypeAttr(kind),
	))
}

// mutationFnFor adapts a Config mutation handler into a txn.MutationFn bound
// to this collection, used when a mutation call has no ambient transaction
// and must drive its own implicit one (spec §4.4 "mutate... runs outside an
// explicit transaction by wrapping itself in a throwaway auto-committing
// one").
func (c *Collection[K, T]) mutationFnFor(h MutationHandler[K, T]) txn.MutationFn {
	if h == nil {
		return nil
	}
	return func(ctx context.Context, t *txn.Transaction) error {
		return h(ctx, t, c)
	}
}

// attach resolves the ambient transaction from ctx, or creates a throwaway
// auto-committing one bound to handler, then applies mut to it.
func (c *Collection[K, T]) attach(ctx context.Context, mut *txn.PendingMutation, handler MutationHandler[K, T]) (*txn.Transaction, error) {
	if t, ok := txn.FromContext(ctx); ok {
		c.mu.Lock()
		c.transactions[t.ID] = t
		c.mu.Unlock()
		if err := t.ApplyMutations(ctx, []*txn.PendingMutation{mut}, c); err != nil {
			return t, err
		}
		return t, nil
	}
	if handler == nil {
		return nil, ErrNoMutationHandler
	}
	t := txn.New(c.mutationFnFor(handler), true)
	c.mu.Lock()
	c.transactions[t.ID] = t
	c.mu.Unlock()
	if err := t.ApplyMutations(ctx, []*txn.PendingMutation{mut}, c); err != nil {
		return t, err
	}
	if err := t.Commit(ctx); err != nil {
		return t, err
	}
	return t, nil
}

func (c *Collection[K, T]) validate(op string, v T) (T, error) {
	if c.cfg.Schema == nil {
		return v, nil
	}
	out, issues := c.cfg.Schema.Validate(v)
	if len(issues) > 0 {
		return out, &ValidationError{Op: op, Issues: issues}
	}
	return out, nil
}

// Insert adds a new row under its derived key. If an ambient transaction is
// present in ctx, the mutation is staged on it (recomputed and visible
// immediately as an optimistic overlay, persisted on Commit); otherwise it
// runs inside a throwaway auto-committing transaction backed by
// Config.OnInsert (spec §4.3, §4.4).
func (c *Collection[K, T]) Insert(ctx context.Context, v T) error {
	c.ensureSyncStarted()
	v, err := c.validate("insert", v)
	if err != nil {
		return err
	}
	k := c.cfg.GetKey(v)
	if c.Has(k) {
		return ErrDuplicateKey
	}
	mut := &txn.PendingMutation{
		Type:         txn.Insert,
		Key:          k,
		GlobalKey:    globalKey(c.id, k),
		Modified:     v,
		Optimistic:   true,
		CollectionID: c.id,
	}
	_, err = c.attach(ctx, mut, c.cfg.OnInsert)
	if err == nil {
		c.recordMutation(ctx, "insert")
	}
	return err
}

// Update applies fn to the current visible row for k and stages the result.
// fn receives a copy; returning it unmodified is a no-op and reports
// ErrNoChange (spec §4.3).
func (c *Collection[K, T]) Update(ctx context.Context, k K, fn func(draft *T)) error {
	c.ensureSyncStarted()
	current, ok := c.Get(k)
	if !ok {
		return ErrUnknownKey
	}
	draft := current
	fn(&draft)
	if reflect.DeepEqual(current, draft) {
		return ErrNoChange
	}
	draft, err := c.validate("update", draft)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(c.cfg.GetKey(draft), k) {
		return ErrKeyChanged
	}
	mut := &txn.PendingMutation{
		Type:         txn.Update,
		Key:          k,
		GlobalKey:    globalKey(c.id, k),
		Original:     current,
		Modified:     draft,
		Changes:      diffFields(current, draft),
		Optimistic:   true,
		CollectionID: c.id,
	}
	_, err = c.attach(ctx, mut, c.cfg.OnUpdate)
	if err == nil {
		c.recordMutation(ctx, "update")
	}
	return err
}

// Delete removes the row for k.
func (c *Collection[K, T]) Delete(ctx context.Context, k K) error {
	c.ensureSyncStarted()
	current, ok := c.Get(k)
	if !ok {
		return ErrUnknownKey
	}
	mut := &txn.PendingMutation{
		Type:         txn.Delete,
		Key:          k,
		GlobalKey:    globalKey(c.id, k),
		Original:     current,
		Optimistic:   true,
		CollectionID: c.id,
	}
	_, err := c.attach(ctx, mut, c.cfg.OnDelete)
	if err == nil {
		c.recordMutation(ctx, "delete")
	}
	return err
}

// diffFields reports, for struct or map[string]any rows, which fields
// changed between prev and next — used to populate PendingMutation.Changes
// for RowUpdatePartial-aware sync adapters.
func diffFields[T any](prev, next T) map[string]any {
	out := make(map[string]any)
	pv := reflect.ValueOf(prev)
	nv := reflect.ValueOf(next)
	switch pv.Kind() {
	case reflect.Map:
		for _, k := range nv.MapKeys() {
			nf := nv.MapIndex(k)
			pf := pv.MapIndex(k)
			if !pf.IsValid() || !reflect.DeepEqual(pf.Interface(), nf.Interface()) {
				out[k.String()] = nf.Interface()
			}
		}
	case reflect.Struct:
		t := pv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			pf := pv.Field(i).Interface()
			nf := nv.Field(i).Interface()
			if !reflect.DeepEqual(pf, nf) {
				out[f.Name] = nf
			}
		}
	}
	return out
}
