package collection

import (
	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/index"
)

// fieldComparison recognizes the shape an index lookup can serve: a
// single-element PropRef compared against one or more literal values. Any
// other shape (nested expressions, computed values, multi-collection
// refs) isn't routable through a field index.
func fieldComparison(f expr.Func) (field string, values []any, ok bool) {
	if len(f.Args) < 2 {
		return "", nil, false
	}
	ref, isRef := f.Args[0].(expr.PropRef)
	if !isRef || len(ref.Path) != 1 {
		return "", nil, false
	}
	values = make([]any, 0, len(f.Args)-1)
	for _, a := range f.Args[1:] {
		v, isVal := a.(expr.Value)
		if !isVal {
			return "", nil, false
		}
		values = append(values, v.V)
	}
	return ref.Path[0], values, true
}

// ensureFieldIndexLocked returns the auto-index over field, building it
// from the current visible state if Config.AutoIndex permits and it
// doesn't already exist. Returns nil if no index is available (AutoIndex
// disabled, or Config.Fields not configured). Caller must hold c.mu.
func (c *Collection[K, T]) ensureFieldIndexLocked(field string) *index.Index[K, T, any] {
	if ix, ok := c.autoIndexes[field]; ok {
		return ix
	}
	if !c.cfg.AutoIndex || c.cfg.Fields == nil {
		return nil
	}
	extract := func(v T) any { return c.cfg.Fields(v)[field] }
	ix := index.New[K, T, any]("auto:"+field, extract, expr.Compare)
	rows := make(map[K]T, c.sizeLocked())
	for k := range c.collectKeysLocked() {
		if v, ok := c.visibleLocked(k); ok {
			rows[k] = v
		}
	}
	ix.Build(rows)
	c.autoIndexes[field] = ix
	c.indexes[ix.ID()] = &indexAdapter[K, T, any]{ix: ix}
	return ix
}

// evalConjunctViaIndexLocked resolves a single already-normalized conjunct
// to its matching key set through an auto-index, reporting ok=false when
// the conjunct's shape or the collection's config doesn't support index
// routing (the caller then falls back to a full scan). Caller must hold
// c.mu.
func (c *Collection[K, T]) evalConjunctViaIndexLocked(node expr.Node) (map[K]struct{}, bool) {
	f, isFunc := node.(expr.Func)
	if !isFunc {
		return nil, false
	}
	field, values, ok := fieldComparison(f)
	if !ok {
		return nil, false
	}
	ix := c.ensureFieldIndexLocked(field)
	if ix == nil {
		return nil, false
	}
	switch f.Name {
	case "eq":
		return ix.Eq(values[0]), true
	case "in":
		return ix.In(values), true
	case "gt":
		v := values[0]
		return ix.Range(index.Range[any]{From: &v, FromInclusive: false}), true
	case "gte":
		v := values[0]
		return ix.Range(index.Range[any]{From: &v, FromInclusive: true}), true
	case "lt":
		v := values[0]
		return ix.Range(index.Range[any]{To: &v, ToInclusive: false}), true
	case "lte":
		v := values[0]
		return ix.Range(index.Range[any]{To: &v, ToInclusive: true}), true
	default:
		return nil, false
	}
}

// ensureIndexForExpressionLocked attempts to resolve where entirely
// through auto-indexes, triggering their creation as needed (spec §4.5
// "ensureIndexForExpression"). It returns ok=false when where isn't
// index-convertible for alias, or any of its conjuncts can't be routed
// through an index, in which case the caller must fall back to a full
// scan. Caller must hold c.mu.
func (c *Collection[K, T]) ensureIndexForExpressionLocked(where expr.Node, alias string) (map[K]struct{}, bool) {
	if !expr.IndexConvertible(where, alias) {
		return nil, false
	}
	normalized := expr.Normalize(where, alias)
	conjuncts := expr.Split(normalized)
	var result map[K]struct{}
	for i, cj := range conjuncts {
		keys, ok := c.evalConjunctViaIndexLocked(cj)
		if !ok {
			return nil, false
		}
		if i == 0 {
			result = keys
			continue
		}
		for k := range result {
			if _, in := keys[k]; !in {
				delete(result, k)
			}
		}
	}
	if result == nil {
		result = make(map[K]struct{})
	}
	return result, true
}

// wherePredicate builds a func(T) bool testing where against a row, via
// Config.Fields. A nil Config.Fields matches every row (whereExpression
// support is unavailable without a field extractor). Safe to call without
// c.mu: it only reads c.cfg, which is immutable after New.
func (c *Collection[K, T]) wherePredicate(where expr.Node, alias string) func(T) bool {
	if c.cfg.Fields == nil {
		return func(T) bool { return true }
	}
	normalized := expr.Normalize(where, alias)
	return func(v T) bool {
		fields := c.cfg.Fields(v)
		res, err := expr.Eval(normalized, expr.Row{expr.DefaultAlias: fields})
		if err != nil {
			return false
		}
		b, _ := res.(bool)
		return b
	}
}

// StateQuery narrows CurrentStateAsChanges/SubscribeChanges to a subset of
// the visible state (spec §4.5 "{where?, whereExpression?}"). Matches is an
// opaque predicate; Where is an expr.Node evaluated via Config.Fields, used
// when the expression is index-convertible for Alias (defaulting to
// expr.DefaultAlias). Both may be set; a row must satisfy both to match.
type StateQuery[T any] struct {
	Matches func(T) bool
	Where   expr.Node
	Alias   string
}

func (q StateQuery[T]) alias() string {
	if q.Alias == "" {
		return expr.DefaultAlias
	}
	return q.Alias
}

// CurrentStateAsChanges renders the rows matching q as a batch of
// insert-typed changes (spec §4.5 "currentStateAsChanges"). When q.Where is
// index-convertible and an auto-index can serve it, the result comes
// straight from index lookups; otherwise it falls back to a full scan,
// incrementing the counter FullScanCount reports.
func (c *Collection[K, T]) CurrentStateAsChanges(q StateQuery[T]) []Change[K, T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentStateAsChangesQueryLocked(q)
}

// currentStateAsChangesQueryLocked is CurrentStateAsChanges' body, for
// callers (SubscribeChanges) that already hold c.mu. Caller must hold c.mu.
func (c *Collection[K, T]) currentStateAsChangesQueryLocked(q StateQuery[T]) []Change[K, T] {
	if q.Where != nil {
		if keys, ok := c.ensureIndexForExpressionLocked(q.Where, q.alias()); ok {
			out := make([]Change[K, T], 0, len(keys))
			for k := range keys {
				v, ok := c.visibleLocked(k)
				if !ok {
					continue
				}
				if q.Matches != nil && !q.Matches(v) {
					continue
				}
				out = append(out, Change[K, T]{Type: ChangeInsert, Key: k, Value: v})
			}
			return out
		}
	}

	c.fullScans.Add(1)
	var pred func(T) bool
	if q.Where != nil {
		pred = c.wherePredicate(q.Where, q.alias())
	}
	keys := c.collectKeysLocked()
	out := make([]Change[K, T], 0, len(keys))
	for k := range keys {
		v, ok := c.visibleLocked(k)
		if !ok {
			continue
		}
		if q.Matches != nil && !q.Matches(v) {
			continue
		}
		if pred != nil && !pred(v) {
			continue
		}
		out = append(out, Change[K, T]{Type: ChangeInsert, Key: k, Value: v})
	}
	return out
}

// FullScanCount returns the number of CurrentStateAsChanges/SubscribeChanges
// calls that fell back to a full scan instead of an index lookup (spec §8
// scenario S3's assertion surface).
func (c *Collection[K, T]) FullScanCount() int64 {
	return c.fullScans.Load()
}
