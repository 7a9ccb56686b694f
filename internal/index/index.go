// Package index implements an ordered value→keys structure built over a
// row-extractor expression, giving O(log n + m) range, equality, and set
// lookups for WHERE-expression matching (spec §4.2).
package index

import (
	"github.com/google/btree"
)

// Extractor pulls the indexed value out of a row.
type Extractor[T any, V any] func(row T) V

// Comparator defines a total order over extracted values.
type Comparator[V any] func(a, b V) int

// entry is a single node in the backing btree: one extracted value and the
// set of row keys that currently produce it.
type entry[K comparable, V any] struct {
	value V
	keys  map[K]struct{}
}

// Index maintains, for a collection, the mapping extracted-value → {keys}
// in value order, plus a reverse key → value map so Remove/Update don't
// need the extractor re-applied to a stale row.
type Index[K comparable, T any, V any] struct {
	id        string
	extract   Extractor[T, V]
	cmp       Comparator[V]
	tree      *btree.BTreeG[entry[K, V]]
	valueByID map[K]V
}

// New creates an empty Index backed by a btree of degree 32.
func New[K comparable, T any, V any](id string, extract Extractor[T, V], cmp Comparator[V]) *Index[K, T, V] {
	less := func(a, b entry[K, V]) bool { return cmp(a.value, b.value) < 0 }
	return &Index[K, T, V]{
		id:        id,
		extract:   extract,
		cmp:       cmp,
		tree:      btree.NewG[entry[K, V]](32, less),
		valueByID: make(map[K]V),
	}
}

// ID returns the index's identifier.
func (ix *Index[K, T, V]) ID() string { return ix.id }

// Build populates the index from a full key→row map, replacing any existing
// contents.
func (ix *Index[K, T, V]) Build(rows map[K]T) {
	ix.tree = btree.NewG[entry[K, V]](32, func(a, b entry[K, V]) bool { return ix.cmp(a.value, b.value) < 0 })
	ix.valueByID = make(map[K]V, len(rows))
	for k, row := range rows {
		ix.add(k, row)
	}
}

func (ix *Index[K, T, V]) add(k K, row T) {
	v := ix.extract(row)
	ix.valueByID[k] = v
	probe := entry[K, V]{value: v}
	if existing, ok := ix.tree.Get(probe); ok {
		existing.keys[k] = struct{}{}
		ix.tree.ReplaceOrInsert(existing)
		return
	}
	ix.tree.ReplaceOrInsert(entry[K, V]{value: v, keys: map[K]struct{}{k: {}}})
}

// Add indexes a newly visible row under key k.
func (ix *Index[K, T, V]) Add(k K, row T) {
	ix.add(k, row)
}

// Remove drops key k from the index. row is the last known value for k,
// used to locate its bucket.
func (ix *Index[K, T, V]) Remove(k K, row T) {
	v, ok := ix.valueByID[k]
	if !ok {
		v = ix.extract(row)
	}
	ix.removeFromValue(k, v)
	delete(ix.valueByID, k)
}

func (ix *Index[K, T, V]) removeFromValue(k K, v V) {
	probe := entry[K, V]{value: v}
	existing, ok := ix.tree.Get(probe)
	if !ok {
		return
	}
	delete(existing.keys, k)
	if len(existing.keys) == 0 {
		ix.tree.Delete(probe)
		return
	}
	ix.tree.ReplaceOrInsert(existing)
}

// Update moves key k from its old extracted value (derived from prev) to
// the extracted value of next.
func (ix *Index[K, T, V]) Update(k K, prev, next T) {
	oldV, ok := ix.valueByID[k]
	if !ok {
		oldV = ix.extract(prev)
	}
	newV := ix.extract(next)
	if ix.cmp(oldV, newV) == 0 {
		return
	}
	ix.removeFromValue(k, oldV)
	ix.valueByID[k] = newV
	probe := entry[K, V]{value: newV}
	if existing, found := ix.tree.Get(probe); found {
		existing.keys[k] = struct{}{}
		ix.tree.ReplaceOrInsert(existing)
		return
	}
	ix.tree.ReplaceOrInsert(entry[K, V]{value: newV, keys: map[K]struct{}{k: {}}})
}

// Eq returns every key whose extracted value equals v.
func (ix *Index[K, T, V]) Eq(v V) map[K]struct{} {
	out := make(map[K]struct{})
	if e, ok := ix.tree.Get(entry[K, V]{value: v}); ok {
		for k := range e.keys {
			out[k] = struct{}{}
		}
	}
	return out
}

// In returns every key whose extracted value is a member of values.
func (ix *Index[K, T, V]) In(values []V) map[K]struct{} {
	out := make(map[K]struct{})
	for _, v := range values {
		for k := range ix.Eq(v) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Range describes a bounded scan over extracted values. A nil From/To
// side means unbounded in that direction.
type Range[V any] struct {
	From          *V
	FromInclusive bool
	To            *V
	ToInclusive   bool
}

// Range returns every key whose extracted value falls within r.
func (ix *Index[K, T, V]) Range(r Range[V]) map[K]struct{} {
	out := make(map[K]struct{})
	visit := func(e entry[K, V]) bool {
		if r.To != nil {
			c := ix.cmp(e.value, *r.To)
			if (r.ToInclusive && c > 0) || (!r.ToInclusive && c >= 0) {
				return false
			}
		}
		if r.From != nil {
			c := ix.cmp(e.value, *r.From)
			if (r.FromInclusive && c < 0) || (!r.FromInclusive && c <= 0) {
				return true
			}
		}
		for k := range e.keys {
			out[k] = struct{}{}
		}
		return true
	}
	if r.From != nil {
		ix.tree.AscendGreaterOrEqual(entry[K, V]{value: *r.From}, visit)
	} else {
		ix.tree.Ascend(visit)
	}
	return out
}

// Len returns the number of distinct extracted values currently indexed.
func (ix *Index[K, T, V]) Len() int {
	return ix.tree.Len()
}

// Snapshot returns keys in ascending extracted-value order.
func (ix *Index[K, T, V]) Snapshot() []K {
	out := make([]K, 0, len(ix.valueByID))
	ix.tree.Ascend(func(e entry[K, V]) bool {
		for k := range e.keys {
			out = append(out, k)
		}
		return true
	})
	return out
}
