// Package omap implements a key→value map whose iteration order follows a
// caller-supplied comparator over the values rather than the keys, with ties
// broken by insertion order. No other package in this module imports it:
// Index orders its entries with a btree and Collection keeps plain maps.
package omap

import (
	"github.com/benbjohnson/immutable"
)

// Comparator orders two values of type V. It must implement a total order:
// Compare(a, b) < 0 if a sorts before b, 0 if they are equivalent for
// ordering purposes, > 0 otherwise.
type Comparator[V any] func(a, b V) int

// orderKey is the composite sort key stored in the backing immutable.SortedMap:
// value first (caller's comparator), then insertion sequence as a tiebreaker
// so that two values comparing equal still iterate in first-set order.
type orderKey[K comparable, V any] struct {
	value V
	seq   uint64
	key   K
}

type orderKeyComparer[K comparable, V any] struct {
	cmp Comparator[V]
}

func (c orderKeyComparer[K, V]) Compare(a, b orderKey[K, V]) int {
	if d := c.cmp(a.value, b.value); d != 0 {
		return d
	}
	if a.seq < b.seq {
		return -1
	}
	if a.seq > b.seq {
		return 1
	}
	return 0
}

// Map is an ordered key→value map. The zero value is not usable; construct
// with New.
type Map[K comparable, V any] struct {
	cmp     Comparator[V]
	ordered *immutable.SortedMap[orderKey[K, V], K]
	data    map[K]V
	keys    map[K]orderKey[K, V]
	nextSeq uint64
}

// New creates an empty Map ordered by cmp.
func New[K comparable, V any](cmp Comparator[V]) *Map[K, V] {
	return &Map[K, V]{
		cmp:     cmp,
		ordered: immutable.NewSortedMap[orderKey[K, V], K](orderKeyComparer[K, V]{cmp: cmp}),
		data:    make(map[K]V),
		keys:    make(map[K]orderKey[K, V]),
	}
}

// Set inserts or updates the value for k. If k already exists and its value
// is unchanged under cmp (Compare returns 0 both ways) and is == by the
// comparator, the existing ordering position is kept; otherwise the entry
// is re-seated at a fresh insertion-order position so relative order among
// equal-ranked values remains stable from the caller's perspective.
func (m *Map[K, V]) Set(k K, v V) {
	if prev, ok := m.keys[k]; ok {
		if m.cmp(prev.value, v) == 0 {
			m.data[k] = v
			return
		}
		m.ordered = m.ordered.Delete(prev)
	}
	ok := orderKey[K, V]{value: v, seq: m.nextSeq, key: k}
	m.nextSeq++
	m.keys[k] = ok
	m.data[k] = v
	m.ordered = m.ordered.Set(ok, k)
}

// Get returns the value for k and whether it was present.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.data[k]
	return v, ok
}

// Has reports whether k is present.
func (m *Map[K, V]) Has(k K) bool {
	_, ok := m.data[k]
	return ok
}

// Delete removes k. Reports whether it was present.
func (m *Map[K, V]) Delete(k K) bool {
	ok, present := m.keys[k]
	if !present {
		return false
	}
	delete(m.keys, k)
	delete(m.data, k)
	m.ordered = m.ordered.Delete(ok)
	return true
}

// Clear empties the map.
func (m *Map[K, V]) Clear() {
	m.ordered = immutable.NewSortedMap[orderKey[K, V], K](orderKeyComparer[K, V]{cmp: m.cmp})
	m.data = make(map[K]V)
	m.keys = make(map[K]orderKey[K, V])
}

// Size returns the number of entries.
func (m *Map[K, V]) Size() int {
	return len(m.data)
}

// Keys returns keys in value order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, 0, len(m.data))
	itr := m.ordered.Iterator()
	for !itr.Done() {
		_, k := itr.Next()
		out = append(out, k)
	}
	return out
}

// Values returns values in value order.
func (m *Map[K, V]) Values() []V {
	out := make([]V, 0, len(m.data))
	itr := m.ordered.Iterator()
	for !itr.Done() {
		_, k := itr.Next()
		out = append(out, m.data[k])
	}
	return out
}

// Entry pairs a key and value for ordered iteration.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Entries returns key/value pairs in value order.
func (m *Map[K, V]) Entries() []Entry[K, V] {
	out := make([]Entry[K, V], 0, len(m.data))
	itr := m.ordered.Iterator()
	for !itr.Done() {
		_, k := itr.Next()
		out = append(out, Entry[K, V]{Key: k, Value: m.data[k]})
	}
	return out
}
