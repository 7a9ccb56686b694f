package livequery

import (
	"github.com/go-reactor/reactor/internal/collection"
	"github.com/go-reactor/reactor/internal/expr"
)

// CollectionUpstream adapts a *collection.Collection[K,T] into an Upstream,
// rendering each visible row into a field map under alias via toFields.
type CollectionUpstream[K comparable, T any] struct {
	alias    string
	c        *collection.Collection[K, T]
	toFields func(T) map[string]any
}

// NewCollectionUpstream builds a CollectionUpstream for c, addressed as
// alias in the query this upstream feeds.
func NewCollectionUpstream[K comparable, T any](alias string, c *collection.Collection[K, T], toFields func(T) map[string]any) *CollectionUpstream[K, T] {
	return &CollectionUpstream[K, T]{alias: alias, c: c, toFields: toFields}
}

func (u *CollectionUpstream[K, T]) Alias() string { return u.alias }

func (u *CollectionUpstream[K, T]) Rows() []expr.Row {
	values := u.c.Values()
	out := make([]expr.Row, 0, len(values))
	for _, v := range values {
		out = append(out, expr.Row{u.alias: u.toFields(v)})
	}
	return out
}

func (u *CollectionUpstream[K, T]) Subscribe(onChange func()) func() {
	return u.c.SubscribeChanges(collection.SubscribeOptions[T]{}, func(_ []collection.Change[K, T]) {
		onChange()
	})
}
