// Package compiler turns an optimized query.Query into a runnable pipeline
// over expr.Row sources, and caches compiled pipelines by query fingerprint
// (CompileCached) so repeated compiles of the same declarative query reuse
// one optimized plan. LiveQueryCollection compiles its query once, with the
// uncached Compile. Grounded on the teacher's internal/query
// evaluator for the pipeline shape, and on the pack's cache/dedup idioms:
// hashicorp/golang-lru for the bounded cache, golang.org/x/sync/singleflight
// to collapse concurrent compiles of the same fingerprint into one.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/go-reactor/reactor/internal/dataflow"
	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/optimizer"
	"github.com/go-reactor/reactor/internal/query"
)

// Named compiler errors (spec §4.7/§7's query error taxonomy). Run returns
// these directly or wrapped with %w so callers can errors.Is against them.
var (
	// ErrLimitOffsetRequireOrderBy is returned when Limit or Offset is set
	// without an OrderBy: pagination over an unordered result is ambiguous.
	ErrLimitOffsetRequireOrderBy = errors.New("compiler: limit/offset requires an order by")
	// ErrHavingRequiresGroupBy is returned when Having is set on a query
	// with no GroupBy and no aggregate Select field.
	ErrHavingRequiresGroupBy = errors.New("compiler: having requires a group by or an aggregate select")
	// ErrDistinctRequiresSelect is returned when Distinct is set with an
	// empty Select: there is no projection to deduplicate.
	ErrDistinctRequiresSelect = errors.New("compiler: distinct requires a select")
	// ErrCollectionInputNotFound is returned when Run is given no
	// RowSource for a query/join alias.
	ErrCollectionInputNotFound = errors.New("compiler: no input provided for alias")
	// ErrUnsupportedFromType is returned when a Source names neither a
	// collection nor a nested query.
	ErrUnsupportedFromType = errors.New("compiler: source is neither a collection nor a nested query")
)

// RowSource supplies the current row batch for one query source (a
// collection, or the pre-rendered output of a nested query).
type RowSource interface {
	Rows() []expr.Row
}

// SliceSource is a RowSource over a fixed, pre-computed row slice.
type SliceSource []expr.Row

func (s SliceSource) Rows() []expr.Row { return s }

// Compiled is a runnable pipeline for one query.
type Compiled struct {
	query *query.Query
	plan  *optimizer.Plan
}

// Fingerprint returns a cache key for q, derived from a Go %#v rendering of
// the query tree. Two *query.Query values built the same way produce the
// same fingerprint as long as neither sets a pointer field below the top
// level: %#v renders Limit, Offset and a nested QueryRef's *Query as
// addresses, so such queries share a fingerprint only when they share those
// pointers.
func Fingerprint(q *query.Query) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", q)))
	return hex.EncodeToString(sum[:])
}

// Compile optimizes q and wraps it in a Compiled pipeline. Prefer
// CompileCached for repeated compiles of the same declarative query.
func Compile(q *query.Query) *Compiled {
	return &Compiled{query: q, plan: optimizer.Optimize(q)}
}

var (
	cache   *lru.Cache[string, *Compiled]
	flights singleflight.Group
)

func init() {
	c, err := lru.New[string, *Compiled](256)
	if err != nil {
		panic(err)
	}
	cache = c
}

// CompileCached returns the cached Compiled pipeline for q's fingerprint,
// compiling (and caching) it if absent. Concurrent callers compiling the
// same fingerprint for the first time share a single compilation via
// singleflight.
func CompileCached(q *query.Query) (*Compiled, error) {
	fp := Fingerprint(q)
	if c, ok := cache.Get(fp); ok {
		return c, nil
	}
	v, err, _ := flights.Do(fp, func() (any, error) {
		if c, ok := cache.Get(fp); ok {
			return c, nil
		}
		c := Compile(q)
		cache.Add(fp, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Compiled), nil
}

// Run executes the compiled pipeline against sources, keyed by source
// alias, producing the final result row batch: per-source pushdown
// filters, joins with their own pushdowns applied to the joined side,
// the residual cross-source filter, group-by/select or plain select, and
// finally order-by/offset/limit.
func (c *Compiled) Run(sources map[string]RowSource) ([]expr.Row, error) {
	q := c.query

	for _, s := range q.Sources() {
		if s.CollectionID == "" && s.Query == nil {
			return nil, ErrUnsupportedFromType
		}
	}
	if q.Having != nil && !q.HasAggregates() {
		return nil, ErrHavingRequiresGroupBy
	}
	if q.Distinct && len(q.Select) == 0 {
		return nil, ErrDistinctRequiresSelect
	}
	if (q.Limit != nil || q.Offset != nil) && len(q.OrderBy) == 0 {
		return nil, ErrLimitOffsetRequireOrderBy
	}

	leftRows, err := filteredSource(sources, c.plan, q.From.Alias)
	if err != nil {
		return nil, err
	}

	for _, j := range q.Joins {
		rightRows, err := filteredSource(sources, c.plan, j.Source.Alias)
		if err != nil {
			return nil, err
		}
		leftRows, err = dataflow.Join(leftRows, rightRows, j.Source.Alias, j.On, j.Type)
		if err != nil {
			return nil, err
		}
	}

	leftRows, err = dataflow.Filter(leftRows, c.plan.Residual)
	if err != nil {
		return nil, err
	}

	var out []expr.Row
	if q.HasAggregates() {
		out, err = dataflow.GroupBy(leftRows, q.GroupBy, q.Select, "result")
		if err != nil {
			return nil, err
		}
		out, err = dataflow.Filter(out, rewriteHavingAlias(q.Having))
		if err != nil {
			return nil, err
		}
	} else {
		out, err = dataflow.Select(leftRows, q.Select, "result")
		if err != nil {
			return nil, err
		}
	}

	if q.Distinct {
		out = dataflow.Distinct(out, "result")
	}

	out, err = dataflow.OrderBy(out, rewriteOrderAlias(q, out))
	if err != nil {
		return nil, err
	}
	out = dataflow.LimitOffset(out, q.Limit, q.Offset)
	return out, nil
}

func filteredSource(sources map[string]RowSource, plan *optimizer.Plan, alias string) ([]expr.Row, error) {
	src, ok := sources[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionInputNotFound, alias)
	}
	rows := src.Rows()
	for _, pd := range plan.PushdownsFor(alias) {
		var err error
		rows, err = dataflow.Filter(rows, pd)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// rewriteHavingAlias leaves Having as-is: once GroupBy has run, the output
// rows are keyed under the synthetic "result" alias, and callers are
// expected to write Having expressions against the same SelectField
// aliases used in Select (matching spec §4.3's "Having filters on SELECT
// output, not input rows"). No-op placeholder retained for readability.
func rewriteHavingAlias(h expr.Node) expr.Node { return h }

// rewriteOrderAlias is likewise a no-op: ORDER BY terms referencing SELECT
// aliases are expected to be written against the "result" alias already.
func rewriteOrderAlias(q *query.Query, _ []expr.Row) []query.OrderTerm { return q.OrderBy }
