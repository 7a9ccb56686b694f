// Package query implements the declarative Query IR described in spec
// §4.3: a builder over collection/query references, joins, selection,
// grouping, ordering, and pagination, handed to the optimizer and compiler
// as a plain data structure rather than executed directly. Grounded on the
// teacher's internal/query package, which separates IR construction
// (query.Builder) from evaluation (query.evaluator) the same way.
package query

import "github.com/go-reactor/reactor/internal/expr"

// Source identifies what a Query or Join reads from: either a live
// collection (by ID, resolved by the compiler) or a nested Query
// (subquery-as-source, spec §4.3 "queries can source other queries").
type Source struct {
	CollectionID string
	Query        *Query
	Alias        string
}

// CollectionRef builds a Source reading directly from a collection.
func CollectionRef(collectionID, alias string) Source {
	return Source{CollectionID: collectionID, Alias: alias}
}

// QueryRef builds a Source reading from the output of a nested query.
func QueryRef(q *Query, alias string) Source {
	return Source{Query: q, Alias: alias}
}

// JoinType is the kind of join (spec §4.3).
type JoinType string

const (
	InnerJoin JoinType = "inner"
	LeftJoin  JoinType = "left"
	RightJoin JoinType = "right"
	FullJoin  JoinType = "full"
)

// Join adds a second source to a query, matched by On.
type Join struct {
	Type   JoinType
	Source Source
	On     expr.Node
}

// OrderTerm is one ORDER BY key.
type OrderTerm struct {
	Expr       expr.Node
	Descending bool
}

// SelectField is one output column: either a plain expression or an
// aggregate (spec §4.3 "SELECT may mix plain fields and aggregates under an
// implicit or explicit GROUP BY").
type SelectField struct {
	Alias string
	Expr  expr.Node
}

// Query is the full declarative IR for one query (spec §4.3). Every clause
// beyond From is optional; nil/empty means "not applied".
type Query struct {
	From     Source
	Joins    []Join
	Where    expr.Node
	GroupBy  []expr.Node
	Having   expr.Node
	Select   []SelectField
	OrderBy  []OrderTerm
	Limit    *int
	Offset   *int
	Distinct bool
}

// New starts a Query builder rooted at from.
func New(from Source) *Query {
	return &Query{From: from}
}

func (q *Query) JoinWith(j Join) *Query {
	q.Joins = append(q.Joins, j)
	return q
}

func (q *Query) WhereExpr(w expr.Node) *Query {
	q.Where = w
	return q
}

func (q *Query) GroupByExprs(by ...expr.Node) *Query {
	q.GroupBy = append(q.GroupBy, by...)
	return q
}

func (q *Query) HavingExpr(h expr.Node) *Query {
	q.Having = h
	return q
}

func (q *Query) SelectFields(fields ...SelectField) *Query {
	q.Select = append(q.Select, fields...)
	return q
}

func (q *Query) OrderByTerms(terms ...OrderTerm) *Query {
	q.OrderBy = append(q.OrderBy, terms...)
	return q
}

func (q *Query) LimitTo(n int) *Query {
	q.Limit = &n
	return q
}

func (q *Query) OffsetBy(n int) *Query {
	q.Offset = &n
	return q
}

// DistinctResults marks the query's output as deduplicated (spec §4.7
// "DISTINCT"), requiring a non-empty Select (Compiled.Run rejects Distinct
// with no projection with ErrDistinctRequiresSelect).
func (q *Query) DistinctResults() *Query {
	q.Distinct = true
	return q
}

// Sources returns every alias participating in the query: From plus every
// Join (spec §4.3, used by the optimizer's per-source WHERE extraction).
func (q *Query) Sources() []Source {
	out := make([]Source, 0, len(q.Joins)+1)
	out = append(out, q.From)
	for _, j := range q.Joins {
		out = append(out, j.Source)
	}
	return out
}

// HasAggregates reports whether Select contains at least one Agg node or
// GroupBy is non-empty, either of which selects the (explicit or
// single-group implicit) GROUP BY evaluation mode.
func (q *Query) HasAggregates() bool {
	for _, f := range q.Select {
		if _, ok := f.Expr.(expr.Agg); ok {
			return true
		}
	}
	return len(q.GroupBy) > 0
}
