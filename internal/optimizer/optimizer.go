// Package optimizer rewrites a query.Query before compilation: it splits a
// conjunctive WHERE into per-source conjuncts and pushes every conjunct that
// touches exactly one source down onto that source as a pre-filter, leaving
// the cross-source conjuncts, and those on the nullable side of an outer
// join, at the join level. Grounded on the
// teacher's two-mode internal/query evaluator (a fast index/filter path and
// a general fallback path over the same predicate tree) and on spec §4.3
// "optimizer soundness" (scenario/property 8): the rewritten plan must
// accept and reject exactly the same rows as the unoptimized one.
package optimizer

import (
	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/query"
)

// Pushdown is a single-source conjunct extracted from a query's WHERE,
// destined to run as a pre-filter against that source alone, before any
// join/group/order stage sees the row.
type Pushdown struct {
	Alias string
	Expr  expr.Node
}

// Plan is the optimized form of a query.Query: the original query plus the
// extracted per-source pushdowns and the residual expression that must
// still run after sources are combined.
type Plan struct {
	Query      *query.Query
	Pushdowns  []Pushdown
	Residual   expr.Node
}

// Optimize analyzes q.Where, splitting it into conjuncts and routing each
// single-source conjunct into a Pushdown for that alias. Conjuncts that
// touch more than one source (or zero, e.g. literal-only) remain in
// Residual, ANDed back together. So do conjuncts on an alias that an outer
// join may pad with an empty row: filtering that source before the join
// would keep padded rows the WHERE rejects. An empty or nil Where produces
// an empty plan with a nil Residual.
func Optimize(q *query.Query) *Plan {
	plan := &Plan{Query: q}
	if q.Where == nil {
		return plan
	}

	aliases := make(map[string]struct{}, len(q.Sources()))
	for _, s := range q.Sources() {
		aliases[s.Alias] = struct{}{}
	}
	nullable := make(map[string]bool)
	for i, j := range q.Joins {
		switch j.Type {
		case query.LeftJoin:
			nullable[j.Source.Alias] = true
		case query.RightJoin, query.FullJoin:
			nullable[q.From.Alias] = true
			for _, prev := range q.Joins[:i] {
				nullable[prev.Source.Alias] = true
			}
			if j.Type == query.FullJoin {
				nullable[j.Source.Alias] = true
			}
		}
	}

	var residualConjuncts []expr.Node
	for _, conjunct := range expr.Split(q.Where) {
		touched := expr.TouchedSources(conjunct)
		if len(touched) == 1 {
			var alias string
			for a := range touched {
				alias = a
			}
			if _, known := aliases[alias]; known && !nullable[alias] {
				plan.Pushdowns = append(plan.Pushdowns, Pushdown{Alias: alias, Expr: conjunct})
				continue
			}
		}
		residualConjuncts = append(residualConjuncts, conjunct)
	}

	plan.Residual = rebuildAnd(residualConjuncts)
	return plan
}

func rebuildAnd(conjuncts []expr.Node) expr.Node {
	switch len(conjuncts) {
	case 0:
		return nil
	case 1:
		return conjuncts[0]
	default:
		return expr.And(conjuncts...)
	}
}

// PushdownsFor returns the pushdowns routed to alias, in extraction order.
func (p *Plan) PushdownsFor(alias string) []expr.Node {
	var out []expr.Node
	for _, pd := range p.Pushdowns {
		if pd.Alias == alias {
			out = append(out, pd.Expr)
		}
	}
	return out
}

// CombinedWhere reconstitutes a single expression equivalent to the
// original WHERE: every pushdown ANDed with the residual. Used by the
// tests asserting optimizer soundness.
func (p *Plan) CombinedWhere() expr.Node {
	all := make([]expr.Node, 0, len(p.Pushdowns)+1)
	for _, pd := range p.Pushdowns {
		all = append(all, pd.Expr)
	}
	if p.Residual != nil {
		all = append(all, p.Residual)
	}
	return rebuildAnd(all)
}
