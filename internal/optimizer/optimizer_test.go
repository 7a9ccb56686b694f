package optimizer

import (
	"testing"

	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/query"
)

func TestOptimizeSplitsSingleSourceConjunctsIntoPushdowns(t *testing.T) {
	q := query.New(query.CollectionRef("orders", "o")).
		JoinWith(query.Join{Type: query.InnerJoin, Source: query.CollectionRef("customers", "c"), On: expr.Eq(expr.Ref("o", "customerId"), expr.Ref("c", "id"))}).
		WhereExpr(expr.And(
			expr.Gt(expr.Ref("o", "total"), expr.Lit(100)),
			expr.Eq(expr.Ref("c", "country"), expr.Lit("US")),
			expr.Eq(expr.Ref("o", "customerId"), expr.Ref("c", "id")),
		))

	plan := Optimize(q)
	if got := plan.PushdownsFor("o"); len(got) != 1 {
		t.Fatalf("PushdownsFor(o) = %d, want 1", len(got))
	}
	if got := plan.PushdownsFor("c"); len(got) != 1 {
		t.Fatalf("PushdownsFor(c) = %d, want 1", len(got))
	}
	if plan.Residual == nil {
		t.Fatalf("expected a cross-source residual conjunct to remain")
	}
}

func TestOptimizeSoundnessMatchesUnoptimizedEvaluation(t *testing.T) {
	where := expr.And(
		expr.Gt(expr.Ref("o", "total"), expr.Lit(100)),
		expr.Eq(expr.Ref("c", "country"), expr.Lit("US")),
	)
	q := query.New(query.CollectionRef("orders", "o")).
		JoinWith(query.Join{Type: query.InnerJoin, Source: query.CollectionRef("customers", "c")}).
		WhereExpr(where)
	plan := Optimize(q)

	rows := []expr.Row{
		{"o": {"total": 150}, "c": {"country": "US"}},
		{"o": {"total": 50}, "c": {"country": "US"}},
		{"o": {"total": 150}, "c": {"country": "CA"}},
	}
	for _, row := range rows {
		want, err := expr.Eval(where, row)
		if err != nil {
			t.Fatalf("Eval(where): %v", err)
		}
		got, err := expr.Eval(plan.CombinedWhere(), row)
		if err != nil {
			t.Fatalf("Eval(combined): %v", err)
		}
		if want != got {
			t.Fatalf("row %+v: unoptimized=%v optimized=%v, plans diverge", row, want, got)
		}
	}
}

func TestOptimizeNilWhereProducesEmptyPlan(t *testing.T) {
	q := query.New(query.CollectionRef("orders", "o"))
	plan := Optimize(q)
	if plan.Residual != nil || len(plan.Pushdowns) != 0 {
		t.Fatalf("expected empty plan for a query with no WHERE")
	}
}
