package query

import (
	"testing"

	"github.com/go-reactor/reactor/internal/expr"
)

func TestBuilderAccumulatesClauses(t *testing.T) {
	q := New(CollectionRef("orders", "o")).
		JoinWith(Join{Type: InnerJoin, Source: CollectionRef("customers", "c"), On: expr.Eq(expr.Ref("o", "customerId"), expr.Ref("c", "id"))}).
		WhereExpr(expr.Gt(expr.Ref("o", "total"), expr.Lit(100))).
		OrderByTerms(OrderTerm{Expr: expr.Ref("o", "total"), Descending: true}).
		LimitTo(10)

	if len(q.Joins) != 1 {
		t.Fatalf("Joins = %d, want 1", len(q.Joins))
	}
	if q.Where == nil {
		t.Fatalf("Where not set")
	}
	if q.Limit == nil || *q.Limit != 10 {
		t.Fatalf("Limit = %v, want 10", q.Limit)
	}
	if len(q.Sources()) != 2 {
		t.Fatalf("Sources() = %d, want 2", len(q.Sources()))
	}
}

func TestHasAggregatesDetectsAggOrGroupBy(t *testing.T) {
	q1 := New(CollectionRef("orders", "o")).SelectFields(SelectField{Alias: "total", Expr: expr.Sum(expr.Ref("o", "amount"))})
	if !q1.HasAggregates() {
		t.Fatalf("expected HasAggregates true for a Sum select field")
	}
	q2 := New(CollectionRef("orders", "o")).SelectFields(SelectField{Alias: "id", Expr: expr.Ref("o", "id")})
	if q2.HasAggregates() {
		t.Fatalf("expected HasAggregates false with no aggregate/group-by")
	}
}
