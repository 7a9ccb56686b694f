package dataflow

import (
	"testing"

	"github.com/go-reactor/reactor/internal/expr"
	"github.com/go-reactor/reactor/internal/query"
)

func ageRows() []expr.Row {
	ages := []int{22, 25, 28, 30, 35}
	out := make([]expr.Row, len(ages))
	for i, a := range ages {
		out[i] = expr.Row{"p": {"age": a}}
	}
	return out
}

func TestFilterRangeGte(t *testing.T) {
	rows, err := Filter(ageRows(), expr.Gte(expr.Ref("p", "age"), expr.Lit(28)))
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Filter() = %d rows, want 3", len(rows))
	}
}

func TestJoinInnerMatchesOnKey(t *testing.T) {
	left := []expr.Row{{"o": {"id": 1, "customerId": "c1"}}, {"o": {"id": 2, "customerId": "c2"}}}
	right := []expr.Row{{"c": {"id": "c1", "name": "Ada"}}}
	out, err := Join(left, right, "c", expr.Eq(expr.Ref("o", "customerId"), expr.Ref("c", "id")), query.InnerJoin)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Join(inner) = %d rows, want 1", len(out))
	}
}

func TestJoinLeftKeepsUnmatched(t *testing.T) {
	left := []expr.Row{{"o": {"id": 1, "customerId": "c1"}}, {"o": {"id": 2, "customerId": "zzz"}}}
	right := []expr.Row{{"c": {"id": "c1", "name": "Ada"}}}
	out, err := Join(left, right, "c", expr.Eq(expr.Ref("o", "customerId"), expr.Ref("c", "id")), query.LeftJoin)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Join(left) = %d rows, want 2", len(out))
	}
}

func TestGroupByCountAndSum(t *testing.T) {
	rows := []expr.Row{
		{"o": {"region": "east", "amount": 10.0}},
		{"o": {"region": "east", "amount": 5.0}},
		{"o": {"region": "west", "amount": 7.0}},
	}
	out, err := GroupBy(rows, []expr.Node{expr.Ref("o", "region")}, []query.SelectField{
		{Alias: "region", Expr: expr.Ref("o", "region")},
		{Alias: "total", Expr: expr.Sum(expr.Ref("o", "amount"))},
		{Alias: "n", Expr: expr.Count(expr.Ref("o", "amount"))},
	}, "g")
	if err != nil {
		t.Fatalf("GroupBy: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("GroupBy() = %d groups, want 2", len(out))
	}
	totals := map[string]float64{}
	for _, r := range out {
		totals[r["g"]["region"].(string)] = r["g"]["total"].(float64)
	}
	if totals["east"] != 15 {
		t.Fatalf("east total = %v, want 15", totals["east"])
	}
}

func TestOrderByDescendingThenLimit(t *testing.T) {
	rows, err := OrderBy(ageRows(), []query.OrderTerm{{Expr: expr.Ref("p", "age"), Descending: true}})
	if err != nil {
		t.Fatalf("OrderBy: %v", err)
	}
	limited := LimitOffset(rows, intPtr(2), nil)
	if len(limited) != 2 {
		t.Fatalf("LimitOffset() = %d, want 2", len(limited))
	}
	if limited[0]["p"]["age"].(int) != 35 {
		t.Fatalf("top row age = %v, want 35", limited[0]["p"]["age"])
	}
}

func intPtr(n int) *int { return &n }
