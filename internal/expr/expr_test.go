package expr

import "testing"

func row1(fields map[string]any) Row {
	return Row{DefaultAlias: fields}
}

func TestEvalComparison(t *testing.T) {
	r := row1(map[string]any{"age": 30})
	n := Gte(Ref("age"), Lit(28))
	v, err := Eval(n, r)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != true {
		t.Fatalf("Eval(age>=28) = %v, want true", v)
	}
}

func TestEvalAndOr(t *testing.T) {
	r := row1(map[string]any{"age": 30, "active": true})
	n := And(Gte(Ref("age"), Lit(18)), Eq(Ref("active"), Lit(true)))
	v, err := Eval(n, r)
	if err != nil || v != true {
		t.Fatalf("Eval(and) = %v, %v, want true, nil", v, err)
	}

	n2 := Or(Eq(Ref("age"), Lit(1)), Eq(Ref("age"), Lit(30)))
	v2, err := Eval(n2, r)
	if err != nil || v2 != true {
		t.Fatalf("Eval(or) = %v, %v, want true, nil", v2, err)
	}
}

func TestTouchedSources(t *testing.T) {
	n := And(Eq(Ref("a", "x"), Lit(1)), Gt(Ref("b", "y"), Lit(2)))
	got := TouchedSources(n)
	if _, ok := got["a"]; !ok {
		t.Fatalf("TouchedSources missing alias a: %v", got)
	}
	if _, ok := got["b"]; !ok {
		t.Fatalf("TouchedSources missing alias b: %v", got)
	}
	if len(got) != 2 {
		t.Fatalf("TouchedSources = %v, want exactly {a,b}", got)
	}
}

func TestSplitFlattensNestedAnd(t *testing.T) {
	n := And(Eq(Ref("a"), Lit(1)), And(Gt(Ref("b"), Lit(2)), Lt(Ref("c"), Lit(3))))
	parts := Split(n)
	if len(parts) != 3 {
		t.Fatalf("Split() = %d parts, want 3: %v", len(parts), parts)
	}
}

func TestSplitDoesNotSplitOr(t *testing.T) {
	n := Or(Eq(Ref("a"), Lit(1)), Eq(Ref("b"), Lit(2)))
	parts := Split(n)
	if len(parts) != 1 {
		t.Fatalf("Split(or) = %d parts, want 1", len(parts))
	}
}

func TestIndexConvertible(t *testing.T) {
	n := And(Gte(Ref("u", "age"), Lit(18)), Eq(Ref("u", "active"), Lit(true)))
	if !IndexConvertible(n, "u") {
		t.Fatalf("expected index-convertible for alias u")
	}
	if IndexConvertible(n, "v") {
		t.Fatalf("expected not index-convertible for alias v")
	}

	withAgg := Gt(Sum(Ref("u", "total")), Lit(10))
	if IndexConvertible(withAgg, "u") {
		t.Fatalf("aggregate expression must not be index-convertible")
	}
}

func TestNormalizeStripsAlias(t *testing.T) {
	n := Eq(Ref("u", "age"), Lit(30))
	norm := Normalize(n, "u")
	f := norm.(Func)
	ref := f.Args[0].(PropRef)
	if len(ref.Path) != 1 || ref.Path[0] != "age" {
		t.Fatalf("Normalize path = %v, want [age]", ref.Path)
	}
}

func TestCompareNullsEqual(t *testing.T) {
	if Compare(nil, nil) != 0 {
		t.Fatalf("Compare(nil, nil) != 0")
	}
	if Compare(nil, 1) >= 0 {
		t.Fatalf("Compare(nil, 1) should be negative")
	}
}

func TestCompareBooleans(t *testing.T) {
	if Compare(false, true) >= 0 {
		t.Fatalf("Compare(false, true) should be negative")
	}
}

func TestCompareSlicesLexicographic(t *testing.T) {
	if Compare([]any{1, 2}, []any{1, 3}) >= 0 {
		t.Fatalf("Compare([1,2],[1,3]) should be negative")
	}
	if Compare([]any{1}, []any{1, 0}) >= 0 {
		t.Fatalf("Compare([1],[1,0]) should be negative (shorter wins on prefix)")
	}
}
