// Package expr implements the expression IR used by WHERE/HAVING/SELECT:
// a small tree of Value/PropRef/Func/Agg nodes, an evaluator over a
// namespaced row, and the predicate-analysis helpers the optimizer and
// index layer rely on (touched sources, conjunct splitting, and
// index-convertibility), grounded on the two-mode analysis in the
// teacher's internal/query evaluator (filter-only vs. predicate fallback).
package expr

import "fmt"

// Node is any expression tree node.
type Node interface {
	isNode()
}

// Value is a constant.
type Value struct {
	V any
}

func (Value) isNode() {}

// PropRef references a field on a row, addressed by path. A single-element
// path ("age") refers to the default table; a two-element path
// ("orders", "total") refers to field "total" on alias "orders".
type PropRef struct {
	Path []string
}

func (PropRef) isNode() {}

// Func applies a named function (eq, gt, gte, lt, lte, in, and, or, ...) to
// its argument expressions.
type Func struct {
	Name string
	Args []Node
}

func (Func) isNode() {}

// Agg applies a named aggregate (sum, count, avg, min, max, median, mode)
// to its argument expression, valid only inside a SELECT/HAVING under a
// GROUP BY (or an implicit single group).
type Agg struct {
	Name string
	Args []Node
}

func (Agg) isNode() {}

// Row is a namespaced row: alias → field map, the shape the evaluator and
// compiler pass expressions at runtime.
type Row map[string]map[string]any

// DefaultAlias is substituted for single-element PropRef paths during
// single-collection evaluation (e.g. index matching), where there is only
// one namespace and the expression was written without an alias prefix.
const DefaultAlias = ""

// indexConvertibleFuncs is the set of function names usable by the index
// lookup surface (spec §4.3).
var indexConvertibleFuncs = map[string]bool{
	"eq": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "and": true, "or": true,
}

// Eval evaluates node against row.
func Eval(node Node, row Row) (any, error) {
	switch n := node.(type) {
	case Value:
		return n.V, nil
	case PropRef:
		return evalPropRef(n, row)
	case Func:
		return evalFunc(n, row)
	case Agg:
		return nil, fmt.Errorf("expr: cannot evaluate aggregate %q outside of group-by/select", n.Name)
	default:
		return nil, fmt.Errorf("expr: unknown node type %T", node)
	}
}

func evalPropRef(n PropRef, row Row) (any, error) {
	switch len(n.Path) {
	case 0:
		return nil, fmt.Errorf("expr: empty property reference")
	case 1:
		fields, ok := row[DefaultAlias]
		if !ok {
			// Single-table evaluation may key the row under its own alias
			// rather than DefaultAlias; fall back to the lone entry.
			if len(row) == 1 {
				for _, v := range row {
					fields = v
				}
			}
		}
		return fields[n.Path[0]], nil
	default:
		alias, field := n.Path[0], n.Path[len(n.Path)-1]
		fields, ok := row[alias]
		if !ok {
			return nil, fmt.Errorf("expr: unknown alias %q", alias)
		}
		return fields[field], nil
	}
}

func evalFunc(n Func, row Row) (any, error) {
	switch n.Name {
	case "and":
		for _, a := range n.Args {
			v, err := Eval(a, row)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, a := range n.Args {
			v, err := Eval(a, row)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		v, err := Eval(n.Args[0], row)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "eq", "gt", "gte", "lt", "lte":
		if len(n.Args) != 2 {
			return nil, fmt.Errorf("expr: %s requires 2 args", n.Name)
		}
		l, err := Eval(n.Args[0], row)
		if err != nil {
			return nil, err
		}
		r, err := Eval(n.Args[1], row)
		if err != nil {
			return nil, err
		}
		return compareOp(n.Name, l, r), nil
	case "in":
		if len(n.Args) < 1 {
			return nil, fmt.Errorf("expr: in requires at least 1 arg")
		}
		l, err := Eval(n.Args[0], row)
		if err != nil {
			return nil, err
		}
		for _, a := range n.Args[1:] {
			r, err := Eval(a, row)
			if err != nil {
				return nil, err
			}
			if compareOp("eq", l, r).(bool) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("expr: unknown function %q", n.Name)
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// compareOp applies a comparison function name to two evaluated values
// using the ordering semantics described in spec §4.7 (numbers, strings,
// booleans, dates; nulls equal to each other; unknown types fall back to
// string comparison). ORDER BY sorting calls Compare directly.
func compareOp(name string, l, r any) any {
	c := Compare(l, r)
	switch name {
	case "eq":
		return c == 0
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	case "lt":
		return c < 0
	case "lte":
		return c <= 0
	default:
		return false
	}
}

// TouchedSources returns the set of aliases referenced anywhere in node.
// A single-element PropRef path touches DefaultAlias.
func TouchedSources(node Node) map[string]struct{} {
	out := make(map[string]struct{})
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case PropRef:
			if len(v.Path) == 1 {
				out[DefaultAlias] = struct{}{}
			} else {
				out[v.Path[0]] = struct{}{}
			}
		case Func:
			for _, a := range v.Args {
				walk(a)
			}
		case Agg:
			for _, a := range v.Args {
				walk(a)
			}
		}
	}
	walk(node)
	return out
}

// Split flattens a top-level chain of "and" functions into its conjuncts.
// Nested "and"s are flattened recursively; "or" is never split, and a bare
// non-and node is returned as a single-element slice.
func Split(node Node) []Node {
	f, ok := node.(Func)
	if !ok || f.Name != "and" {
		return []Node{node}
	}
	var out []Node
	for _, a := range f.Args {
		out = append(out, Split(a)...)
	}
	return out
}

// IndexConvertible reports whether node is index-convertible for alias:
// every leaf PropRef's path starts with alias (or is a single-element path,
// treated as belonging to alias in single-collection context) and every
// Func name is within the index-lookup function set.
func IndexConvertible(node Node, alias string) bool {
	switch n := node.(type) {
	case Value:
		return true
	case PropRef:
		if len(n.Path) == 1 {
			return true
		}
		return n.Path[0] == alias
	case Func:
		if !indexConvertibleFuncs[n.Name] {
			return false
		}
		for _, a := range n.Args {
			if !IndexConvertible(a, alias) {
				return false
			}
		}
		return true
	case Agg:
		return false
	default:
		return false
	}
}

// Normalize rewrites path [alias, field] → [field] so a single-collection
// expression can be evaluated without a namespace, for use by the index
// lookup surface.
func Normalize(node Node, alias string) Node {
	switch n := node.(type) {
	case PropRef:
		if len(n.Path) == 2 && n.Path[0] == alias {
			return PropRef{Path: []string{n.Path[1]}}
		}
		return n
	case Func:
		args := make([]Node, len(n.Args))
		for i, a := range n.Args {
			args[i] = Normalize(a, alias)
		}
		return Func{Name: n.Name, Args: args}
	default:
		return n
	}
}

// Builder helpers mirroring the teacher's AST constructor style
// (query.ComparisonNode, query.AndNode, ...).

func Ref(path ...string) PropRef   { return PropRef{Path: path} }
func Lit(v any) Value              { return Value{V: v} }
func Eq(a, b Node) Func            { return Func{Name: "eq", Args: []Node{a, b}} }
func Gt(a, b Node) Func            { return Func{Name: "gt", Args: []Node{a, b}} }
func Gte(a, b Node) Func           { return Func{Name: "gte", Args: []Node{a, b}} }
func Lt(a, b Node) Func            { return Func{Name: "lt", Args: []Node{a, b}} }
func Lte(a, b Node) Func           { return Func{Name: "lte", Args: []Node{a, b}} }
func And(args ...Node) Func        { return Func{Name: "and", Args: args} }
func Or(args ...Node) Func         { return Func{Name: "or", Args: args} }
func Not(a Node) Func              { return Func{Name: "not", Args: []Node{a}} }
func In(v Node, set ...Node) Func  { return Func{Name: "in", Args: append([]Node{v}, set...)} }
func Sum(a Node) Agg               { return Agg{Name: "sum", Args: []Node{a}} }
func Count(a Node) Agg             { return Agg{Name: "count", Args: []Node{a}} }
func Avg(a Node) Agg               { return Agg{Name: "avg", Args: []Node{a}} }
func Min(a Node) Agg               { return Agg{Name: "min", Args: []Node{a}} }
func Max(a Node) Agg               { return Agg{Name: "max", Args: []Node{a}} }
func Median(a Node) Agg            { return Agg{Name: "median", Args: []Node{a}} }
func Mode(a Node) Agg              { return Agg{Name: "mode", Args: []Node{a}} }
