package compiler

import (
	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
)

// applyOrderBy attaches an OrderByWithFractionalIndex stage driven by
// a value extractor that evaluates every clause into one tuple and a
// comparator over those tuples, clause by clause in declaration order,
// each in its own direction. If the
// query carries limit/offset, the returned window-move callback is
// stashed on the compilation so SetWindow can drive it later.
func (c *compilation) applyOrderBy(cur tailConnector, q *expr.Query) tailConnector {
	type clause struct {
		compiled  expr.Compiled
		ascending bool
	}
	var clauses []clause
	for _, term := range q.OrderBy {
		compiled, err := expr.CompileNamespaced(term.Expr)
		if err != nil {
			continue
		}
		clauses = append(clauses, clause{compiled: compiled, ascending: term.Direction == expr.Asc})
	}
	if len(clauses) == 0 {
		return cur
	}

	extract := func(row any) any {
		r, _ := row.(map[string]any)
		vals := make([]any, len(clauses))
		for i, cl := range clauses {
			v, _ := cl.compiled(r)
			vals[i] = v
		}
		return vals
	}
	less := func(a, b any) bool {
		av, _ := a.([]any)
		bv, _ := b.([]any)
		for i, cl := range clauses {
			c := compareAny(av[i], bv[i])
			if c == 0 {
				continue
			}
			if cl.ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	}

	window := dataflow.Window{}
	if q.Offset != nil {
		window.Offset = *q.Offset
	}
	if q.Limit != nil {
		window.Limit = *q.Limit
	}

	var windowSize int
	ob := dataflow.NewOrderByWithFractionalIndex(extract, less, window, func(n int) { windowSize = n })
	cur.Connect(ob)

	if q.Limit != nil || q.Offset != nil {
		c.setWindow = ob.SetWindow
	}
	_ = windowSize // recorded by the size callback; nothing reads it

	return ob
}

// compareAny orders two scalar values with a total order good enough
// for sort keys: numbers compare numerically, everything else falls
// back to string comparison.
func compareAny(a, b any) int {
	af, aok := asComparableFloat(a)
	bf, bok := asComparableFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := toStringKey(a), toStringKey(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asComparableFloat(v any) (float64, bool) {
	switch v.(type) {
	case int, int64, float64, float32:
		return toFloat(v), true
	default:
		return 0, false
	}
}
