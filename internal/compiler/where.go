package compiler

import (
	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
)

// applyWhere compiles every Where clause to a namespaced predicate and
// chains them as Filter stages, then runs any FnWhere callbacks after
// (callbacks can reference computed state the IR can't express).
func (c *compilation) applyWhere(cur tailConnector, q *expr.Query) tailConnector {
	for _, clause := range q.Where {
		compiled, err := expr.CompileNamespaced(clause)
		if err != nil {
			continue // unreachable for a query that passed validateTop; defensive rather than silent data loss risk
		}
		f := dataflow.NewFilter(func(v any) bool {
			row, _ := v.(map[string]any)
			ok, err := compiled(row)
			if err != nil {
				return false
			}
			b, _ := ok.(bool)
			return b
		})
		cur.Connect(f)
		cur = f
	}
	for _, fn := range q.FnWhere {
		pred := fn
		f := dataflow.NewFilter(func(v any) bool { return pred(v) })
		cur.Connect(f)
		cur = f
	}
	return cur
}
