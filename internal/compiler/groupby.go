package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
	"github.com/tidepooldb/tidepool/internal/types"
)

// keyedMap is dataflow.Map with the group key exposed to f, needed
// because a GroupBy's materialized value carries its aggregates but
// not which group they belong to — only the Change.Key does.
type keyedMap struct {
	consumers []dataflow.Consumer
	f         func(key types.Key, value any) any
}

func (k *keyedMap) Connect(c dataflow.Consumer) { k.consumers = append(k.consumers, c) }

func (k *keyedMap) Push(batch dataflow.Batch) {
	out := make(dataflow.Batch, len(batch))
	for i, c := range batch {
		out[i] = dataflow.Change{Key: c.Key, Value: k.f(c.Key, c.Value), Multiplicity: c.Multiplicity}
	}
	for _, cons := range k.consumers {
		cons.Push(out)
	}
}

func aggKind(name string) (dataflow.AggregateKind, bool) {
	switch name {
	case "sum":
		return dataflow.AggSum, true
	case "count":
		return dataflow.AggCount, true
	case "avg":
		return dataflow.AggAvg, true
	case "min":
		return dataflow.AggMin, true
	case "max":
		return dataflow.AggMax, true
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// applyGroupBy handles select-with-aggregates directly: a select
// field whose expr is an expr.Aggregate becomes an
// AggregateSpec consumed by dataflow.GroupBy, every other select
// field is re-evaluated, per emitted group, against a representative
// row (any one member — plain fields in a grouped select are expected
// to be the groupBy key columns, which are equal across the group).
// having is compiled last, against the flat materialized group row.
func (c *compilation) applyGroupBy(cur tailConnector, q *expr.Query) (tailConnector, error) {
	var compiledGroupKeys []expr.Compiled
	for _, e := range q.GroupBy {
		ce, err := expr.CompileNamespaced(e)
		if err != nil {
			return nil, err
		}
		compiledGroupKeys = append(compiledGroupKeys, ce)
	}
	keyFn := func(v any) types.Key {
		row, _ := v.(map[string]any)
		parts := make([]string, len(compiledGroupKeys))
		for i, ce := range compiledGroupKeys {
			val, _ := ce(row)
			parts[i] = toStringKey(val)
		}
		return strings.Join(parts, "\x1f")
	}

	representative := map[types.Key]map[string]any{}
	tap := dataflow.NewTap(func(ch dataflow.Change) {
		row, ok := ch.Value.(map[string]any)
		if !ok {
			return
		}
		if ch.Multiplicity > 0 {
			representative[keyFn(row)] = row
		}
	})
	cur.Connect(tap)

	var aggSpecs []dataflow.AggregateSpec
	var plainFields []selectField
	for key, e := range q.Select {
		if agg, ok := e.(expr.Aggregate); ok {
			kind, ok := aggKind(agg.Name)
			if !ok {
				continue
			}
			extract := func(any) float64 { return 0 }
			if agg.Arg != nil {
				if ce, err := expr.CompileNamespaced(agg.Arg); err == nil {
					extract = func(row any) float64 {
						m, _ := row.(map[string]any)
						val, _ := ce(m)
						return toFloat(val)
					}
				}
			}
			aggSpecs = append(aggSpecs, dataflow.AggregateSpec{Name: key, Kind: kind, Extract: extract})
			continue
		}
		ce, err := expr.CompileNamespaced(e)
		if err != nil {
			continue
		}
		plainFields = append(plainFields, selectField{key: key, compiled: ce})
	}

	gb := dataflow.NewGroupBy(keyFn, aggSpecs)
	tap.Connect(gb)

	out := &keyedMap{f: func(gk types.Key, v any) any {
		aggRow, _ := v.(map[string]any)
		result := map[string]any{}
		for k, vv := range aggRow {
			result[k] = vv
		}
		if rep, ok := representative[gk]; ok {
			for _, pf := range plainFields {
				val, err := pf.compiled(rep)
				if err != nil {
					val = nil
				}
				setNestedPath(result, strings.Split(pf.key, "."), val)
			}
		}
		return result
	}}
	gb.Connect(out)

	var res tailConnector = out
	for _, clause := range q.Having {
		compiled, err := expr.CompileSingleRow(clause)
		if err != nil {
			return nil, errKind(UnknownHavingExpression, q.Alias, err.Error())
		}
		f := dataflow.NewFilter(func(v any) bool {
			ok, err := compiled(v)
			if err != nil {
				return false
			}
			b, _ := ok.(bool)
			return b
		})
		res.Connect(f)
		res = f
	}
	for _, fn := range q.FnHaving {
		pred := fn
		f := dataflow.NewFilter(func(v any) bool { return pred(v) })
		res.Connect(f)
		res = f
	}
	return res, nil
}

func toStringKey(v any) string {
	if v == nil {
		return "\x00nil"
	}
	return fmt.Sprintf("%v", v)
}
