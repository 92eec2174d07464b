package dataflow

import "github.com/tidepooldb/tidepool/internal/types"

// AggregateKind names one of the supported incremental aggregates
//.
type AggregateKind int

const (
	AggSum AggregateKind = iota
	AggCount
	AggAvg
	AggMin
	AggMax
)

// AggregateSpec names one output column of a groupBy: which raw field
// (via extract) feeds which AggregateKind.
type AggregateSpec struct {
	Name    string
	Kind    AggregateKind
	Extract func(value any) float64
}

// groupState holds one bucket's running aggregate state. min/max are
// recomputed from a live value multiset on demand rather than tracked
// incrementally, since an incremental min/max must still fall back to
// a rescan whenever the current extreme is removed; keeping one path
// keeps the bucket's bookkeeping simple at the group sizes this
// dataflow graph is expected to see.
type groupState struct {
	rowKeys map[types.Key]bool
	values  map[types.Key]any
	sum     map[string]float64 // keyed by AggregateSpec.Name
	count   int
}

// GroupBy buckets rows by keyExtractor and maintains running
// aggregate values under incremental insert/delete, emitting one
// output row per key.
type GroupBy struct {
	fanout
	keyExtractor func(value any) types.Key
	aggregates   []AggregateSpec

	groups    map[types.Key]*groupState
	lastValue map[types.Key]any // previously emitted materialization per group key
}

// NewGroupBy builds a GroupBy operator.
func NewGroupBy(keyExtractor func(value any) types.Key, aggregates []AggregateSpec) *GroupBy {
	return &GroupBy{
		keyExtractor: keyExtractor,
		aggregates:   aggregates,
		groups:       map[types.Key]*groupState{},
		lastValue:    map[types.Key]any{},
	}
}

func (g *GroupBy) Push(batch Batch) {
	touched := map[types.Key]bool{}
	for _, c := range batch {
		gk := g.keyExtractor(c.Value)
		state, ok := g.groups[gk]
		if !ok {
			state = &groupState{
				rowKeys: map[types.Key]bool{},
				values:  map[types.Key]any{},
				sum:     map[string]float64{},
			}
			g.groups[gk] = state
		}
		switch {
		case c.Multiplicity > 0:
			state.rowKeys[c.Key] = true
			state.values[c.Key] = c.Value
			state.count += c.Multiplicity
			for _, spec := range g.aggregates {
				if spec.Kind == AggSum || spec.Kind == AggAvg {
					state.sum[spec.Name] += spec.Extract(c.Value) * float64(c.Multiplicity)
				}
			}
		case c.Multiplicity < 0:
			state.count += c.Multiplicity
			for _, spec := range g.aggregates {
				if spec.Kind == AggSum || spec.Kind == AggAvg {
					state.sum[spec.Name] += spec.Extract(c.Value) * float64(c.Multiplicity)
				}
			}
			delete(state.rowKeys, c.Key)
			delete(state.values, c.Key)
		}
		touched[gk] = true
		if state.count <= 0 {
			delete(g.groups, gk)
		}
	}

	var out Batch
	for gk := range touched {
		if old, hadOld := g.lastValue[gk]; hadOld {
			out = append(out, Change{Key: gk, Value: old, Multiplicity: -1})
			delete(g.lastValue, gk)
		}
		state, ok := g.groups[gk]
		if !ok {
			continue // every member of the group was removed; the retraction above is the whole story
		}
		fresh := g.materialize(gk, state)
		g.lastValue[gk] = fresh
		out = append(out, Change{Key: gk, Value: fresh, Multiplicity: 1})
	}
	g.emit(out)
}

func (g *GroupBy) materialize(groupKey types.Key, state *groupState) map[string]any {
	row := map[string]any{}
	for _, spec := range g.aggregates {
		switch spec.Kind {
		case AggSum:
			row[spec.Name] = state.sum[spec.Name]
		case AggCount:
			row[spec.Name] = float64(state.count)
		case AggAvg:
			if state.count == 0 {
				row[spec.Name] = nil
			} else {
				row[spec.Name] = state.sum[spec.Name] / float64(state.count)
			}
		case AggMin:
			row[spec.Name] = extreme(state, spec, false)
		case AggMax:
			row[spec.Name] = extreme(state, spec, true)
		}
	}
	return row
}

func extreme(state *groupState, spec AggregateSpec, max bool) any {
	var best float64
	first := true
	for _, v := range state.values {
		f := spec.Extract(v)
		if first || (max && f > best) || (!max && f < best) {
			best = f
			first = false
		}
	}
	if first {
		return nil
	}
	return best
}
