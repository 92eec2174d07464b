package compiler

import (
	"fmt"

	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
	"github.com/tidepooldb/tidepool/internal/types"
)

// splitEquiJoin decomposes an eq(...) join condition into the
// left-addressing and right-addressing sub-expressions, rejecting a
// condition that addresses the same side on both arguments or neither
// alias at all.
func splitEquiJoin(on expr.Expr, leftAlias, rightAlias string) (expr.Expr, expr.Expr, error) {
	f, ok := on.(expr.Func)
	if !ok || f.Name != "eq" || len(f.Args) != 2 {
		return nil, nil, errKind(JoinConditionMustBeEquality, rightAlias, "")
	}
	a, b := f.Args[0], f.Args[1]
	aAliases, bAliases := expr.RefAliases(a), expr.RefAliases(b)

	switch {
	case aAliases[leftAlias] && bAliases[rightAlias]:
		return a, b, nil
	case aAliases[rightAlias] && bAliases[leftAlias]:
		return b, a, nil
	default:
		return nil, nil, errKind(JoinConditionMustBeEquality, rightAlias,
			"condition must address exactly one known alias per side")
	}
}

func joinTypeFor(t expr.JoinType) dataflow.JoinType {
	switch t {
	case expr.JoinLeft:
		return dataflow.JoinLeft
	case expr.JoinRight:
		return dataflow.JoinRight
	case expr.JoinFull:
		return dataflow.JoinFull
	default:
		return dataflow.JoinInner
	}
}

// compileJoin wires a dataflow.Join between two already-compiled
// sides, keying on the equi-join condition, and merges each matched
// (or null-padded) pair's namespaced row maps into one combined row.
func (c *compilation) compileJoin(left tailConnector, leftAlias string, right tailConnector, rightAlias string, j expr.Join) (tailConnector, error) {
	leftKeyExpr, rightKeyExpr, err := splitEquiJoin(j.On, leftAlias, rightAlias)
	if err != nil {
		return nil, err
	}
	leftKeyFn, err := expr.CompileNamespaced(leftKeyExpr)
	if err != nil {
		return nil, err
	}
	rightKeyFn, err := expr.CompileNamespaced(rightKeyExpr)
	if err != nil {
		return nil, err
	}

	dj := dataflow.NewJoin(joinTypeFor(j.Type))

	lazyAlias, activeAlias := c.chooseLazySide(j, leftAlias, rightAlias)

	leftProj := dataflow.NewMap(func(v any) any {
		row, _ := v.(map[string]any)
		kv, _ := leftKeyFn(row)
		return []any{kv, row}
	})
	left.Connect(leftProj)
	leftSink := c.withLazyLoadTap(leftProj, leftAlias, lazyAlias, activeAlias)
	leftSink.Connect(dataflow.ConsumerFunc(dj.PushLeft))

	rightProj := dataflow.NewMap(func(v any) any {
		row, _ := v.(map[string]any)
		kv, _ := rightKeyFn(row)
		return []any{kv, row}
	})
	right.Connect(rightProj)
	rightSink := c.withLazyLoadTap(rightProj, rightAlias, lazyAlias, activeAlias)
	rightSink.Connect(dataflow.ConsumerFunc(dj.PushRight))

	out := dataflow.NewMap(func(v any) any {
		jr, _ := v.(dataflow.JoinedRow)
		merged := map[string]any{}
		if m, ok := jr.Left.(map[string]any); ok {
			for k, vv := range m {
				merged[k] = vv
			}
		}
		if m, ok := jr.Right.(map[string]any); ok {
			for k, vv := range m {
				merged[k] = vv
			}
		}
		return merged
	})
	dj.Connect(out)
	return out, nil
}

// chooseLazySide picks which side of a join is loaded lazily (only
// the keys actually observed from the other side are requested).
// Inner joins make the larger side lazy since the smaller side's
// matching keys bound how much of the larger side is ever needed;
// outer joins always treat the outer (preserved) side as active,
// since every one of its rows must appear in the output regardless of
// whether it matches.
func (c *compilation) chooseLazySide(j expr.Join, leftAlias, rightAlias string) (lazy, active string) {
	switch j.Type {
	case expr.JoinLeft:
		return rightAlias, leftAlias
	case expr.JoinRight:
		return leftAlias, rightAlias
	default:
		leftSize, leftKnown := c.sourceSize(leftAlias)
		rightSize, rightKnown := c.sourceSize(rightAlias)
		if !leftKnown || !rightKnown {
			return "", "" // unknown sizes (e.g. a subquery side): skip lazy loading, join eagerly
		}
		if leftSize <= rightSize {
			return rightAlias, leftAlias
		}
		return leftAlias, rightAlias
	}
}

func (c *compilation) sourceSize(alias string) (int, bool) {
	src, ok := c.opts.Inputs[alias]
	if !ok {
		return 0, false
	}
	return src.Size(), true
}

// withLazyLoadTap wraps a join-key-projected side with a tap that, the
// first time it observes a batch of join keys while alias is the lazy
// side, requests an in(keys) snapshot from the active side's Source.
func (c *compilation) withLazyLoadTap(upstream tailConnector, alias, lazyAlias, activeAlias string) tailConnector {
	if alias != lazyAlias || lazyAlias == "" {
		return upstream
	}
	requested := false
	tap := dataflow.NewTap(func(ch dataflow.Change) {
		if requested {
			return
		}
		requested = true
		tuple, ok := ch.Value.([]any)
		if !ok || len(tuple) != 2 {
			return
		}
		src, ok := c.opts.Inputs[activeAlias]
		if !ok {
			return
		}
		c.graph.Enqueue(func() {
			src.RequestSnapshot([]types.Key{fmt.Sprintf("%v", tuple[0])})
		})
	})
	upstream.Connect(tap)
	return tap
}
