// Package compiler lowers an optimized query IR into a running
// dataflow.Graph: per-alias inputs, joins with lazy-load taps, filters,
// select (including spread merges and nested-path materialization),
// groupBy/having, distinct, and orderBy/limit/offset with a
// window-move callback. Compilation happens once per query; the
// resulting graph is then driven to stability many times as its
// inputs change, the same compile-once-run-many split a reusable
// predicate evaluator uses for building a reusable graph instead of a
// reusable boolean function.
package compiler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
	"github.com/tidepooldb/tidepool/internal/optimizer"
	"github.com/tidepooldb/tidepool/internal/types"
)

var (
	tracer      = otel.Tracer("tidepool/compiler")
	runDuration metric.Float64Histogram
)

func init() {
	meter := otel.GetMeterProvider().Meter("tidepool/compiler")
	h, err := meter.Float64Histogram("tidepool.compiler.graph_run_seconds",
		metric.WithDescription("wall time spent draining a compiled query's dataflow graph per Run()"))
	if err == nil {
		runDuration = h
	}
}

// Source is a host-supplied live input for a CollectionRef alias: a
// registered MultiSet change stream plus the ability to request an
// in(keys) snapshot for lazy-loaded join sides.
type Source interface {
	Connect(c dataflow.Consumer)
	RequestSnapshot(keys []types.Key)
	Size() int
}

// Options supplies the per-alias wiring a Query needs before it can be
// compiled: every CollectionRef alias reachable from the query (after
// subquery flattening) must have both an Inputs and CollectionIDs
// entry.
type Options struct {
	Inputs        map[string]Source
	CollectionIDs map[string]string
	// Sink receives every accumulated batch on Compiled.Run's Flush; a
	// live-query collection wires this to its own sync-apply path. A
	// nil Sink silently drops output, useful for compile-only checks.
	Sink func(dataflow.Batch)
}

// Compiled is the result of compiling one query: the running graph,
// its terminal sink, and the bookkeeping a live-query collection needs
// to drive it (window moves, alias provenance).
type Compiled struct {
	CollectionID        string
	Graph               *dataflow.Graph
	Output              *dataflow.Output
	SourceWhereClauses  map[string]expr.Expr
	AliasToCollectionID map[string]string
	AliasRemapping      map[string]string
	SetWindow           func(dataflow.Window)
}

// tailConnector is the narrow interface every stage of the compiled
// pipeline exposes so later stages can chain onto it uniformly.
type tailConnector interface {
	Connect(c dataflow.Consumer)
}

// compileCache lets recursive subquery compilation reuse an
// already-compiled *expr.Query reached via more than one path (e.g.
// the same subquery joined twice), keyed on pointer identity.
type compileCache struct {
	byIdentity map[*expr.Query]tailConnector
}

// Compile lowers q into a running dataflow graph. The returned
// Compiled.Graph has already been wired; callers drive it by pushing
// batches into the registered Sources and calling Compiled.Run, which
// drains the graph and then flushes the accumulated output to
// Options.Sink (internal/livequery does this for a live query).
func Compile(ctx context.Context, q *expr.Query, opts Options) (*Compiled, error) {
	_, span := tracer.Start(ctx, "compiler.Compile")
	defer span.End()

	if err := validateTop(q); err != nil {
		return nil, err
	}

	graph := dataflow.NewGraph()
	cache := &compileCache{byIdentity: map[*expr.Query]tailConnector{}}

	c := &compilation{
		graph:               graph,
		opts:                opts,
		cache:                cache,
		sourceWhereClauses:  map[string]expr.Expr{},
		aliasToCollectionID: map[string]string{},
		aliasRemapping:      map[string]string{},
	}

	result := optimizer.Optimize(q)
	for alias, clause := range result.SourceFilters {
		c.sourceWhereClauses[alias] = clause
	}

	tail, mainAlias, err := c.compileQuery(result.Query)
	if err != nil {
		return nil, err
	}

	sink := opts.Sink
	if sink == nil {
		sink = func(dataflow.Batch) {}
	}
	out := dataflow.NewOutput(sink)
	tail.Connect(out)

	collectionID := c.aliasToCollectionID[mainAlias]

	return &Compiled{
		CollectionID:        collectionID,
		Graph:               graph,
		Output:              out,
		SourceWhereClauses:  c.sourceWhereClauses,
		AliasToCollectionID: c.aliasToCollectionID,
		AliasRemapping:      c.aliasRemapping,
		SetWindow:           c.setWindow,
	}, nil
}

// compilation carries the mutable state threaded through one (possibly
// recursive, via subqueries) Compile call.
type compilation struct {
	graph *dataflow.Graph
	opts  Options
	cache *compileCache

	sourceWhereClauses  map[string]expr.Expr
	aliasToCollectionID map[string]string
	aliasRemapping      map[string]string
	setWindow           func(dataflow.Window)
}

func validateTop(q *expr.Query) error {
	if q.From == nil {
		return errKind(QueryMustHaveFrom, "", "")
	}
	if q.Distinct && len(q.Select) == 0 && q.FnSelect == nil {
		return errKind(DistinctRequiresSelect, "", "")
	}
	if len(q.Having) > 0 && len(q.GroupBy) == 0 {
		return errKind(HavingRequiresGroupBy, "", "")
	}
	if (q.Limit != nil || q.Offset != nil) && len(q.OrderBy) == 0 {
		return errKind(LimitOffsetRequireOrderBy, "", "")
	}
	for _, j := range q.Join {
		if _, ok := j.On.(expr.Func); !ok {
			return errKind(JoinConditionMustBeEquality, j.Alias, "join condition must be an eq(...) expression")
		}
		if f := j.On.(expr.Func); f.Name != "eq" {
			return errKind(JoinConditionMustBeEquality, j.Alias, "join condition must use eq")
		}
	}
	return nil
}

func (c *compilation) compileQuery(q *expr.Query) (tailConnector, string, error) {
	mainAlias := q.Alias
	if mainAlias == "" {
		mainAlias = "main"
	}

	head, err := c.compileSource(q.From, mainAlias)
	if err != nil {
		return nil, "", err
	}

	cur := head
	for _, j := range c.order(q.Join) {
		joinTail, joinAlias, err := c.compileSource(j.Source, j.Alias)
		if err != nil {
			return nil, "", err
		}
		cur, err = c.compileJoin(cur, mainAlias, joinTail, joinAlias, j)
		if err != nil {
			return nil, "", err
		}
		mainAlias = joinAlias // the combined stream now carries every joined alias
	}

	cur = c.applyWhere(cur, q)
	if len(q.GroupBy) > 0 {
		grouped, err := c.applyGroupBy(cur, q)
		if err != nil {
			return nil, "", err
		}
		cur = grouped
	} else {
		cur = c.applySelect(cur, q)
	}

	if q.Distinct {
		if len(q.Select) == 0 && q.FnSelect == nil {
			return nil, "", errKind(DistinctRequiresSelect, q.Alias, "")
		}
		d := dataflow.NewDistinct(func(v any) types.Key { return fmt.Sprintf("%v", v) })
		cur.Connect(d)
		cur = d
	}

	if len(q.OrderBy) > 0 {
		cur = c.applyOrderBy(cur, q)
	}

	return cur, mainAlias, nil
}

// order is a hook point kept separate from the join loop so a future
// reordering heuristic (smallest-side-first) has one place to live;
// today joins are processed in declaration order as the IR specifies.
func (c *compilation) order(joins []expr.Join) []expr.Join { return joins }

func (c *compilation) compileSource(source expr.Expr, alias string) (tailConnector, error) {
	switch s := source.(type) {
	case expr.CollectionRef:
		in, ok := c.opts.Inputs[s.Alias]
		if !ok {
			return nil, errKind(CollectionInputNotFound, s.Alias, "")
		}
		collID, ok := c.opts.CollectionIDs[s.Alias]
		if !ok {
			return nil, errKind(CollectionInputNotFound, s.Alias, "no collection id registered")
		}
		c.aliasToCollectionID[s.Alias] = collID

		// Tag every row with its namespaced alias so downstream
		// namespaced expr compilation (Ref{[alias, field]}) works
		// uniformly whether the row arrived from a base collection or
		// a joined/subquery stream.
		m := dataflow.NewMap(func(v any) any {
			return map[string]any{s.Alias: v}
		})
		in.Connect(m)
		return m, nil
	case expr.QueryRef:
		if tail, ok := c.cache.byIdentity[s.Query]; ok {
			return tail, nil
		}
		tail, _, err := c.compileQuery(s.Query)
		if err != nil {
			return nil, err
		}
		// Strip a prior stage's order-by token before reuse: the
		// subquery's own OrderBy materialized dataflow.OrderedRow
		// wrappers, which a consuming query must see past.
		unwrapped := dataflow.NewMap(func(v any) any {
			if or, ok := v.(dataflow.OrderedRow); ok {
				return map[string]any{s.Alias: or.Value}
			}
			return map[string]any{s.Alias: v}
		})
		tail.Connect(unwrapped)
		c.cache.byIdentity[s.Query] = unwrapped
		return unwrapped, nil
	default:
		return nil, errKind(UnsupportedFromType, alias, fmt.Sprintf("%T", source))
	}
}

// Run drains the compiled graph to stability, recording the pass's
// wall time on the graph-run histogram.
func (c *Compiled) Run(ctx context.Context) {
	start := time.Now()
	c.Graph.Run()
	c.Output.Flush()
	if runDuration != nil {
		runDuration.Record(ctx, time.Since(start).Seconds())
	}
}
