// Package livequery composes internal/compiler, internal/collection
// and their shared internal/dataflow graph into a self-maintaining
// query result: a Collection whose synced base is kept incrementally
// in step with one or more source collections by a compiled dataflow
// graph, rather than by any external sync adapter.
package livequery

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidepooldb/tidepool/internal/collection"
	"github.com/tidepooldb/tidepool/internal/compiler"
	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

// Config describes one live query: the IR to compile, the source
// collections its aliases bind to, and the manager whose ambient
// transactions coalesce graph runs.
type Config struct {
	ID      string
	Query   *expr.Query
	Sources map[string]*collection.Collection // alias -> source collection
	Manager *txn.Manager
	GCTime  func() // unused hook reserved for a future idle-gc wiring
}

// LiveQuery owns a compiled dataflow graph, the per-alias adapters
// bridging each source collection's change stream into the graph, and
// the result Collection the compiled output is synced into.
type LiveQuery struct {
	id      string
	manager *txn.Manager

	compiled *compiler.Compiled
	sources  map[string]*collectionSource
	subs     map[string]*collection.Subscription

	// orderByAlias/orderByField, when non-empty, name the single
	// source alias and bare field setWindow's ordered-snapshot fill
	// should request against when that source is on-demand; derived
	// from the query's sole order-by term.
	orderByAlias string
	orderByField string

	result *collection.Collection

	mu     sync.Mutex
	handle *collection.SyncHandle
}

// collectionSource adapts a *collection.Collection to
// compiler.Source: it forwards the collection's change stream into
// whatever dataflow.Consumer the compiled graph connects, and answers
// RequestSnapshot for lazy-loaded join sides.
type collectionSource struct {
	coll     *collection.Collection
	consumer dataflow.Consumer
}

func (s *collectionSource) Connect(c dataflow.Consumer) { s.consumer = c }

func (s *collectionSource) RequestSnapshot(keys []types.Key) {
	if s.consumer == nil {
		return
	}
	var batch dataflow.Batch
	for _, key := range keys {
		if v, ok := s.coll.Get(key); ok {
			batch = append(batch, dataflow.Change{Key: key, Value: v, Multiplicity: 1})
		}
	}
	s.consumer.Push(batch)
}

func (s *collectionSource) Size() int { return s.coll.Size() }

// New compiles cfg.Query against cfg.Sources and returns the running
// LiveQuery. The result Collection starts syncing immediately.
func New(ctx context.Context, cfg Config) (*LiveQuery, error) {
	lq := &LiveQuery{
		id:      cfg.ID,
		manager: cfg.Manager,
		sources: map[string]*collectionSource{},
		subs:    map[string]*collection.Subscription{},
	}

	inputs := map[string]compiler.Source{}
	collectionIDs := map[string]string{}
	for alias, coll := range cfg.Sources {
		src := &collectionSource{coll: coll}
		lq.sources[alias] = src
		inputs[alias] = src
		collectionIDs[alias] = coll.ID()
	}

	compiled, err := compiler.Compile(ctx, cfg.Query, compiler.Options{
		Inputs:        inputs,
		CollectionIDs: collectionIDs,
		Sink:          lq.applyOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("livequery %s: compile: %w", cfg.ID, err)
	}
	lq.compiled = compiled

	if len(cfg.Query.OrderBy) == 1 {
		if ref, ok := cfg.Query.OrderBy[0].Expr.(expr.Ref); ok && len(ref.Path) > 0 {
			alias := ref.Path[0]
			if src, ok := cfg.Sources[alias]; ok {
				lq.orderByAlias = alias
				lq.orderByField = unaliasRefs(ref, alias).String()
				src.EnsureIndex(lq.orderByField)
			}
		}
	}

	lq.result = collection.New(collection.Config{
		ID: cfg.ID,
		Sync: collection.SyncConfig{
			RowUpdateMode: types.RowUpdateFull,
		},
	}, cfg.Manager)

	for alias, coll := range cfg.Sources {
		alias, coll := alias, coll
		if clause, ok := compiled.SourceWhereClauses[alias]; ok {
			coll.AutoIndexPolicy().Observe(ctx, unaliasRefs(clause, alias))
		}
		filter := lq.filterFor(alias)
		sub := coll.Subscribe(func(evs []types.ChangeEvent) {
			lq.onSourceChange(alias, evs)
		}, filter)
		lq.subs[alias] = sub
	}

	err = lq.result.StartSync(ctx, collection.SyncConfig{
		RowUpdateMode: types.RowUpdateFull,
		Sync: func(ctx context.Context, h *collection.SyncHandle) (func(), error) {
			lq.mu.Lock()
			lq.handle = h
			lq.mu.Unlock()

			for alias, sub := range lq.subs {
				if alias == lq.orderByAlias && lq.sources[alias].coll.SyncMode() == "on-demand" {
					if err := sub.RequestOrderedSnapshot(ctx, collection.WindowOptions{
						OrderByField: lq.orderByField,
						Limit:        lq.initialWindowSize(cfg.Query),
					}); err != nil {
						return nil, err
					}
					continue
				}
				sub.RequestSnapshot()
			}
			if err := lq.flush(ctx); err != nil {
				return nil, err
			}
			h.MarkReady()

			cleanup := func() {
				for _, sub := range lq.subs {
					sub.Unsubscribe()
				}
			}
			return cleanup, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("livequery %s: start sync: %w", cfg.ID, err)
	}

	return lq, nil
}

// Collection returns the live-maintained result collection.
func (lq *LiveQuery) Collection() *collection.Collection { return lq.result }

// initialWindowSize returns how many ordered rows to request up front
// for an on-demand order-by source: offset+limit when the query
// carries them, 1 otherwise (just enough to answer SingleResult
// queries without guessing at an unbounded range).
func (lq *LiveQuery) initialWindowSize(q *expr.Query) int {
	if q.Limit == nil {
		return 1
	}
	offset := 0
	if q.Offset != nil {
		offset = *q.Offset
	}
	return offset + *q.Limit
}

// SetWindow moves an ordered query's limit/offset window, re-emitting
// whatever diffs the move produces. When the order-by source is
// on-demand, it first asks that source's subscription for an ordered
// snapshot covering the new window — RequestOrderedSnapshot blocks
// until any remote loadSubset page it needs has committed, so by the
// time the compiled graph's window moves the rows it will emit are
// already loaded locally.
func (lq *LiveQuery) SetWindow(w dataflow.Window) error {
	if lq.compiled.SetWindow == nil {
		return fmt.Errorf("livequery %s: query has no order-by, setWindow unsupported", lq.id)
	}
	if lq.orderByAlias != "" {
		if src := lq.sources[lq.orderByAlias]; src != nil && src.coll.SyncMode() == "on-demand" {
			sub := lq.subs[lq.orderByAlias]
			if err := sub.RequestOrderedSnapshot(context.Background(), collection.WindowOptions{
				OrderByField: lq.orderByField,
				Limit:        w.Offset + w.Limit,
			}); err != nil {
				return err
			}
		}
	}
	lq.compiled.SetWindow(w)
	return lq.flush(context.Background())
}

// unaliasRefs rewrites every Ref in clause whose Path[0] is alias to
// drop that leading segment, turning a namespaced where-clause (as
// stored in compiler.Compiled.SourceWhereClauses, where Ref.Path[0] is
// always the source alias) into the bare, single-row field paths that
// index.Policy.Observe and Collection.ensureIndex expect. Refs
// addressing a different alias (shouldn't occur in a per-source pushed
// down clause, but left intact rather than risking a silent wrong
// answer) pass through unchanged.
func unaliasRefs(e expr.Expr, alias string) expr.Expr {
	switch n := e.(type) {
	case expr.Ref:
		if len(n.Path) > 1 && n.Path[0] == alias {
			return expr.Ref{Path: n.Path[1:]}
		}
		return n
	case expr.Func:
		args := make([]expr.Expr, len(n.Args))
		for i, a := range n.Args {
			args[i] = unaliasRefs(a, alias)
		}
		return expr.Func{Name: n.Name, Args: args}
	default:
		return e
	}
}

func (lq *LiveQuery) filterFor(alias string) func(types.Row) bool {
	clause, ok := lq.compiled.SourceWhereClauses[alias]
	if !ok {
		return nil
	}
	compiled, err := expr.CompileNamespaced(clause)
	if err != nil {
		return nil
	}
	return func(row types.Row) bool {
		v, err := compiled(map[string]any{alias: row})
		if err != nil {
			return false
		}
		b, ok := v.(bool)
		return ok && b
	}
}

// onSourceChange translates one source collection's change batch into
// signed dataflow changes, pushes them through the compiled graph, and
// schedules (or runs immediately) the coalesced graph-run-and-deliver
// pass.
func (lq *LiveQuery) onSourceChange(alias string, evs []types.ChangeEvent) {
	src, ok := lq.sources[alias]
	if !ok || src.consumer == nil {
		return
	}

	var batch dataflow.Batch
	for _, ev := range evs {
		switch ev.Type {
		case types.Insert:
			batch = append(batch, dataflow.Change{Key: ev.Key, Value: ev.Value, Multiplicity: 1})
		case types.Update:
			batch = append(batch,
				dataflow.Change{Key: ev.Key, Value: ev.PreviousValue, Multiplicity: -1},
				dataflow.Change{Key: ev.Key, Value: ev.Value, Multiplicity: 1},
			)
		case types.Delete:
			batch = append(batch, dataflow.Change{Key: ev.Key, Value: ev.Value, Multiplicity: -1})
		}
	}
	if len(batch) == 0 {
		return
	}
	src.consumer.Push(batch)

	// Run at most once per transaction context: if an ambient
	// transaction is active, coalesce this graph run behind its
	// scheduler so every source write it makes resolves into one
	// delivered batch.
	if lq.manager != nil {
		if t := lq.manager.Active(); t != nil {
			t.Scheduler().Register(txn.Job{
				ID:  "livequery:" + lq.id,
				Run: func() error { return lq.flush(context.Background()) },
			})
			return
		}
	}
	_ = lq.flush(context.Background())
}

func (lq *LiveQuery) flush(ctx context.Context) error {
	lq.compiled.Run(ctx)
	return nil
}

// applyOutput is the compiled graph's Sink: it writes the pass's
// accumulated diffs into the result collection as one committed sync
// transaction.
func (lq *LiveQuery) applyOutput(batch dataflow.Batch) {
	lq.mu.Lock()
	handle := lq.handle
	lq.mu.Unlock()
	if handle == nil || len(batch) == 0 {
		return
	}

	stx := handle.Begin()
	for _, c := range batch {
		value := c.Value
		if or, ok := value.(dataflow.OrderedRow); ok {
			value = or.Value
		}
		if c.Multiplicity > 0 {
			_ = stx.Write(types.SyncOp{Type: types.SyncUpdate, Key: c.Key, Value: value})
		} else if c.Multiplicity < 0 {
			_ = stx.Write(types.SyncOp{Type: types.SyncDelete, Key: c.Key})
		}
	}
	_ = stx.Commit()
}
