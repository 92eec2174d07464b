package livequery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidepooldb/tidepool/internal/collection"
	"github.com/tidepooldb/tidepool/internal/dataflow"
	"github.com/tidepooldb/tidepool/internal/expr"
	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

func todoRow(id string, done bool) types.Row {
	return map[string]any{"id": id, "done": done}
}

// newSyncedCollection starts c syncing from seed and hands back the
// SyncHandle the adapter received, so a test can push further sync
// commits the same way a real adapter's long-lived connection would.
func newSyncedCollection(t *testing.T, manager *txn.Manager, id string, seed map[types.Key]types.Row) (*collection.Collection, *collection.SyncHandle) {
	t.Helper()
	c := collection.New(collection.Config{
		ID:     id,
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
	}, manager)

	var handle *collection.SyncHandle
	err := c.StartSync(context.Background(), collection.SyncConfig{
		RowUpdateMode: types.RowUpdateFull,
		Sync: func(ctx context.Context, h *collection.SyncHandle) (func(), error) {
			handle = h
			stx := h.Begin()
			for k, v := range seed {
				_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: k, Value: v})
			}
			_ = stx.Commit()
			return nil, nil
		},
	})
	assert.NoError(t, err)
	return c, handle
}

// newOnDemandCollection is newSyncedCollection's on-demand counterpart:
// the source seeds synchronously like any sync adapter, but SyncMode
// is "on-demand" and loadSubset pages in rows a windowed subscription
// snapshot can't satisfy from what's already loaded.
func newOnDemandCollection(t *testing.T, manager *txn.Manager, id string, seed map[types.Key]types.Row, loadSubset func(context.Context, collection.LoadSubsetParams) ([]types.Row, error)) *collection.Collection {
	t.Helper()
	c := collection.New(collection.Config{
		ID:     id,
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
		Sync: collection.SyncConfig{
			SyncMode:   "on-demand",
			LoadSubset: loadSubset,
		},
	}, manager)

	err := c.StartSync(context.Background(), collection.SyncConfig{
		RowUpdateMode: types.RowUpdateFull,
		Sync: func(ctx context.Context, h *collection.SyncHandle) (func(), error) {
			stx := h.Begin()
			for k, v := range seed {
				_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: k, Value: v})
			}
			_ = stx.Commit()
			return nil, nil
		},
	})
	assert.NoError(t, err)
	return c
}

func eventRow(id string, t int) types.Row {
	return map[string]any{"id": id, "t": t}
}

// orderedEventsQuery selects every row from alias "events" ordered
// ascending by "t", windowed to [offset, offset+limit).
func orderedEventsQuery(limit, offset int) *expr.Query {
	return &expr.Query{
		From:  expr.CollectionRef{Collection: "events", Alias: "events"},
		Alias: "events",
		OrderBy: []expr.OrderTerm{
			{Expr: expr.Ref{Path: []string{"events", "t"}}, Direction: expr.Asc},
		},
		Limit:  &limit,
		Offset: &offset,
	}
}

// openTodosQuery selects every row from alias "todos" whose done field
// is false, mirroring a simple incomplete-items live query.
func openTodosQuery() *expr.Query {
	return &expr.Query{
		From:  expr.CollectionRef{Collection: "todos", Alias: "todos"},
		Alias: "todos",
		Where: []expr.Expr{
			expr.Func{Name: "eq", Args: []expr.Expr{
				expr.Ref{Path: []string{"todos", "done"}},
				expr.Value{V: false},
			}},
		},
	}
}

func TestLiveQueryReflectsSeedStateOnStart(t *testing.T) {
	manager := txn.NewManager()
	source, _ := newSyncedCollection(t, manager, "todos", map[types.Key]types.Row{
		"1": todoRow("1", false),
		"2": todoRow("2", true),
	})

	lq, err := New(context.Background(), Config{
		ID:      "open-todos",
		Query:   openTodosQuery(),
		Sources: map[string]*collection.Collection{"todos": source},
		Manager: manager,
	})
	assert.NoError(t, err)

	assert.Equal(t, types.StatusReady, lq.Collection().Status())
	assert.True(t, lq.Collection().Has("1"))
	assert.False(t, lq.Collection().Has("2"))
}

func TestLiveQueryTracksSourceInsertAndUpdate(t *testing.T) {
	manager := txn.NewManager()
	source, handle := newSyncedCollection(t, manager, "todos", map[types.Key]types.Row{
		"1": todoRow("1", false),
	})

	lq, err := New(context.Background(), Config{
		ID:      "open-todos",
		Query:   openTodosQuery(),
		Sources: map[string]*collection.Collection{"todos": source},
		Manager: manager,
	})
	assert.NoError(t, err)
	assert.True(t, lq.Collection().Has("1"))

	// Insert a new open todo via the source's existing sync connection.
	stx := handle.Begin()
	assert.NoError(t, stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "2", Value: todoRow("2", false)}))
	assert.NoError(t, stx.Commit())

	assert.True(t, lq.Collection().Has("2"))

	// Mark "1" done: it should leave the live result since it no longer
	// passes the where clause's pushed-down filter.
	stx = handle.Begin()
	assert.NoError(t, stx.Write(types.SyncOp{Type: types.SyncUpdate, Key: "1", Value: todoRow("1", true)}))
	assert.NoError(t, stx.Commit())

	assert.False(t, lq.Collection().Has("1"))
	assert.True(t, lq.Collection().Has("2"))
}

// TestLiveQuerySubscriptionAutoIndexesPushedDownField covers the
// eager auto-index policy actually firing from a running live query:
// the source collection defaults to autoIndex "eager", and the
// pushed-down eq(done) clause should make New create a B+ index over
// the bare field "done" rather than leaving the policy wired to
// nothing. The clause compiler hands New a namespaced Ref
// ("todos.done"); the index it creates is keyed by the unaliased
// field name since that's what the source collection's own rows use.
func TestLiveQuerySubscriptionAutoIndexesPushedDownField(t *testing.T) {
	manager := txn.NewManager()
	source, _ := newSyncedCollection(t, manager, "todos", map[types.Key]types.Row{
		"1": todoRow("1", false),
		"2": todoRow("2", true),
	})

	_, ok := source.Index("done")
	assert.False(t, ok)

	_, err := New(context.Background(), Config{
		ID:      "open-todos",
		Query:   openTodosQuery(),
		Sources: map[string]*collection.Collection{"todos": source},
		Manager: manager,
	})
	assert.NoError(t, err)

	idx, ok := source.Index("done")
	assert.True(t, ok)
	assert.Equal(t, map[types.Key]struct{}{"1": {}}, idx.Eq(false))
}

// TestLiveQuerySetWindowPagesOnDemandSourceThroughLoadSubset covers
// spec 4.J's ordered/windowed snapshot plus the on-demand syncMode
// protocol end to end: the order-by source only has its first page
// loaded locally, so moving the window past it must page the rest
// in through the source's loadSubset hook before the compiled graph's
// own window moves.
func TestLiveQuerySetWindowPagesOnDemandSourceThroughLoadSubset(t *testing.T) {
	manager := txn.NewManager()
	var loadSubsetCalls []collection.LoadSubsetParams
	source := newOnDemandCollection(t, manager, "events", map[types.Key]types.Row{
		"1": eventRow("1", 1),
		"2": eventRow("2", 2),
	}, func(ctx context.Context, params collection.LoadSubsetParams) ([]types.Row, error) {
		loadSubsetCalls = append(loadSubsetCalls, params)
		return []types.Row{eventRow("3", 3), eventRow("4", 4)}, nil
	})

	lq, err := New(context.Background(), Config{
		ID:      "ordered-events",
		Query:   orderedEventsQuery(2, 0),
		Sources: map[string]*collection.Collection{"events": source},
		Manager: manager,
	})
	assert.NoError(t, err)
	// The first window (rows 1-2) is already fully loaded locally.
	assert.Empty(t, loadSubsetCalls)
	assert.True(t, lq.Collection().Has("1"))
	assert.True(t, lq.Collection().Has("2"))

	err = lq.SetWindow(dataflow.Window{Offset: 2, Limit: 2})
	assert.NoError(t, err)

	assert.Len(t, loadSubsetCalls, 1)
	assert.Equal(t, "t", loadSubsetCalls[0].OrderBy)
	assert.Equal(t, 2, loadSubsetCalls[0].Limit)
	assert.True(t, source.Has("3"))
	assert.True(t, source.Has("4"))
}

func TestLiveQuerySetWindowWithoutOrderByErrors(t *testing.T) {
	manager := txn.NewManager()
	source, _ := newSyncedCollection(t, manager, "todos", map[types.Key]types.Row{
		"1": todoRow("1", false),
	})

	lq, err := New(context.Background(), Config{
		ID:      "open-todos",
		Query:   openTodosQuery(),
		Sources: map[string]*collection.Collection{"todos": source},
		Manager: manager,
	})
	assert.NoError(t, err)

	err = lq.SetWindow(dataflow.Window{Limit: 10})
	assert.Error(t, err)
}
