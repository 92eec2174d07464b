package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidepooldb/tidepool/internal/collection"
	"github.com/tidepooldb/tidepool/internal/livequery"
	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

func TestTodosByDoneQuerySelectsMatchingRows(t *testing.T) {
	manager := txn.NewManager()
	todos := collection.New(collection.Config{
		ID:     "todos",
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
	}, manager)

	err := todos.StartSync(context.Background(), collection.SyncConfig{
		RowUpdateMode: types.RowUpdateFull,
		Sync: func(ctx context.Context, h *collection.SyncHandle) (func(), error) {
			stx := h.Begin()
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "1", Value: todoRow("1", "buy milk", false)})
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "2", Value: todoRow("2", "walk dog", true)})
			assert.NoError(t, stx.Commit())
			return nil, nil
		},
	})
	assert.NoError(t, err)

	lq, err := livequery.New(context.Background(), livequery.Config{
		ID:      "done-todos",
		Query:   todosByDoneQuery(true),
		Sources: map[string]*collection.Collection{"todos": todos},
		Manager: manager,
	})
	assert.NoError(t, err)

	assert.False(t, lq.Collection().Has("1"))
	assert.True(t, lq.Collection().Has("2"))
}
