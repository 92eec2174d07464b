package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidepooldb/tidepool/internal/collection"
	"github.com/tidepooldb/tidepool/internal/livequery"
	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

var queryDoneFilter bool

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Seed a todos collection once and print the current open-todos snapshot",
	Long: `query seeds a "todos" collection, runs the same open-todos live query
demo uses, and prints the snapshot it converges to — a one-shot view of
the engine rather than demo's streaming one.`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().BoolVar(&queryDoneFilter, "done", false, "show completed todos instead of open ones")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	manager := txn.NewManager()
	todos := collection.New(collection.Config{
		ID:     "todos",
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
	}, manager)

	err := todos.StartSync(ctx, collection.SyncConfig{
		RowUpdateMode: types.RowUpdateFull,
		Sync: func(ctx context.Context, h *collection.SyncHandle) (func(), error) {
			stx := h.Begin()
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "1", Value: todoRow("1", "buy milk", false)})
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "2", Value: todoRow("2", "walk dog", true)})
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "3", Value: todoRow("3", "file taxes", false)})
			if err := stx.Commit(); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
	if err != nil {
		return fmt.Errorf("query: start sync: %w", err)
	}

	q := todosByDoneQuery(queryDoneFilter)

	lq, err := livequery.New(ctx, livequery.Config{
		ID:      "query-snapshot",
		Query:   q,
		Sources: map[string]*collection.Collection{"todos": todos},
		Manager: manager,
	})
	if err != nil {
		return fmt.Errorf("query: live query: %w", err)
	}

	entries := lq.Collection().Entries()
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("query: marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
