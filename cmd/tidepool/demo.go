package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidepooldb/tidepool/internal/collection"
	"github.com/tidepooldb/tidepool/internal/expr"
	"github.com/tidepooldb/tidepool/internal/livequery"
	"github.com/tidepooldb/tidepool/internal/tpconfig"
	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

var (
	demoTicks    int
	demoInterval time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a seeded collection plus a live query against a synthetic sync adapter",
	Long: `demo seeds a "todos" collection through a synthetic in-memory sync
adapter, runs a live query selecting every open (done=false) todo, and
prints each delivered change event as JSON while a ticker mutates the
source collection.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoTicks, "ticks", 5, "number of synthetic mutations to apply before exiting")
	demoCmd.Flags().DurationVar(&demoInterval, "interval", 500*time.Millisecond, "delay between synthetic mutations")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if rootCancel != nil {
			rootCancel()
		}
	}()

	cfg, err := tpconfig.Load(cfgPath)
	if err != nil {
		return err
	}
	todoSpec := cfg.Collection("todos")

	manager := txn.NewManager()

	todos := collection.New(collection.Config{
		ID:     "todos",
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
		Sync: collection.SyncConfig{
			RowUpdateMode: types.RowUpdateFull,
		},
		AutoIndex: todoSpec.AutoIndex,
		GCTime:    todoSpec.GCTime,
	}, manager)

	var handle *collection.SyncHandle
	err = todos.StartSync(ctx, collection.SyncConfig{
		RowUpdateMode: types.RowUpdateFull,
		Sync: func(ctx context.Context, h *collection.SyncHandle) (func(), error) {
			handle = h
			stx := h.Begin()
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "1", Value: todoRow("1", "buy milk", false)})
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: "2", Value: todoRow("2", "walk dog", true)})
			if err := stx.Commit(); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
	if err != nil {
		return fmt.Errorf("demo: start sync: %w", err)
	}

	lq, err := livequery.New(ctx, livequery.Config{
		ID:      "open-todos",
		Query:   openTodosQuery(),
		Sources: map[string]*collection.Collection{"todos": todos},
		Manager: manager,
	})
	if err != nil {
		return fmt.Errorf("demo: live query: %w", err)
	}

	sub := lq.Collection().Subscribe(func(evs []types.ChangeEvent) {
		for _, ev := range evs {
			printEvent(ev)
		}
	}, nil)
	defer sub.Unsubscribe()
	sub.RequestSnapshot()

	ticker := time.NewTicker(demoInterval)
	defer ticker.Stop()

	nextID := 3
	for i := 0; i < demoTicks; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stx := handle.Begin()
			id := fmt.Sprintf("%d", nextID)
			nextID++
			_ = stx.Write(types.SyncOp{Type: types.SyncInsert, Key: id, Value: todoRow(id, "auto todo "+id, false)})
			_ = stx.Commit()
		}
	}
	return nil
}

func todoRow(id, title string, done bool) types.Row {
	return map[string]any{"id": id, "title": title, "done": done}
}

func openTodosQuery() *expr.Query {
	return todosByDoneQuery(false)
}

// todosByDoneQuery selects every "todos" row whose done field equals done.
func todosByDoneQuery(done bool) *expr.Query {
	return &expr.Query{
		From:  expr.CollectionRef{Collection: "todos", Alias: "todos"},
		Alias: "todos",
		Where: []expr.Expr{
			expr.Func{Name: "eq", Args: []expr.Expr{
				expr.Ref{Path: []string{"todos", "done"}},
				expr.Value{V: done},
			}},
		},
	}
}

func printEvent(ev types.ChangeEvent) {
	data, err := json.Marshal(struct {
		Type  string    `json:"type"`
		Key   types.Key `json:"key"`
		Value types.Row `json:"value,omitempty"`
	}{Type: ev.Type.String(), Key: ev.Key, Value: ev.Value})
	if err != nil {
		fmt.Println("demo: marshal event:", err)
		return
	}
	fmt.Println(string(data))
}
