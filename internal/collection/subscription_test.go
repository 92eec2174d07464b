package collection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidepooldb/tidepool/internal/types"
)

// TestRequestSnapshotDeclinesWhenOptimizedOnlyHasNoIndex covers
// RequestSnapshot's optimizedOnly contract: a caller that names the
// field its filter needs indexed gets a flat decline, not a full-scan
// fallback, until that index actually exists.
func TestRequestSnapshotDeclinesWhenOptimizedOnlyHasNoIndex(t *testing.T) {
	c := newTestCollection(t, nil)
	c.mu.Lock()
	c.base["1"] = row("1", "buy milk")
	c.mu.Unlock()
	c.MarkReady()

	var received []types.ChangeEvent
	sub := c.Subscribe(func(evs []types.ChangeEvent) {
		received = append(received, evs...)
	}, nil)
	defer sub.Unsubscribe()

	ok := sub.RequestSnapshot(SnapshotOptions{OptimizedOnly: true, RequiredIndexField: "title"})
	assert.False(t, ok)
	assert.Empty(t, received)

	c.ensureIndex("title")

	ok = sub.RequestSnapshot(SnapshotOptions{OptimizedOnly: true, RequiredIndexField: "title"})
	assert.True(t, ok)
	assert.Len(t, received, 1)
}

// TestRequestOrderedSnapshotPagesRemoteLoadSubsetAndTogglesStatus covers
// the ordered/windowed snapshot: two rows already loaded locally don't
// fill a 4-row window, so it pages the rest through LoadSubset using
// the largest locally observed order-by value as the cursor, and the
// subscription's status visibly flips to loadingSubset and back around
// the remote round trip.
func TestRequestOrderedSnapshotPagesRemoteLoadSubsetAndTogglesStatus(t *testing.T) {
	var loadSubsetCalls []LoadSubsetParams
	c := New(Config{
		ID:     "events",
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
		Sync: SyncConfig{
			SyncMode: "on-demand",
			LoadSubset: func(ctx context.Context, params LoadSubsetParams) ([]types.Row, error) {
				loadSubsetCalls = append(loadSubsetCalls, params)
				return []types.Row{
					map[string]any{"id": "3", "t": 3},
					map[string]any{"id": "4", "t": 4},
				}, nil
			},
		},
	}, nil)
	c.mu.Lock()
	c.base["1"] = map[string]any{"id": "1", "t": 1}
	c.base["2"] = map[string]any{"id": "2", "t": 2}
	c.mu.Unlock()
	c.MarkReady()
	c.ensureIndex("t")

	var received []types.ChangeEvent
	sub := c.Subscribe(func(evs []types.ChangeEvent) {
		received = append(received, evs...)
	}, nil)
	defer sub.Unsubscribe()

	var statuses []types.SubscriptionStatus
	sub.OnStatusChange(func(s types.SubscriptionStatus) { statuses = append(statuses, s) })

	err := sub.RequestOrderedSnapshot(context.Background(), WindowOptions{OrderByField: "t", Limit: 4})
	assert.NoError(t, err)

	assert.Len(t, loadSubsetCalls, 1)
	assert.Equal(t, "t", loadSubsetCalls[0].OrderBy)
	assert.Equal(t, 2, loadSubsetCalls[0].Limit)
	assert.Equal(t, 2, loadSubsetCalls[0].Cursor)

	assert.Equal(t, []types.SubscriptionStatus{types.SubLoadingSubset, types.SubReady}, statuses)
	assert.Len(t, received, 4)
}

// TestRequestOrderedSnapshotErrorsWithoutIndex covers the "requires an
// order-by index" precondition: asking for a window over a field
// nothing has indexed yet is a configuration error, not a silent
// empty page.
func TestRequestOrderedSnapshotErrorsWithoutIndex(t *testing.T) {
	c := newTestCollection(t, nil)
	c.MarkReady()
	sub := c.Subscribe(func(evs []types.ChangeEvent) {}, nil)
	defer sub.Unsubscribe()

	err := sub.RequestOrderedSnapshot(context.Background(), WindowOptions{OrderByField: "missing", Limit: 10})
	assert.Error(t, err)
}

// TestRequestOrderedSnapshotSatisfiesWindowLocallyWithoutLoadSubset
// covers the common case: the local index already covers the whole
// requested window, so LoadSubset is never called.
func TestRequestOrderedSnapshotSatisfiesWindowLocallyWithoutLoadSubset(t *testing.T) {
	called := false
	c := New(Config{
		ID:     "events",
		GetKey: func(r types.Row) types.Key { return r.(map[string]any)["id"].(string) },
		Sync: SyncConfig{
			SyncMode: "on-demand",
			LoadSubset: func(ctx context.Context, params LoadSubsetParams) ([]types.Row, error) {
				called = true
				return nil, nil
			},
		},
	}, nil)
	c.mu.Lock()
	c.base["1"] = map[string]any{"id": "1", "t": 1}
	c.base["2"] = map[string]any{"id": "2", "t": 2}
	c.mu.Unlock()
	c.MarkReady()
	c.ensureIndex("t")

	var received []types.ChangeEvent
	sub := c.Subscribe(func(evs []types.ChangeEvent) {
		received = append(received, evs...)
	}, nil)
	defer sub.Unsubscribe()

	err := sub.RequestOrderedSnapshot(context.Background(), WindowOptions{OrderByField: "t", Limit: 2})
	assert.NoError(t, err)
	assert.False(t, called)
	assert.Len(t, received, 2)
	assert.Equal(t, types.SubReady, sub.Status())
}
