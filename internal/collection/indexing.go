package collection

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidepooldb/tidepool/internal/index"
	"github.com/tidepooldb/tidepool/internal/ordmap"
	"github.com/tidepooldb/tidepool/internal/types"
)

// ensureIndex builds and registers a B+-backed index over fieldPath,
// backfilling it from every currently visible row. Invoked by the
// collection's auto-index policy when a live query's where-clause
// touches a new single-field predicate.
func (c *Collection) ensureIndex(fieldPath string) {
	c.mu.Lock()
	if _, ok := c.indexes[fieldPath]; ok {
		c.mu.Unlock()
		return
	}
	idx := index.New[any](lessAny)
	for _, key := range c.visibleKeysLocked() {
		row, _ := c.visibleLocked(key)
		if v, ok := fieldValue(row, fieldPath); ok {
			idx.Insert(index.NormalizeEpoch(v), key)
		}
	}
	c.indexes[fieldPath] = idx
	c.mu.Unlock()
}

// EnsureIndex builds and registers an index over fieldPath if one
// doesn't already exist, for callers — an ordered/windowed
// subscription snapshot, chiefly — that need an index to exist
// unconditionally rather than as an auto-index policy hint.
func (c *Collection) EnsureIndex(fieldPath string) {
	c.ensureIndex(fieldPath)
}

// Index returns the index registered over fieldPath, if any, for a
// query planner to use directly instead of a full scan.
func (c *Collection) Index(fieldPath string) (*index.Index[any], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[fieldPath]
	return idx, ok
}

// SyncMode reports "eager" or "on-demand", as configured via
// Config.Sync.SyncMode at New.
func (c *Collection) SyncMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncMode
}

// AutoIndexPolicy exposes the collection's auto-index policy so a
// query planner can feed it observed where-clause terms as it plans a
// live query against this collection.
func (c *Collection) AutoIndexPolicy() *index.Policy {
	return c.autoIndexPolicy
}

// updateIndexes applies a batch of change events to every registered
// index, keeping each index's key set consistent with the visible
// state that produced events.
func (c *Collection) updateIndexes(events []types.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for fieldPath, idx := range c.indexes {
		for _, ev := range events {
			switch ev.Type {
			case types.Delete:
				if v, ok := fieldValue(ev.Value, fieldPath); ok {
					idx.Remove(index.NormalizeEpoch(v), ev.Key)
				}
			case types.Insert:
				if v, ok := fieldValue(ev.Value, fieldPath); ok {
					idx.Insert(index.NormalizeEpoch(v), ev.Key)
				}
			case types.Update:
				if v, ok := fieldValue(ev.PreviousValue, fieldPath); ok {
					idx.Remove(index.NormalizeEpoch(v), ev.Key)
				}
				if v, ok := fieldValue(ev.Value, fieldPath); ok {
					idx.Insert(index.NormalizeEpoch(v), ev.Key)
				}
			}
		}
	}
}

// fieldValue resolves a dotted field path against a row shaped as
// nested map[string]any, the shape every collection row takes once it
// crosses the sync or mutation boundary.
func fieldValue(row types.Row, fieldPath string) (any, bool) {
	cur := row
	parts := strings.Split(fieldPath, ".")
	for i, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		cur = v
	}
	return nil, false
}

// lessAny orders arbitrary indexed field values: numerics by value,
// strings lexically, bools false-before-true, times chronologically.
// Mismatched or unrecognized types fall back to a stable string
// comparison of their formatted representation so the tree never
// panics on mixed input.
func lessAny(a, b any) bool {
	return compareAny(a, b) < 0
}

func compareAny(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs)
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0
			case !ab && bb:
				return -1
			default:
				return 1
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(formatAny(a), formatAny(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatAny(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case fmt.Stringer:
		return n.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

var _ ordmap.Less[any] = lessAny
