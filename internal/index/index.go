// Package index implements a B+-backed inverted index: a sorted
// value -> set-of-row-keys map supporting point and range lookups in
// both directions, grounded on internal/ordmap's B-tree wrapper (the
// storage-layer small-surface-over-a-real-engine style seen in
// internal/storage/ephemeral/store.go).
package index

import (
	"time"

	"github.com/tidepooldb/tidepool/internal/ordmap"
	"github.com/tidepooldb/tidepool/internal/types"
)

// Index is an inverted index from an expression's evaluated, sorted
// value to the set of row keys that produced that value.
type Index[V any] struct {
	less ordmap.Less[V]
	tree *ordmap.Map[V, map[types.Key]struct{}]
}

// New builds an empty Index using less as the value comparator.
func New[V any](less ordmap.Less[V]) *Index[V] {
	return &Index[V]{
		less: less,
		tree: ordmap.New[V, map[types.Key]struct{}](ordmap.Degree, less),
	}
}

// NormalizeEpoch converts a time.Time to its epoch-millisecond value so
// dates compare by instant; other values pass through.
func NormalizeEpoch(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return v
}

// Insert records that key produced value. Safe to call repeatedly for
// the same (value, key) pair.
func (idx *Index[V]) Insert(value V, key types.Key) {
	set, ok := idx.tree.Get(value)
	if !ok {
		set = map[types.Key]struct{}{}
		idx.tree.Set(value, set, true)
	}
	set[key] = struct{}{}
}

// Remove drops the (value, key) association, pruning the value bucket
// entirely once it is empty.
func (idx *Index[V]) Remove(value V, key types.Key) {
	set, ok := idx.tree.Get(value)
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		idx.tree.Delete(value)
	}
}

// Eq returns every row key indexed under value.
func (idx *Index[V]) Eq(value V) map[types.Key]struct{} {
	set, ok := idx.tree.Get(value)
	if !ok {
		return map[types.Key]struct{}{}
	}
	return cloneSet(set)
}

// In returns the union of Eq(v) over values.
func (idx *Index[V]) In(values []V) map[types.Key]struct{} {
	out := map[types.Key]struct{}{}
	for _, v := range values {
		for k := range idx.Eq(v) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Gt returns every row key indexed under a value strictly greater
// than value.
func (idx *Index[V]) Gt(value V) map[types.Key]struct{} {
	return idx.scanFrom(&value, false)
}

// Gte returns every row key indexed under a value greater than or
// equal to value.
func (idx *Index[V]) Gte(value V) map[types.Key]struct{} {
	return idx.scanFrom(&value, true)
}

// Lt returns every row key indexed under a value strictly less than
// value.
func (idx *Index[V]) Lt(value V) map[types.Key]struct{} {
	return idx.scanTo(&value, false)
}

// Lte returns every row key indexed under a value less than or equal
// to value.
func (idx *Index[V]) Lte(value V) map[types.Key]struct{} {
	return idx.scanTo(&value, true)
}

func (idx *Index[V]) scanFrom(low *V, inclusive bool) map[types.Key]struct{} {
	out := map[types.Key]struct{}{}
	idx.tree.ForRange(low, nil, false, func(k V, v map[types.Key]struct{}, n int) ordmap.RangeAction[map[types.Key]struct{}] {
		if !inclusive && n == 0 && low != nil && !idx.less(*low, k) && !idx.less(k, *low) {
			return ordmap.Continue[map[types.Key]struct{}]()
		}
		for key := range v {
			out[key] = struct{}{}
		}
		return ordmap.Continue[map[types.Key]struct{}]()
	})
	return out
}

func (idx *Index[V]) scanTo(high *V, inclusive bool) map[types.Key]struct{} {
	out := map[types.Key]struct{}{}
	idx.tree.ForRange(nil, high, inclusive, func(k V, v map[types.Key]struct{}, n int) ordmap.RangeAction[map[types.Key]struct{}] {
		for key := range v {
			out[key] = struct{}{}
		}
		return ordmap.Continue[map[types.Key]struct{}]()
	})
	return out
}

// RangeBounds describes a rangeQuery's inclusive/exclusive bounds; a
// nil From or To means an open end on that side.
type RangeBounds[V any] struct {
	From          *V
	To            *V
	FromInclusive bool
	ToInclusive   bool
}

// RangeQuery returns every row key whose indexed value falls within
// bounds, ascending.
func (idx *Index[V]) RangeQuery(bounds RangeBounds[V]) map[types.Key]struct{} {
	out := map[types.Key]struct{}{}
	idx.tree.ForRange(bounds.From, bounds.To, bounds.ToInclusive, func(k V, v map[types.Key]struct{}, n int) ordmap.RangeAction[map[types.Key]struct{}] {
		if bounds.From != nil && !bounds.FromInclusive && n == 0 && !idx.less(*bounds.From, k) {
			return ordmap.Continue[map[types.Key]struct{}]()
		}
		for key := range v {
			out[key] = struct{}{}
		}
		return ordmap.Continue[map[types.Key]struct{}]()
	})
	return out
}

// RangeQueryReversed is RangeQuery's descending counterpart.
func (idx *Index[V]) RangeQueryReversed(bounds RangeBounds[V]) map[types.Key]struct{} {
	out := map[types.Key]struct{}{}
	idx.tree.ForRangeReversed(bounds.From, bounds.To, bounds.ToInclusive, func(k V, v map[types.Key]struct{}, n int) ordmap.RangeAction[map[types.Key]struct{}] {
		if bounds.From != nil && !bounds.FromInclusive && !idx.less(*bounds.From, k) {
			return ordmap.Continue[map[types.Key]struct{}]()
		}
		for key := range v {
			out[key] = struct{}{}
		}
		return ordmap.Continue[map[types.Key]struct{}]()
	})
	return out
}

// Take yields up to n row keys starting strictly after fromKey (or
// from the smallest value when fromKey is nil), skipping keys
// rejected by filter.
func (idx *Index[V]) Take(n int, fromKey *V, filter func(types.Key) bool) []types.Key {
	return idx.take(n, fromKey, filter, false)
}

// TakeReversed is Take's descending counterpart.
func (idx *Index[V]) TakeReversed(n int, fromKey *V, filter func(types.Key) bool) []types.Key {
	return idx.take(n, fromKey, filter, true)
}

func (idx *Index[V]) take(n int, fromKey *V, filter func(types.Key) bool, reversed bool) []types.Key {
	var out []types.Key
	visit := func(k V, v map[types.Key]struct{}, count int) ordmap.RangeAction[map[types.Key]struct{}] {
		if fromKey != nil && count == 0 {
			if !idx.less(*fromKey, k) && !idx.less(k, *fromKey) {
				return ordmap.Continue[map[types.Key]struct{}]()
			}
		}
		for key := range v {
			if filter != nil && !filter(key) {
				continue
			}
			out = append(out, key)
			if len(out) >= n {
				return ordmap.RangeAction[map[types.Key]struct{}]{Break: true}
			}
		}
		return ordmap.Continue[map[types.Key]struct{}]()
	}
	if reversed {
		idx.tree.ForRangeReversed(nil, fromKey, true, visit)
	} else {
		idx.tree.ForRange(fromKey, nil, true, visit)
	}
	return out
}

func cloneSet(s map[types.Key]struct{}) map[types.Key]struct{} {
	out := make(map[types.Key]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
