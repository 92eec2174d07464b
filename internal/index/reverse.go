package index

import "github.com/tidepooldb/tidepool/internal/types"

// ReverseIndex wraps an Index and swaps the sense of the ordered
// operations (gt<->lt, gte<->lte); eq and in are unaffected. This
// lets the query planner satisfy a descending-sort lookup against an
// ascending index "at no allocation cost for scans".
type ReverseIndex[V any] struct {
	inner *Index[V]
}

// Reverse wraps idx.
func Reverse[V any](idx *Index[V]) *ReverseIndex[V] {
	return &ReverseIndex[V]{inner: idx}
}

func (r *ReverseIndex[V]) Eq(value V) map[types.Key]struct{} { return r.inner.Eq(value) }
func (r *ReverseIndex[V]) In(values []V) map[types.Key]struct{} { return r.inner.In(values) }
func (r *ReverseIndex[V]) Gt(value V) map[types.Key]struct{}  { return r.inner.Lt(value) }
func (r *ReverseIndex[V]) Gte(value V) map[types.Key]struct{} { return r.inner.Lte(value) }
func (r *ReverseIndex[V]) Lt(value V) map[types.Key]struct{}  { return r.inner.Gt(value) }
func (r *ReverseIndex[V]) Lte(value V) map[types.Key]struct{} { return r.inner.Gte(value) }

// RangeQuery delegates directly: bounds already name From/To
// explicitly, so reversing gt/lt sense does not apply here — only the
// scan direction does, which RangeQueryReversed expresses.
func (r *ReverseIndex[V]) RangeQuery(bounds RangeBounds[V]) map[types.Key]struct{} {
	return r.inner.RangeQueryReversed(bounds)
}

func (r *ReverseIndex[V]) RangeQueryReversed(bounds RangeBounds[V]) map[types.Key]struct{} {
	return r.inner.RangeQuery(bounds)
}

func (r *ReverseIndex[V]) Take(n int, fromKey *V, filter func(types.Key) bool) []types.Key {
	return r.inner.TakeReversed(n, fromKey, filter)
}

func (r *ReverseIndex[V]) TakeReversed(n int, fromKey *V, filter func(types.Key) bool) []types.Key {
	return r.inner.Take(n, fromKey, filter)
}
