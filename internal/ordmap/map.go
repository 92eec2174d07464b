// Package ordmap provides a sorted K->V map with ranged scans in both
// directions, backed by a B-tree. It is the ordered-map primitive the
// index layer is built on.
package ordmap

import (
	"fmt"

	"github.com/google/btree"
)

// Less reports whether a sorts before b. Implementations that compare
// floating-point keys must reject NaN rather than silently misordering
// the tree.
type Less[K any] func(a, b K) bool

// Degree is the default B-tree branching factor (keys per node). The
// spec allows 4-256; 32 is a reasonable middle ground for in-memory
// collections with thousands to low millions of rows.
const Degree = 32

type entry[K, V any] struct {
	key   K
	value V
}

// Map is a sorted map over keys of type K, backed by a copy-on-write
// B-tree. The zero value is not usable; construct with New.
type Map[K, V any] struct {
	less Less[K]
	tree *btree.BTreeG[entry[K, V]]
}

// New creates an empty Map using the given branching degree and
// comparator. A degree outside [4,256] is clamped into range.
func New[K, V any](degree int, less Less[K]) *Map[K, V] {
	if degree < 4 {
		degree = 4
	}
	if degree > 256 {
		degree = 256
	}
	entryLess := func(a, b entry[K, V]) bool { return less(a.key, b.key) }
	return &Map[K, V]{
		less: less,
		tree: btree.NewG[entry[K, V]](degree, entryLess),
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.tree.Len() }

// Clone returns a copy-on-write snapshot of m. Neither m nor the clone
// allocates new nodes until one of them is mutated below a shared node,
// matching the B+ tree's shared-node invariant.
func (m *Map[K, V]) Clone() *Map[K, V] {
	return &Map[K, V]{less: m.less, tree: m.tree.Clone()}
}

// Get returns the value at key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	e, ok := m.tree.Get(entry[K, V]{key: key})
	return e.value, ok
}

// Set inserts or updates key. If overwrite is false and the key already
// exists, Set leaves the existing value untouched and returns false.
func (m *Map[K, V]) Set(key K, value V, overwrite bool) bool {
	if !overwrite {
		if _, ok := m.tree.Get(entry[K, V]{key: key}); ok {
			return false
		}
	}
	m.tree.ReplaceOrInsert(entry[K, V]{key: key, value: value})
	return true
}

// Delete removes key, reporting whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	_, ok := m.tree.Delete(entry[K, V]{key: key})
	return ok
}

// MinKey returns the smallest key, if any.
func (m *Map[K, V]) MinKey() (K, bool) {
	e, ok := m.tree.Min()
	return e.key, ok
}

// MaxKey returns the largest key, if any.
func (m *Map[K, V]) MaxKey() (K, bool) {
	e, ok := m.tree.Max()
	return e.key, ok
}

// MinPair returns the smallest (key, value) pair, if any.
func (m *Map[K, V]) MinPair() (K, V, bool) {
	e, ok := m.tree.Min()
	return e.key, e.value, ok
}

// MaxPair returns the largest (key, value) pair, if any.
func (m *Map[K, V]) MaxPair() (K, V, bool) {
	e, ok := m.tree.Max()
	return e.key, e.value, ok
}

// RangeAction is returned by a ForRange callback to request an
// edit-in-place, a deletion, or early exit.
type RangeAction[V any] struct {
	SetValue *V
	Delete   bool
	Break    bool
}

// Continue is the zero RangeAction: keep the entry unchanged, keep walking.
func Continue[V any]() RangeAction[V] { return RangeAction[V]{} }

// OnFound is called for each (key, value) pair visited by ForRange, in
// ascending order, along with the 0-based visit count so far.
type OnFound[K, V any] func(key K, value V, count int) RangeAction[V]

// ForRange walks entries in [low, high) ascending, or [low, high] if
// includeHigh is true. A nil low/high means "from the extreme". It
// returns the number of entries visited. Edits and deletes requested by
// onFound are buffered and applied after the walk completes, since the
// underlying B-tree forbids mutation during iteration.
func (m *Map[K, V]) ForRange(low, high *K, includeHigh bool, onFound OnFound[K, V]) int {
	type pendingOp struct {
		key    K
		value  V
		delete bool
	}
	var pending []pendingOp
	count := 0

	visit := func(e entry[K, V]) bool {
		if high != nil {
			if includeHigh {
				if m.less(*high, e.key) {
					return false
				}
			} else if !m.less(e.key, *high) {
				return false
			}
		}
		action := onFound(e.key, e.value, count)
		count++
		switch {
		case action.Delete:
			pending = append(pending, pendingOp{key: e.key, delete: true})
		case action.SetValue != nil:
			pending = append(pending, pendingOp{key: e.key, value: *action.SetValue})
		}
		return !action.Break
	}

	if low == nil {
		m.tree.Ascend(visit)
	} else {
		m.tree.AscendGreaterOrEqual(entry[K, V]{key: *low}, visit)
	}

	for _, op := range pending {
		if op.delete {
			m.tree.Delete(entry[K, V]{key: op.key})
		} else {
			m.tree.ReplaceOrInsert(entry[K, V]{key: op.key, value: op.value})
		}
	}
	return count
}

// ForRangeReversed is the descending counterpart of ForRange.
func (m *Map[K, V]) ForRangeReversed(low, high *K, includeHigh bool, onFound OnFound[K, V]) int {
	type pendingOp struct {
		key    K
		value  V
		delete bool
	}
	var pending []pendingOp
	count := 0

	visit := func(e entry[K, V]) bool {
		if low != nil && m.less(e.key, *low) {
			return false
		}
		action := onFound(e.key, e.value, count)
		count++
		switch {
		case action.Delete:
			pending = append(pending, pendingOp{key: e.key, delete: true})
		case action.SetValue != nil:
			pending = append(pending, pendingOp{key: e.key, value: *action.SetValue})
		}
		return !action.Break
	}

	if high == nil {
		m.tree.Descend(visit)
	} else if includeHigh {
		m.tree.DescendLessOrEqual(entry[K, V]{key: *high}, visit)
	} else {
		m.tree.DescendLessOrEqual(entry[K, V]{key: *high}, func(e entry[K, V]) bool {
			if !m.less(e.key, *high) {
				return true
			}
			return visit(e)
		})
	}

	for _, op := range pending {
		if op.delete {
			m.tree.Delete(entry[K, V]{key: op.key})
		} else {
			m.tree.ReplaceOrInsert(entry[K, V]{key: op.key, value: op.value})
		}
	}
	return count
}

// NextHigherPair returns the strict successor of key: the smallest
// entry with a key greater than key. ok is false if none exists.
func (m *Map[K, V]) NextHigherPair(key K) (resultKey K, resultValue V, ok bool) {
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if m.less(key, e.key) {
			resultKey, resultValue, ok = e.key, e.value, true
			return false
		}
		return true // skip the key itself, keep looking
	})
	return
}

// NextLowerPair returns the strict predecessor of key: the largest
// entry with a key less than key. ok is false if none exists.
func (m *Map[K, V]) NextLowerPair(key K) (resultKey K, resultValue V, ok bool) {
	m.tree.DescendLessOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if m.less(e.key, key) {
			resultKey, resultValue, ok = e.key, e.value, true
			return false
		}
		return true // skip the key itself
	})
	return
}

// Float64Less is a Less[float64] that panics on NaN input rather than
// silently misordering the tree.
func Float64Less(a, b float64) bool {
	if a != a || b != b {
		panic(fmt.Sprintf("ordmap: NaN key not allowed (a=%v b=%v)", a, b))
	}
	return a < b
}

// StringLess is the natural lexical Less[string].
func StringLess(a, b string) bool { return a < b }
