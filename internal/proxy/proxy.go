// Package proxy records mutations against a cloned draft of a row
// without mutating the caller's original value, detecting when a
// write reverts a field back to its starting value. Go has no language-level Proxy trap, so the draft
// is an explicit wrapper: Get returns child drafts for nested
// map/slice values, Set/Delete record intent, and Materialize
// produces either the full modified copy or a minimal delta.
package proxy

import "reflect"

// kind classifies what a Draft wraps, since maps and slices support
// different mutating operations.
type kind int

const (
	kindMap kind = iota
	kindSlice
	kindScalar
)

// Draft is a recording façade over one value reachable from the
// drafted row. Child drafts are cached so repeated Get calls for the
// same key return the identical *Draft, so each (path, identity) pair yields one stable proxy.
type Draft struct {
	parent    *Draft
	parentKey string

	original any // the immutable value this draft started from
	kind     kind

	// currentMap/currentSlice hold the working copy for map/slice
	// drafts; exactly one is populated, matching kind.
	currentMap   map[string]any
	currentSlice []any

	children map[string]*Draft

	// assigned tracks keys whose value was set outright (not reverted)
	// at this level; deleted tracks keys removed; neverWas tracks
	// deletes of keys absent from the original, which must not mark
	// the draft modified.
	assigned map[string]bool
	deleted  map[string]bool
	neverWas map[string]bool

	modified bool
}

// New wraps original in a Draft. original is expected to be a
// map[string]any, a []any, or a plain scalar/cloned-by-value type
// (time.Time, etc.); any other shape is treated as an opaque scalar.
func New(original any) *Draft {
	return newChild(nil, "", original)
}

func newChild(parent *Draft, parentKey string, original any) *Draft {
	d := &Draft{
		parent:    parent,
		parentKey: parentKey,
		original:  original,
		children:  map[string]*Draft{},
		assigned:  map[string]bool{},
		deleted:   map[string]bool{},
		neverWas:  map[string]bool{},
	}
	switch v := original.(type) {
	case map[string]any:
		d.kind = kindMap
		d.currentMap = cloneMap(v)
	case []any:
		d.kind = kindSlice
		d.currentSlice = cloneSlice(v)
	default:
		d.kind = kindScalar
	}
	return d
}

// Get returns the value at key, as a child Draft if it is itself a
// map or slice, so that mutating the result is tracked back up to
// this draft.
// Only valid for kindMap drafts.
func (d *Draft) Get(key string) any {
	if d.kind != kindMap {
		return nil
	}
	if child, ok := d.children[key]; ok {
		return child
	}
	v, ok := d.currentMap[key]
	if !ok {
		return nil
	}
	switch v.(type) {
	case map[string]any, []any:
		child := newChild(d, key, v)
		d.children[key] = child
		return child
	default:
		return v
	}
}

// Set assigns key = value on a kindMap draft. If value deep-equals
// the key's value on the original, the key is marked reverted instead
// of assigned, and if that empties every tracked change on this
// draft, the modified flag clears and the clear propagates to the
// parent.
func (d *Draft) Set(key string, value any) {
	if d.kind != kindMap {
		return
	}
	d.currentMap[key] = value
	delete(d.children, key) // a fresh Set invalidates any cached child proxy

	if original, existed := originalMapValue(d.original, key); existed && reflect.DeepEqual(original, value) {
		delete(d.assigned, key)
		delete(d.deleted, key)
		d.checkRevert()
		return
	}
	d.assigned[key] = true
	delete(d.deleted, key)
	delete(d.neverWas, key)
	d.markModified()
}

// Delete removes key from a kindMap draft. Deleting
// a key present on the original is recorded as "deleted" (modifies
// the draft); deleting a key absent from the original is recorded as
// "never-was" and must not mark the draft modified.
func (d *Draft) Delete(key string) {
	if d.kind != kindMap {
		return
	}
	delete(d.currentMap, key)
	delete(d.children, key)
	delete(d.assigned, key)

	if _, existed := originalMapValue(d.original, key); existed {
		d.deleted[key] = true
		d.markModified()
		return
	}
	d.neverWas[key] = true
}

// Push appends values to a kindSlice draft, always marking it modified
//.
func (d *Draft) Push(values ...any) {
	if d.kind != kindSlice {
		return
	}
	d.currentSlice = append(d.currentSlice, values...)
	d.markModified()
}

// Splice removes deleteCount elements starting at start and inserts
// insert in their place, mirroring JS Array.splice's contract closely
// enough for draft bookkeeping purposes.
func (d *Draft) Splice(start, deleteCount int, insert ...any) {
	if d.kind != kindSlice {
		return
	}
	if start < 0 {
		start = 0
	}
	if start > len(d.currentSlice) {
		start = len(d.currentSlice)
	}
	end := start + deleteCount
	if end > len(d.currentSlice) {
		end = len(d.currentSlice)
	}
	rest := append([]any{}, d.currentSlice[end:]...)
	d.currentSlice = append(append(d.currentSlice[:start:start], insert...), rest...)
	d.children = map[string]*Draft{}
	d.markModified()
}

// markModified sets modified and propagates it to ancestors; a
// draft's own state is always authoritative over a stale cached
// parent flag, so repeated calls are cheap no-ops once set.
func (d *Draft) markModified() {
	if d.modified {
		return
	}
	d.modified = true
	if d.parent != nil {
		d.parent.markModified()
	}
}

// checkRevert clears modified once every tracked key on a kindMap
// draft has reverted to its original value, and asks the parent to
// re-check itself in turn, propagating the clear upward.
func (d *Draft) checkRevert() {
	if len(d.assigned) == 0 && len(d.deleted) == 0 {
		for _, child := range d.children {
			if child.modified {
				return
			}
		}
		d.modified = false
		if d.parent != nil {
			d.parent.checkRevert()
		}
	}
}

// originalMapValue looks up key on the original map value (not the
// working copy), reporting whether it existed.
func originalMapValue(original any, key string) (any, bool) {
	m, ok := original.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Modified reports whether this draft (or any descendant reached
// through it) has a pending change.
func (d *Draft) Modified() bool { return d.modified }

// Materialize returns either the full modified value, or (for a
// kindMap draft where no top-level key was assigned outright) a
// minimal delta map containing only the keys that changed, each
// recursively materialized.
func (d *Draft) Materialize() any {
	if !d.modified {
		return d.original
	}
	switch d.kind {
	case kindSlice:
		return cloneSlice(d.currentSlice)
	case kindScalar:
		return d.currentMap // unreachable: scalars never report modified
	}

	if len(d.assigned) > 0 {
		return cloneMap(d.currentMap)
	}

	delta := map[string]any{}
	for key := range d.deleted {
		delta[key] = nil
	}
	for key, child := range d.children {
		if child.modified {
			delta[key] = child.Materialize()
		}
	}
	return delta
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	copy(out, s)
	return out
}
