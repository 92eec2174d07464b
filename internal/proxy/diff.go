package proxy

import "reflect"

// Delta is a structural difference: one entry per top-level key whose
// value differs between two maps, or a whole-value replacement when
// either side is not a map.
type Delta struct {
	// Replaced is set when original/modified aren't both maps; Value
	// holds the full replacement.
	Replaced bool
	Value    any

	// Changed holds per-key replacements when both sides are maps.
	// A key present with a nil value means it was deleted.
	Changed map[string]any
}

// Diff computes the structural difference between original and
// modified, for callers that already hold both values and want a
// delta without going through a Draft (e.g. a sync adapter
// normalizing a round-tripped row before comparing it against what
// was optimistically written, to decide whether a synced row is
// truly redundant with the pending optimistic mutation).
func Diff(original, modified any) Delta {
	origMap, origOK := original.(map[string]any)
	modMap, modOK := modified.(map[string]any)
	if !origOK || !modOK {
		if reflect.DeepEqual(original, modified) {
			return Delta{}
		}
		return Delta{Replaced: true, Value: modified}
	}

	changed := map[string]any{}
	for k, mv := range modMap {
		ov, existed := origMap[k]
		if !existed || !reflect.DeepEqual(ov, mv) {
			changed[k] = mv
		}
	}
	for k := range origMap {
		if _, stillPresent := modMap[k]; !stillPresent {
			changed[k] = nil
		}
	}
	return Delta{Changed: changed}
}

// IsEmpty reports whether d represents no difference at all.
func (d Delta) IsEmpty() bool {
	return !d.Replaced && len(d.Changed) == 0
}
