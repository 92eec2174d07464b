package txn

import "github.com/tidepooldb/tidepool/internal/types"

// mergeMutation applies the mutation-merge table to an existing
// mutation and an incoming one sharing a GlobalKey, deciding whether
// the pair collapses, replaces, or merges:
//
//	existing -> incoming | insert            | update                    | delete
//	insert                | replace          | insert, merge changes     | remove pair
//	update                 | replace          | update, merge changes     | delete
//	delete                 | replace          | replace                   | replace
//
// A nil return means the pair annihilates (insert immediately
// followed by delete within the same transaction leaves no trace).
func mergeMutation(existing *types.Mutation, incoming types.Mutation) *types.Mutation {
	if existing == nil {
		return &incoming
	}

	switch existing.Type {
	case types.MutationInsert:
		switch incoming.Type {
		case types.MutationInsert:
			return replace(existing, incoming)
		case types.MutationUpdate:
			merged := replace(existing, incoming)
			merged.Type = types.MutationInsert
			merged.Original = map[string]any{}
			merged.Changes = mergeChanges(existing.Changes, incoming.Changes)
			return merged
		case types.MutationDelete:
			return nil
		}
	case types.MutationUpdate:
		switch incoming.Type {
		case types.MutationInsert:
			return replace(existing, incoming)
		case types.MutationUpdate:
			merged := replace(existing, incoming)
			merged.Type = types.MutationUpdate
			merged.Original = existing.Original
			merged.Changes = mergeChanges(existing.Changes, incoming.Changes)
			return merged
		case types.MutationDelete:
			return replace(existing, incoming)
		}
	case types.MutationDelete:
		return replace(existing, incoming)
	}
	return replace(existing, incoming)
}

// replace returns a copy of incoming, stamped with the merge's
// bookkeeping (CreatedAt preserved from the original insertion into
// the table, UpdatedAt bumped to incoming's).
func replace(existing *types.Mutation, incoming types.Mutation) *types.Mutation {
	merged := incoming
	merged.CreatedAt = existing.CreatedAt
	return &merged
}

// mergeChanges layers incoming's changes over existing's, last write
// per field wins.
func mergeChanges(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// mergeTable scopes the merge table to one transaction: it holds at
// most one live Mutation per GlobalKey, since every mutation entering
// a transaction is merged against whatever entry (if any) already
// occupies that key.
type mergeTable struct {
	byGlobalKey map[string]*types.Mutation
	order       []string // insertion order of still-live global keys, for deterministic replay
}

func newMergeTable() *mergeTable {
	return &mergeTable{byGlobalKey: map[string]*types.Mutation{}}
}

// apply merges incoming into the table, returning the resulting
// mutation list in first-touched order. A key that annihilates
// (insert then delete) drops out of both the table and the order.
func (m *mergeTable) apply(incoming types.Mutation) []types.Mutation {
	existing, had := m.byGlobalKey[incoming.GlobalKey]
	merged := mergeMutation(existing, incoming)

	if merged == nil {
		delete(m.byGlobalKey, incoming.GlobalKey)
		m.order = removeString(m.order, incoming.GlobalKey)
		return m.snapshot()
	}

	m.byGlobalKey[incoming.GlobalKey] = merged
	if !had {
		m.order = append(m.order, incoming.GlobalKey)
	}
	return m.snapshot()
}

// current returns the table's live mutation for globalKey, if any.
func (m *mergeTable) current(globalKey string) (*types.Mutation, bool) {
	cur, ok := m.byGlobalKey[globalKey]
	return cur, ok
}

func (m *mergeTable) snapshot() []types.Mutation {
	out := make([]types.Mutation, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, *m.byGlobalKey[k])
	}
	return out
}

func (m *mergeTable) overlaps(globalKeys map[string]bool) bool {
	for k := range m.byGlobalKey {
		if globalKeys[k] {
			return true
		}
	}
	return false
}

func (m *mergeTable) globalKeys() map[string]bool {
	out := make(map[string]bool, len(m.byGlobalKey))
	for k := range m.byGlobalKey {
		out[k] = true
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
