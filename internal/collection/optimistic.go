package collection

import (
	"sort"

	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

// ApplyMutation implements txn.CollectionHandle: it records t's
// contribution to key (replacing any earlier contribution from the
// same transaction for that key, since the merge table already
// collapsed same-transaction writes upstream) and recomputes the
// overlay for that key.
func (c *Collection) ApplyMutation(t *txn.Transaction, m types.Mutation) error {
	c.mu.Lock()
	if c.status == types.StatusError {
		c.mu.Unlock()
		return errKind(OperationOnErrorCollection, c.id)
	}
	byTxn, ok := c.contribs[m.Key]
	if !ok {
		byTxn = map[string]contribution{}
		c.contribs[m.Key] = byTxn
	}
	byTxn[t.ID()] = contribution{txn: t, mutation: m}
	events := c.recomputeKeysLocked([]types.Key{m.Key})
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// RevertMutation implements txn.CollectionHandle: it drops t's
// contribution to m.Key (whether because the merge table annihilated
// the pair or because the owning transaction rolled back) and
// recomputes the overlay for that key from whatever non-terminal
// transactions still contribute to it.
func (c *Collection) RevertMutation(t *txn.Transaction, m types.Mutation) error {
	c.mu.Lock()
	if byTxn, ok := c.contribs[m.Key]; ok {
		delete(byTxn, t.ID())
		if len(byTxn) == 0 {
			delete(c.contribs, m.Key)
		}
	}
	events := c.recomputeKeysLocked([]types.Key{m.Key})
	c.mu.Unlock()

	c.emit(events)
	return nil
}

// recomputeKeysLocked rebuilds the overlay entry for each key in keys
// by replaying every non-terminal transaction's contribution, plus any
// completed transaction whose key the synced base has not yet
// confirmed (see dropTerminalContributionsLocked), in creation order
// (last write wins, matching mutate-in-order semantics), diffing
// against the previous overlay value to produce change events.
// Callers must hold c.mu.
func (c *Collection) recomputeKeysLocked(keys []types.Key) []types.ChangeEvent {
	var events []types.ChangeEvent
	seen := map[types.Key]bool{}
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true

		prevValue, prevVisible := c.visibleLocked(key)

		byTxn := c.contribs[key]
		var live []contribution
		for _, contrib := range byTxn {
			switch {
			case !contrib.txn.State().Terminal():
				live = append(live, contrib)
			case contrib.txn.State() == types.TxCompleted && !c.baseHasLocked(key):
				live = append(live, contrib)
			}
		}
		sort.Slice(live, func(i, j int) bool { return live[i].txn.Before(live[j].txn) })

		delete(c.overlay, key)
		delete(c.overlayDeleted, key)
		for _, contrib := range live {
			applyContribution(c.overlay, c.overlayDeleted, key, contrib.mutation)
		}
		if c.pendingSyncQueued() && !c.userTriggered() {
			// Per the optimistic-recompute algorithm, batch instead of
			// emitting while a sync commit is queued; the next
			// commitPendingTransactions pass folds these keys into its
			// own event batch.
			continue
		}
		if c.recentlySyncedKeys[key] && !c.userTriggered() {
			// Sync just settled this key; don't let an engine-triggered
			// recompute (e.g. the Touch() that follows a transaction
			// reaching completed) emit a second event for it before the
			// set is cleared at the start of the next commit.
			continue
		}

		newValue, newVisible := c.visibleLocked(key)
		if ev, changed := diffVisible(key, prevValue, prevVisible, newValue, newVisible); changed {
			events = append(events, ev)
		}
	}
	return events
}

// applyContribution layers one transaction's mutation for key onto the
// working overlay maps.
func applyContribution(overlay map[types.Key]types.Row, deleted map[types.Key]bool, key types.Key, m types.Mutation) {
	switch m.Type {
	case types.MutationDelete:
		deleted[key] = true
		delete(overlay, key)
	case types.MutationInsert:
		delete(deleted, key)
		overlay[key] = m.Modified
	case types.MutationUpdate:
		delete(deleted, key)
		overlay[key] = m.Modified
	}
}

// pendingSyncQueued reports whether any sync transaction is currently
// queued awaiting commit. Callers must hold c.mu.
func (c *Collection) pendingSyncQueued() bool {
	return len(c.pendingSync) > 0
}

// userTriggered is a seam for a future direct-mutation API (onInsert
// etc.) to force immediate emission even while sync is queued; today
// every recompute goes through the transaction manager, so it is
// always false.
func (c *Collection) userTriggered() bool { return false }

func diffVisible(key types.Key, prevValue types.Row, prevVisible bool, newValue types.Row, newVisible bool) (types.ChangeEvent, bool) {
	switch {
	case !prevVisible && newVisible:
		return types.ChangeEvent{Type: types.Insert, Key: key, Value: newValue}, true
	case prevVisible && !newVisible:
		return types.ChangeEvent{Type: types.Delete, Key: key, Value: prevValue}, true
	case prevVisible && newVisible:
		if !rowsEqual(prevValue, newValue) {
			return types.ChangeEvent{Type: types.Update, Key: key, Value: newValue, PreviousValue: prevValue}, true
		}
	}
	return types.ChangeEvent{}, false
}
