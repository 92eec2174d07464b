package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tidepooldb/tidepool/internal/types"
)

// syncTransaction buffers the writes a sync adapter makes between
// begin() and commit(), applied to the synced base atomically once
// committed.
type syncTransaction struct {
	ops       []types.SyncOp
	committed bool
	truncate  bool
	// optimisticSnapshot, captured only for a truncate transaction, is
	// the overlay state at the moment truncate() was called, restored
	// after the base is cleared so in-flight optimistic writes survive
	// an authoritative reset.
	optimisticSnapshot map[types.Key]types.Row
	snapshotDeleted    map[types.Key]bool
}

// SyncHandle is the surface a Collection's Sync function drives:
// begin/write/commit buffer one authoritative transaction; truncate
// starts a full-reset transaction; markReady flips the collection
// ready immediately, for adapters that have nothing to commit yet but
// know there is nothing to wait for.
type SyncHandle struct {
	c *Collection
}

// Begin starts a new pending sync transaction and returns its handle
// for Write/Commit.
func (h *SyncHandle) Begin() *SyncTxnHandle {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	st := &syncTransaction{}
	h.c.pendingSync = append(h.c.pendingSync, st)
	return &SyncTxnHandle{c: h.c, st: st}
}

// Truncate starts a full-reset transaction, capturing the current
// overlay so in-flight optimistic writes are restored after the reset.
func (h *SyncHandle) Truncate() *SyncTxnHandle {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	st := &syncTransaction{truncate: true}
	st.optimisticSnapshot = make(map[types.Key]types.Row, len(h.c.overlay))
	for k, v := range h.c.overlay {
		st.optimisticSnapshot[k] = v
	}
	st.snapshotDeleted = make(map[types.Key]bool, len(h.c.overlayDeleted))
	for k, v := range h.c.overlayDeleted {
		st.snapshotDeleted[k] = v
	}
	h.c.pendingSync = append(h.c.pendingSync, st)
	return &SyncTxnHandle{c: h.c, st: st}
}

// MarkReady transitions the collection to ready outside of any
// committed sync transaction, for adapters whose first sync is a no-op.
func (h *SyncHandle) MarkReady() { h.c.MarkReady() }

// SyncTxnHandle is a single pending sync transaction's write/commit surface.
type SyncTxnHandle struct {
	c  *Collection
	st *syncTransaction
}

// Write appends one buffered operation. Returns NoPendingSyncTransactionWrite
// if the transaction already committed.
func (h *SyncTxnHandle) Write(op types.SyncOp) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.st.committed {
		return errKind(NoPendingSyncTransactionWrite, "transaction already committed")
	}
	h.st.ops = append(h.st.ops, op)
	return nil
}

// Commit marks the transaction committed and runs commitPendingTransactions.
func (h *SyncTxnHandle) Commit() error {
	h.c.mu.Lock()
	if h.st.committed {
		h.c.mu.Unlock()
		return errKind(SyncTransactionAlreadyCommitted, "")
	}
	h.st.committed = true
	h.c.mu.Unlock()
	return h.c.commitPendingTransactions()
}

// commitPendingTransactions is the sync-commit critical section: unless
// a committed truncate is queued, it holds off while any contributing
// transaction is persisting; otherwise it applies every committed sync
// transaction to the synced base in order, re-layers the overlay, and
// emits at most one event per changed key before updating indexes.
func (c *Collection) commitPendingTransactions() error {
	start := time.Now()
	_, span := tracer.Start(context.Background(), "collection.commitPendingTransactions")
	defer span.End()

	c.mu.Lock()

	// recentlySyncedKeys from the previous commit pass has already done
	// its job of suppressing any engine-triggered recompute that landed
	// between that pass and this one; clear it before this pass records
	// its own keys (per the "clear on the next tick" step of the
	// optimistic-recompute algorithm).
	c.recentlySyncedKeys = map[types.Key]bool{}

	anyTruncate := false
	for _, st := range c.pendingSync {
		if st.committed && st.truncate {
			anyTruncate = true
		}
	}
	if !anyTruncate && c.anyTransactionPersistingLocked() {
		c.mu.Unlock()
		return nil
	}

	var committed, uncommitted []*syncTransaction
	for _, st := range c.pendingSync {
		if st.committed {
			committed = append(committed, st)
		} else {
			uncommitted = append(uncommitted, st)
		}
	}
	c.pendingSync = uncommitted

	if len(committed) == 0 {
		c.mu.Unlock()
		return nil
	}

	c.isCommittingSync = true

	changedKeys := map[types.Key]bool{}
	preSyncVisible := map[types.Key]types.Row{}
	preSyncExisted := map[types.Key]bool{}
	snapshotPre := func(key types.Key) {
		if _, done := preSyncVisible[key]; done {
			return
		}
		v, ok := c.visibleLocked(key)
		preSyncVisible[key] = v
		preSyncExisted[key] = ok
	}

	firstTruncate := false
	for _, st := range committed {
		if st.truncate {
			firstTruncate = true
			for k := range c.base {
				snapshotPre(k)
				changedKeys[k] = true
			}
			c.base = map[types.Key]types.Row{}
			c.baseMeta = map[types.Key]any{}
			c.overlay = map[types.Key]types.Row{}
			c.overlayDeleted = map[types.Key]bool{}
			for k, v := range st.optimisticSnapshot {
				c.overlay[k] = v
				changedKeys[k] = true
			}
			for k, v := range st.snapshotDeleted {
				c.overlayDeleted[k] = v
			}
			continue
		}
		for _, op := range st.ops {
			snapshotPre(op.Key)
			changedKeys[op.Key] = true
			switch op.Type {
			case types.SyncInsert:
				c.base[op.Key] = op.Value
				c.baseMeta[op.Key] = op.Metadata
			case types.SyncUpdate:
				if c.rowUpdateMode == types.RowUpdateFull {
					c.base[op.Key] = op.Value
				} else {
					c.base[op.Key] = mergeRow(c.base[op.Key], op.Value)
				}
				c.baseMeta[op.Key] = op.Metadata
			case types.SyncDelete:
				delete(c.base, op.Key)
				delete(c.baseMeta, op.Key)
			}
		}
	}

	var touchedContribKeys []types.Key
	for k := range c.contribs {
		touchedContribKeys = append(touchedContribKeys, k)
	}
	c.recomputeKeysLocked(touchedContribKeys) // silent: sync is queued for every key we care about below

	var events []types.ChangeEvent
	for key := range changedKeys {
		newValue, newVisible := c.visibleLocked(key)
		prevValue, prevVisible := preSyncVisible[key], preSyncExisted[key]
		if ev, changed := diffVisible(key, prevValue, prevVisible, newValue, newVisible); changed {
			events = append(events, ev)
			c.recentlySyncedKeys[key] = true
		}
	}

	c.isCommittingSync = false
	if firstTruncate || c.status == types.StatusIdle || c.status == types.StatusLoading {
		c.markReadyLocked()
	}
	c.mu.Unlock()

	c.emit(events)
	c.updateIndexes(events)

	if commitLatency != nil {
		commitLatency.Record(context.Background(), time.Since(start).Seconds())
	}

	if len(uncommitted) == 0 {
		return nil
	}
	return nil
}

// anyTransactionPersistingLocked reports whether any transaction
// contributing to this collection is currently persisting. Callers
// must hold c.mu.
func (c *Collection) anyTransactionPersistingLocked() bool {
	for _, byTxn := range c.contribs {
		for _, contrib := range byTxn {
			if contrib.txn.State() == types.TxPersisting {
				return true
			}
		}
	}
	return false
}

func mergeRow(existing, incoming types.Row) types.Row {
	em, eok := existing.(map[string]any)
	im, iok := incoming.(map[string]any)
	if !eok || !iok {
		return incoming
	}
	out := make(map[string]any, len(em)+len(im))
	for k, v := range em {
		out[k] = v
	}
	for k, v := range im {
		out[k] = v
	}
	return out
}

// loadSubsetRemote asks the collection's LoadSubset hook for the next
// page of an ordered window and applies the rows it returns as one
// committed sync transaction, the same begin/write/commit path
// StartSync's initial seed uses. A nil LoadSubset hook (syncMode
// "eager", no on-demand paging configured) is a no-op.
func (c *Collection) loadSubsetRemote(ctx context.Context, params LoadSubsetParams) error {
	if c.loadSubset == nil {
		return nil
	}
	rows, err := c.loadSubset(ctx, params)
	if err != nil {
		return fmt.Errorf("collection %s: loadSubset: %w", c.id, err)
	}
	if len(rows) == 0 {
		return nil
	}
	h := &SyncHandle{c: c}
	stx := h.Begin()
	for _, row := range rows {
		key := c.getKey(row)
		if err := stx.Write(types.SyncOp{Type: types.SyncUpdate, Key: key, Value: row}); err != nil {
			return err
		}
	}
	return stx.Commit()
}

// StartSync invokes cfg.Sync with retry via an exponential backoff,
// grounded on the ambient retry policy internal/collection's sync
// adapter boundary needs against a flaky external source. Failure
// after the backoff's max elapsed time transitions the collection to
// error.
func (c *Collection) StartSync(ctx context.Context, cfg SyncConfig) error {
	c.mu.Lock()
	if err := c.transition(types.StatusLoading); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	handle := &SyncHandle{c: c}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var cleanup func()
	err := backoff.Retry(func() error {
		cu, err := cfg.Sync(ctx, handle)
		if err != nil {
			return err
		}
		cleanup = cu
		return nil
	}, policy)

	if err != nil {
		c.mu.Lock()
		_ = c.transition(types.StatusError)
		c.mu.Unlock()
		return fmt.Errorf("collection %s: sync start failed: %w", c.id, err)
	}

	if cleanup != nil {
		c.cleanupFn = cleanup
	}
	return nil
}
