package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidepooldb/tidepool/internal/types"
)

// CollectionHandle is the narrow surface the transaction manager needs
// from a live collection to apply mutations and drive commit/rollback
// side effects. *internal/collection.Collection implements this.
type CollectionHandle interface {
	ID() string
	Status() types.Status
	ApplyMutation(t *Transaction, m types.Mutation) error
	RevertMutation(t *Transaction, m types.Mutation) error
	Touch()
}

// Manager owns the ambient transaction stack, the registry of
// in-flight transactions (for rollback-cascade scanning), and the
// collection registry transactions touch on commit/rollback.
type Manager struct {
	mu           sync.Mutex
	stack        []*Transaction
	inFlight     map[string]*transactionEntry
	collections  map[string]CollectionHandle
	seq          int64
}

type transactionEntry struct {
	txn   *Transaction
	table *mergeTable
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{
		inFlight:    map[string]*transactionEntry{},
		collections: map[string]CollectionHandle{},
	}
}

// RegisterCollection makes c visible to commit/rollback touch-backs
// and to rollback-cascade's overlap scan.
func (m *Manager) RegisterCollection(c CollectionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c.ID()] = c
}

// UnregisterCollection removes c, e.g. once it is garbage-collected.
func (m *Manager) UnregisterCollection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, id)
}

type txnCtxKey struct{}

// FromContext returns the ambient transaction attached to ctx by
// Mutate, or nil outside of one.
func FromContext(ctx context.Context) *Transaction {
	t, _ := ctx.Value(txnCtxKey{}).(*Transaction)
	return t
}

// Active returns the top of the manager's ambient transaction stack,
// for callers that mutate collections without threading a context
// (mirrors the process-wide ambient stack the transaction manager
// spec allows as an alternative to a context-scoped one).
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return nil
	}
	return m.stack[len(m.stack)-1]
}

// MutateOptions configures a Mutate call.
type MutateOptions struct {
	AutoCommit bool // commit once fn returns; the zero value leaves the transaction pending
	MutationFn func(ctx context.Context) error
}

// Mutate pushes a new transaction onto the ambient stack (both the
// context-scoped one returned to fn and the manager's process-wide
// stack Active() reads from), runs fn, pops, and — if AutoCommit — a
// commits the transaction before returning. fn's collection mutations
// must route through AddMutation using FromContext(ctx) or
// m.Active() to land on this transaction.
func (m *Manager) Mutate(ctx context.Context, opts MutateOptions, fn func(ctx context.Context) error) (*Transaction, error) {
	seq := atomic.AddInt64(&m.seq, 1)
	t := newTransaction(seq, opts.AutoCommit, opts.MutationFn)

	m.mu.Lock()
	m.stack = append(m.stack, t)
	m.inFlight[t.id] = &transactionEntry{txn: t, table: newMergeTable()}
	m.mu.Unlock()

	childCtx := context.WithValue(ctx, txnCtxKey{}, t)

	fnErr := fn(childCtx)

	m.mu.Lock()
	if n := len(m.stack); n > 0 && m.stack[n-1] == t {
		m.stack = m.stack[:n-1]
	}
	m.mu.Unlock()

	if fnErr != nil {
		t.scheduler.Clear(t.id)
		m.Rollback(t, fnErr)
		return t, fnErr
	}

	if err := t.scheduler.Flush(); err != nil {
		m.Rollback(t, err)
		return t, err
	}

	if t.autoCommit {
		if err := m.Commit(ctx, t); err != nil {
			return t, err
		}
	}
	return t, nil
}

// AddMutation merges incoming into t's scoped merge table (collapsing
// same-GlobalKey writes per the mutation-merge table), recomputes t's
// mutation list, and pushes the resulting per-key state into the
// target collection's optimistic overlay via ApplyMutation (or
// RevertMutation, if the merge annihilated the key). Transactions
// touching a collection currently in error state fail immediately.
func (m *Manager) AddMutation(t *Transaction, incoming types.Mutation) error {
	m.mu.Lock()
	coll, knownColl := m.collections[incoming.CollectionRef]
	entry, ok := m.inFlight[t.id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("txn: transaction %s is not in flight", t.id)
	}
	if knownColl && coll.Status() == types.StatusError {
		return fmt.Errorf("txn: collection %s is in error state, cannot mutate within transaction %s", incoming.CollectionRef, t.id)
	}

	t.mu.Lock()
	t.mutations = entry.table.apply(incoming)
	cur, stillLive := entry.table.current(incoming.GlobalKey)
	t.mu.Unlock()

	if !knownColl {
		return nil
	}
	if stillLive {
		return coll.ApplyMutation(t, *cur)
	}
	return coll.RevertMutation(t, incoming)
}

// Commit moves t to persisting, touches every collection it mutated
// so pending sync events flush, invokes t's mutationFn, then on
// success moves to completed, resolves IsPersisted, and touches
// collections again to clean up now-redundant optimistic events. On
// failure it captures the error, triggers Rollback, and rejects
// IsPersisted. Commit is a no-op unless t is pending.
func (m *Manager) Commit(ctx context.Context, t *Transaction) error {
	t.mu.Lock()
	if t.state != types.TxPending {
		t.mu.Unlock()
		return nil
	}
	t.state = types.TxPersisting
	mutationFn := t.mutationFn
	t.mu.Unlock()

	m.touchAffected(t)

	var commitErr error
	if mutationFn != nil {
		commitErr = mutationFn(ctx)
	}

	if commitErr != nil {
		m.Rollback(t, commitErr)
		return commitErr
	}

	t.mu.Lock()
	t.state = types.TxCompleted
	t.mu.Unlock()
	t.resolvePersisted(nil)
	m.touchAffected(t)

	m.mu.Lock()
	delete(m.inFlight, t.id)
	m.mu.Unlock()

	return nil
}

// Rollback moves t to failed (if it is not already terminal) and
// cascades: every other pending transaction whose merge table
// overlaps t's by GlobalKey is also rolled back. Secondary rollbacks
// triggered by the cascade do not themselves cascade further.
func (m *Manager) Rollback(t *Transaction, cause error) {
	m.rollback(t, cause, true)
}

func (m *Manager) rollback(t *Transaction, cause error, cascade bool) {
	t.mu.Lock()
	alreadyTerminal := t.state.Terminal()
	if !alreadyTerminal {
		t.state = types.TxFailed
		if t.err == nil {
			t.err = cause
		}
	}
	mutations := append([]types.Mutation{}, t.mutations...)
	t.mu.Unlock()

	if alreadyTerminal {
		return
	}

	for i := len(mutations) - 1; i >= 0; i-- {
		mu := mutations[i]
		m.mu.Lock()
		coll, ok := m.collections[mu.CollectionRef]
		m.mu.Unlock()
		if ok {
			_ = coll.RevertMutation(t, mu)
		}
	}

	m.mu.Lock()
	entry, ok := m.inFlight[t.id]
	delete(m.inFlight, t.id)
	touched := map[string]bool{}
	if ok {
		touched = entry.table.globalKeys()
	}
	m.mu.Unlock()

	if cascade && len(touched) > 0 {
		m.mu.Lock()
		var overlapping []*Transaction
		for id, e := range m.inFlight {
			if id == t.id {
				continue
			}
			if e.txn.State() == types.TxPending && e.table.overlaps(touched) {
				overlapping = append(overlapping, e.txn)
			}
		}
		m.mu.Unlock()

		for _, other := range overlapping {
			m.rollback(other, fmt.Errorf("txn: rolled back by overlapping transaction %s: %w", t.id, cause), false)
		}
	}

	select {
	case <-t.persistedDone:
	default:
		t.resolvePersisted(cause)
	}
}

func (m *Manager) touchAffected(t *Transaction) {
	seen := map[string]bool{}
	for _, mu := range t.Mutations() {
		if seen[mu.CollectionRef] {
			continue
		}
		seen[mu.CollectionRef] = true
		m.mu.Lock()
		coll, ok := m.collections[mu.CollectionRef]
		m.mu.Unlock()
		if ok {
			coll.Touch()
		}
	}
}
