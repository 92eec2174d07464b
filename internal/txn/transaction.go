// Package txn implements the transaction manager: an ambient
// mutate(fn) stack, the mutation-merge table collapsing same-key
// writes within one transaction, commit/rollback with a cascading
// rollback across overlapping in-flight transactions, and a
// transaction-scoped dependency scheduler for coalescing work that
// should run at most once per transaction.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidepooldb/tidepool/internal/types"
)

// Transaction tracks one mutate() call's lifecycle and mutation set.
// State moves pending -> persisting -> {completed, failed}; rollback
// of a non-completed transaction moves it to failed.
type Transaction struct {
	mu sync.Mutex

	id             string
	state          types.TransactionState
	mutations      []types.Mutation
	createdAt      time.Time
	sequenceNumber int64
	autoCommit     bool
	mutationFn     func(ctx context.Context) error
	err            error

	persistedDone chan struct{}
	persistedErr  error

	scheduler *Scheduler
}

// newTransaction builds a pending transaction. seq is assigned by the
// Manager issuing it, giving transactions a total order of
// (createdAt, sequenceNumber) even when createdAt ties.
func newTransaction(seq int64, autoCommit bool, mutationFn func(ctx context.Context) error) *Transaction {
	return &Transaction{
		id:            uuid.NewString(),
		state:         types.TxPending,
		createdAt:     time.Now(),
		sequenceNumber: seq,
		autoCommit:    autoCommit,
		mutationFn:    mutationFn,
		persistedDone: make(chan struct{}),
		scheduler:     newScheduler(),
	}
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string { return t.id }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() types.TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Mutations returns a snapshot of the transaction's mutation list in
// application order.
func (t *Transaction) Mutations() []types.Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Mutation, len(t.mutations))
	copy(out, t.mutations)
	return out
}

// Err returns the error that caused a failed transaction, or nil.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Scheduler returns the transaction-scoped dependency scheduler used
// by jobs that should run at most once per transaction context (e.g.
// a live-query's graph.Run(), coalesced across every collection write
// the transaction makes).
func (t *Transaction) Scheduler() *Scheduler { return t.scheduler }

// IsPersisted blocks until the transaction reaches completed or
// failed, returning the commit error (nil on success). Mirrors the
// deferred isPersisted promise described in the transaction manager
// spec.
func (t *Transaction) IsPersisted(ctx context.Context) error {
	select {
	case <-t.persistedDone:
		return t.persistedErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transaction) resolvePersisted(err error) {
	t.persistedErr = err
	close(t.persistedDone)
}

// Before reports whether t orders strictly ahead of other under the
// (createdAt, sequenceNumber) total order collections use to replay
// overlay contributions in creation order.
func (t *Transaction) Before(other *Transaction) bool {
	return compareTotalOrder(t, other) < 0
}

// compareTotalOrder orders transactions by (createdAt, sequenceNumber).
func compareTotalOrder(a, b *Transaction) int {
	if a.createdAt.Before(b.createdAt) {
		return -1
	}
	if a.createdAt.After(b.createdAt) {
		return 1
	}
	switch {
	case a.sequenceNumber < b.sequenceNumber:
		return -1
	case a.sequenceNumber > b.sequenceNumber:
		return 1
	default:
		return 0
	}
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn(%s state=%s mutations=%d)", t.id, t.state, len(t.mutations))
}
