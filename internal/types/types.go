// Package types holds the data-model vocabulary shared across tidepool's
// components: rows, keys, change events, mutations and transactions, and
// the collection lifecycle state machine.
package types

import (
	"fmt"
	"time"
)

// Row is an arbitrary application entity. tidepool does not constrain
// row shape beyond requiring a stable key extractor; rows are most
// commonly map[string]any or a struct reachable via reflection, see
// internal/expr for path-based field access.
type Row = any

// Key identifies a Row within a single Collection. Global uniqueness
// across collections is obtained by pairing a Key with a collection ID
// (see GlobalKey).
type Key = string

// GlobalKey returns collectionID + "/" + key, used to correlate
// mutations against the same logical entity across the transaction
// manager's merge table.
func GlobalKey(collectionID string, key Key) string {
	return collectionID + "/" + key
}

// ChangeType discriminates a ChangeEvent.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is one entry in a change list delivered to subscribers.
// Insert never carries PreviousValue; Update
// always carries both Value and PreviousValue; Delete carries the last
// visible Value and no PreviousValue.
type ChangeEvent struct {
	Type          ChangeType
	Key           Key
	Value         Row
	PreviousValue Row
}

// Validate checks the change-event invariant described above.
func (c ChangeEvent) Validate() error {
	switch c.Type {
	case Insert:
		if c.PreviousValue != nil {
			return fmt.Errorf("types: insert event for key %v carries a previous value", c.Key)
		}
	case Update:
		if c.Value == nil || c.PreviousValue == nil {
			return fmt.Errorf("types: update event for key %v missing value or previous value", c.Key)
		}
	case Delete:
		if c.Value == nil {
			return fmt.Errorf("types: delete event for key %v missing last visible value", c.Key)
		}
	}
	return nil
}

// Status is a Collection's lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusError
	StatusCleanedUp
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusCleanedUp:
		return "cleaned-up"
	default:
		return "unknown"
	}
}

// validStatusTransitions enumerates the permitted status graph. Ready
// is reachable only via MarkReady, enforced by the collection package
// rather than here.
var validStatusTransitions = map[Status]map[Status]bool{
	StatusIdle:       {StatusLoading: true, StatusError: true, StatusCleanedUp: true},
	StatusLoading:    {StatusReady: true, StatusError: true, StatusCleanedUp: true},
	StatusReady:      {StatusError: true, StatusCleanedUp: true},
	StatusError:      {StatusIdle: true, StatusCleanedUp: true},
	StatusCleanedUp:  {StatusLoading: true, StatusError: true},
}

// CanTransition reports whether from->to is a permitted lifecycle edge.
func CanTransition(from, to Status) bool {
	return validStatusTransitions[from][to]
}

// MutationType discriminates a Mutation.
type MutationType int

const (
	MutationInsert MutationType = iota
	MutationUpdate
	MutationDelete
)

func (t MutationType) String() string {
	switch t {
	case MutationInsert:
		return "insert"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is a single user-intent edit, queued on a Transaction until
// commit. GlobalKey ties mutations on the same logical entity together
// across collections for the merge table, tracked by internal/txn's merge table.
type Mutation struct {
	MutationID    string
	GlobalKey     string
	Key           Key
	Type          MutationType
	Original      Row
	Modified      Row
	Changes       map[string]any
	Metadata      map[string]any
	SyncMetadata  any
	Optimistic    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CollectionRef string // collection ID; weak by convention, see internal/txn.CollectionHandle
}

// TransactionState is a Transaction's lifecycle state.
type TransactionState int

const (
	TxPending TransactionState = iota
	TxPersisting
	TxCompleted
	TxFailed
)

func (s TransactionState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxPersisting:
		return "persisting"
	case TxCompleted:
		return "completed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal transaction state.
func (s TransactionState) Terminal() bool {
	return s == TxCompleted || s == TxFailed
}

// RowUpdateMode controls how a sync "update" operation is applied to
// the synced base: merged into the existing row (partial) or used to
// replace it outright (full).
type RowUpdateMode int

const (
	RowUpdatePartial RowUpdateMode = iota
	RowUpdateFull
)

// SyncOpType discriminates a pending sync transaction's buffered
// operations.
type SyncOpType int

const (
	SyncInsert SyncOpType = iota
	SyncUpdate
	SyncDelete
)

// SyncOp is one buffered operation inside a pending sync transaction.
type SyncOp struct {
	Type     SyncOpType
	Key      Key
	Value    Row
	Metadata any
}

// SubscriptionStatus is a Subscription's loading state: ready for the
// common case, loadingSubset while an ordered snapshot is waiting on a
// remote loadSubset round trip to fill its window.
type SubscriptionStatus int

const (
	SubReady SubscriptionStatus = iota
	SubLoadingSubset
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubReady:
		return "ready"
	case SubLoadingSubset:
		return "loadingSubset"
	default:
		return "unknown"
	}
}
