// Package collection implements the collection state engine: a synced
// base plus an optimistic overlay contributed by in-flight
// transactions, reconciled through a single commit critical section
// and delivered to subscribers as a minimal, non-redundant change
// stream. Grounded on internal/storage/ephemeral/store.go's
// mutex-guarded single-writer shape and internal/storage/ephemeral/transaction.go's
// run-fn-then-commit-or-rollback idiom, generalized from a SQLite
// table to an in-memory synced-base/overlay pair.
package collection

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidepooldb/tidepool/internal/index"
	"github.com/tidepooldb/tidepool/internal/txn"
	"github.com/tidepooldb/tidepool/internal/types"
)

var (
	tracer        = otel.Tracer("tidepool/collection")
	commitLatency metric.Float64Histogram
)

func init() {
	meter := otel.GetMeterProvider().Meter("tidepool/collection")
	h, err := meter.Float64Histogram("tidepool.collection.sync_commit_seconds",
		metric.WithDescription("wall time spent in one commitPendingTransactions pass"))
	if err == nil {
		commitLatency = h
	}
}

// LoadSubsetParams describes a windowed range a subscription could not
// satisfy from its local index and is asking the sync adapter to load
// remotely: the compiled where-filter, the order-by field the window
// is keyed on, how many more rows are needed, and the cursor (the
// largest order-by value already seen locally, nil on the first page).
type LoadSubsetParams struct {
	Where   func(types.Row) bool
	OrderBy string
	Limit   int
	Cursor  any
}

// SyncConfig configures how a Collection receives authoritative
// updates. Sync is invoked once per StartSync and returns a cleanup
// function invoked on CleanUp.
type SyncConfig struct {
	Sync            func(ctx context.Context, h *SyncHandle) (cleanup func(), err error)
	RowUpdateMode   types.RowUpdateMode
	GetSyncMetadata func(row types.Row) any

	// SyncMode is "eager" (default, the whole collection loads on
	// StartSync) or "on-demand", which requires LoadSubset: a
	// subscription's ordered snapshot then pages the remote source
	// through LoadSubset instead of assuming the full range already
	// loaded locally.
	SyncMode   string
	LoadSubset func(ctx context.Context, params LoadSubsetParams) ([]types.Row, error)
}

// Config is the set of options recognized when constructing a Collection.
type Config struct {
	ID         string
	GetKey     func(row types.Row) types.Key
	Sync       SyncConfig
	AutoIndex  string // "eager" (default) or "off"
	GCTime     time.Duration
	OnInsert   func(ctx context.Context, row types.Row) error
	OnUpdate   func(ctx context.Context, key types.Key, changes map[string]any) error
	OnDelete   func(ctx context.Context, key types.Key) error
}

type contribution struct {
	txn      *txn.Transaction
	mutation types.Mutation
}

// Collection is a keyed set of entities backed by a synced base and an
// optimistic overlay. Synced base, overlay, and the transaction
// contribution set are owned exclusively by the Collection.
type Collection struct {
	mu sync.RWMutex

	id            string
	getKey        func(row types.Row) types.Key
	rowUpdateMode types.RowUpdateMode
	onInsert      func(ctx context.Context, row types.Row) error
	onUpdate      func(ctx context.Context, key types.Key, changes map[string]any) error
	onDelete      func(ctx context.Context, key types.Key) error

	syncMode   string
	loadSubset func(ctx context.Context, params LoadSubsetParams) ([]types.Row, error)

	base     map[types.Key]types.Row
	baseMeta map[types.Key]any

	contribs map[types.Key]map[string]contribution

	overlay        map[types.Key]types.Row
	overlayDeleted map[types.Key]bool

	status types.Status

	subs   []*Subscription
	nextID int64

	pendingSync        []*syncTransaction
	isCommittingSync   bool
	recentlySyncedKeys map[types.Key]bool

	autoIndexPolicy *index.Policy
	indexes         map[string]*index.Index[any]

	manager *txn.Manager

	gcTime    time.Duration
	cleanupFn func()
}

// New builds a Collection in the idle state. When manager is non-nil,
// New registers the Collection with it (manager.RegisterCollection) so
// mutations can target it; with a nil manager, mutations are rejected.
func New(cfg Config, manager *txn.Manager) *Collection {
	gc := cfg.GCTime
	if gc == 0 {
		gc = 300 * time.Second
	}
	mode := cfg.AutoIndex
	if mode == "" {
		mode = "eager"
	}
	syncMode := cfg.Sync.SyncMode
	if syncMode == "" {
		syncMode = "eager"
	}

	c := &Collection{
		id:                 cfg.ID,
		getKey:             cfg.GetKey,
		rowUpdateMode:      cfg.Sync.RowUpdateMode,
		onInsert:           cfg.OnInsert,
		onUpdate:           cfg.OnUpdate,
		onDelete:           cfg.OnDelete,
		syncMode:           syncMode,
		loadSubset:         cfg.Sync.LoadSubset,
		base:               map[types.Key]types.Row{},
		baseMeta:           map[types.Key]any{},
		contribs:           map[types.Key]map[string]contribution{},
		overlay:            map[types.Key]types.Row{},
		overlayDeleted:     map[types.Key]bool{},
		status:             types.StatusIdle,
		recentlySyncedKeys: map[types.Key]bool{},
		indexes:            map[string]*index.Index[any]{},
		manager:            manager,
		gcTime:             gc,
	}
	c.autoIndexPolicy = index.NewPolicy(mode, func(fieldPath string) {
		c.ensureIndex(fieldPath)
	})
	if manager != nil {
		manager.RegisterCollection(c)
	}
	return c
}

// ID returns the collection's stable identity.
func (c *Collection) ID() string { return c.id }

// Status returns the collection's current lifecycle state.
func (c *Collection) Status() types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// transition moves the collection to to, returning IllegalStatusTransition
// if the edge is not permitted. Callers must hold c.mu.
func (c *Collection) transition(to types.Status) error {
	if !types.CanTransition(c.status, to) {
		return errKind(IllegalStatusTransition, c.status.String()+"->"+to.String())
	}
	c.status = to
	return nil
}

// Get returns the visible value for key: the overlay's contribution if
// one exists (including an explicit delete, reported via ok=false),
// otherwise the synced base.
func (c *Collection) Get(key types.Key) (types.Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibleLocked(key)
}

func (c *Collection) visibleLocked(key types.Key) (types.Row, bool) {
	if c.overlayDeleted[key] {
		return nil, false
	}
	if v, ok := c.overlay[key]; ok {
		return v, true
	}
	v, ok := c.base[key]
	return v, ok
}

// Has reports whether key is currently visible.
func (c *Collection) Has(key types.Key) bool {
	_, ok := c.Get(key)
	return ok
}

// Size returns the number of currently visible keys.
func (c *Collection) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.visibleKeysLocked())
}

func (c *Collection) visibleKeysLocked() []types.Key {
	seen := map[types.Key]bool{}
	var out []types.Key
	for k := range c.base {
		if c.overlayDeleted[k] {
			continue
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k, deleted := range c.overlayDeleted {
		if deleted {
			continue
		}
		if _, inBase := c.base[k]; inBase {
			continue
		}
		if _, inOverlay := c.overlay[k]; inOverlay && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range c.overlay {
		if c.overlayDeleted[k] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Keys returns every currently visible key, in no particular order.
func (c *Collection) Keys() []types.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibleKeysLocked()
}

// Entries returns every currently visible (key, row) pair.
func (c *Collection) Entries() map[types.Key]types.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.Key]types.Row, len(c.base)+len(c.overlay))
	for _, k := range c.visibleKeysLocked() {
		v, _ := c.visibleLocked(k)
		out[k] = v
	}
	return out
}

// MarkReady transitions the collection to ready, idempotently: callers
// (truncate, first sync commit) may call this repeatedly. Ready is
// reachable from any state but cleaned-up, a looser edge than
// CanTransition's table allows for other states, so this bypasses
// transition() rather than going through it.
func (c *Collection) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markReadyLocked()
}

func (c *Collection) markReadyLocked() {
	if c.status == types.StatusReady || c.status == types.StatusCleanedUp {
		return
	}
	c.status = types.StatusReady
}

// MarkError transitions the collection to error, used when sync
// startup fails or a source this collection derives from (a
// live-query's upstream) enters error.
func (c *Collection) MarkError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(types.StatusError)
}

// CleanUp releases indexes, subscriptions, and overlay state, moving
// the collection to cleaned-up. Safe to call from idle, ready, or error.
func (c *Collection) CleanUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(types.StatusCleanedUp); err != nil {
		return err
	}
	c.subs = nil
	c.indexes = map[string]*index.Index[any]{}
	c.overlay = map[types.Key]types.Row{}
	c.overlayDeleted = map[types.Key]bool{}
	c.contribs = map[types.Key]map[string]contribution{}
	if c.manager != nil {
		c.manager.UnregisterCollection(c.id)
	}
	if c.cleanupFn != nil {
		c.cleanupFn()
	}
	return nil
}

// Touch is the CollectionHandle hook the transaction manager calls
// after invoking a commit's mutationFn (success or failure) so the
// collection can drop contributions from transactions that have since
// become terminal and recompute its overlay.
func (c *Collection) Touch() {
	start := time.Now()
	_, span := tracer.Start(context.Background(), "collection.Touch")
	defer span.End()

	c.mu.Lock()
	events := c.dropTerminalContributionsLocked()
	c.mu.Unlock()

	c.emit(events)
	if commitLatency != nil {
		commitLatency.Record(context.Background(), time.Since(start).Seconds())
	}
}

// dropTerminalContributionsLocked removes every contribution whose
// owning transaction has reached a terminal state, recomputing the
// overlay for any key that changed as a result. A completed (not
// failed) transaction's contribution to a key the synced base has
// never confirmed is left pinned rather than dropped: removing it here
// would make the row vanish and reappear once sync finally catches up,
// firing a spurious delete/insert pair. The pin is released once
// commitPendingTransactions applies an authoritative write for that
// key (baseHasLocked becomes true), at which point the ordinary
// terminal-contribution cleanup on the next Touch finally clears it.
// Callers must hold c.mu.
func (c *Collection) dropTerminalContributionsLocked() []types.ChangeEvent {
	var touched []types.Key
	for key, byTxn := range c.contribs {
		for id, contrib := range byTxn {
			if !contrib.txn.State().Terminal() {
				continue
			}
			if contrib.txn.State() == types.TxCompleted && !c.baseHasLocked(key) {
				continue
			}
			delete(byTxn, id)
			touched = append(touched, key)
		}
		if len(byTxn) == 0 {
			delete(c.contribs, key)
		}
	}
	return c.recomputeKeysLocked(touched)
}

// baseHasLocked reports whether the synced base already carries an
// authoritative value for key. Callers must hold c.mu.
func (c *Collection) baseHasLocked(key types.Key) bool {
	_, ok := c.base[key]
	return ok
}
