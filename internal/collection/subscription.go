package collection

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/tidepooldb/tidepool/internal/types"
)

// Subscription delivers a filtered, deduplicated slice of the
// collection's change stream to one observer: rows that fail filter
// are never delivered as inserts, a row that stops passing filter is
// delivered as a synthetic delete, and a row that starts passing is
// delivered as a synthetic insert rather than the raw update that
// crossed the boundary.
type Subscription struct {
	id       int64
	c        *Collection
	filter   func(types.Row) bool
	onChange func([]types.ChangeEvent)

	mu        sync.Mutex
	sentKeys  map[types.Key]bool
	live      bool
	status    types.SubscriptionStatus
	inFlight  int
	statusSub []func(types.SubscriptionStatus)
}

// Status reports whether the subscription is idle (ready) or waiting
// on an ordered snapshot's remote loadSubset round trip
// (loadingSubset).
func (s *Subscription) Status() types.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatusChange registers fn to be called, synchronously, every time
// the subscription's status flips. Used by a live query's setWindow to
// await the loadingSubset:change -> :end pair an ordered snapshot
// produces instead of assuming the window filled synchronously.
func (s *Subscription) OnStatusChange(fn func(types.SubscriptionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusSub = append(s.statusSub, fn)
}

func (s *Subscription) setStatus(status types.SubscriptionStatus) {
	s.mu.Lock()
	s.status = status
	subs := make([]func(types.SubscriptionStatus), len(s.statusSub))
	copy(subs, s.statusSub)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// Subscribe registers a new observer. filter may be nil to receive
// every visible row. The subscription does not deliver the current
// state on its own; call RequestSnapshot for that.
func (c *Collection) Subscribe(onChange func([]types.ChangeEvent), filter func(types.Row) bool) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &Subscription{
		id:       c.nextID,
		c:        c,
		filter:   filter,
		onChange: onChange,
		sentKeys: map[types.Key]bool{},
		live:     true,
		status:   types.SubReady,
	}
	c.subs = append(c.subs, sub)
	return sub
}

// Unsubscribe detaches the subscription; it receives no further events.
func (s *Subscription) Unsubscribe() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.mu.Lock()
	s.live = false
	s.mu.Unlock()
	for i, sub := range s.c.subs {
		if sub == s {
			s.c.subs = append(s.c.subs[:i], s.c.subs[i+1:]...)
			break
		}
	}
}

// SnapshotOptions tunes RequestSnapshot. RequiredIndexField names the
// field the caller's filter is known to need indexed; when set and
// OptimizedOnly is true, RequestSnapshot declines (returns false)
// rather than fall back to a full scan when the collection has no
// index over that field yet.
type SnapshotOptions struct {
	OptimizedOnly      bool
	RequiredIndexField string
}

// RequestSnapshot delivers the collection's current visible state,
// filtered, as a batch of insert events; used to seed a subscriber
// that attaches after the collection already has data. Returns false,
// delivering nothing, only when opts requests OptimizedOnly and no
// index can satisfy RequiredIndexField.
func (s *Subscription) RequestSnapshot(opts ...SnapshotOptions) bool {
	var opt SnapshotOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.OptimizedOnly && opt.RequiredIndexField != "" {
		if _, ok := s.c.Index(opt.RequiredIndexField); !ok {
			return false
		}
	}

	s.c.mu.RLock()
	keys := s.c.visibleKeysLocked()
	var events []types.ChangeEvent
	s.mu.Lock()
	for _, key := range keys {
		value, _ := s.c.visibleLocked(key)
		if s.filter != nil && !s.filter(value) {
			continue
		}
		events = append(events, types.ChangeEvent{Type: types.Insert, Key: key, Value: value})
		s.sentKeys[key] = true
	}
	s.mu.Unlock()
	s.c.mu.RUnlock()
	if len(events) > 0 {
		s.onChange(events)
	}
	return true
}

// WindowOptions describes an ordered, windowed snapshot request:
// deliver up to Limit rows ordered by OrderByField's index, resuming
// strictly after MinValue (nil to start from the smallest indexed
// value), falling back to the collection's remote LoadSubset hook for
// any rows the local index can't supply.
type WindowOptions struct {
	OrderByField string
	Limit        int
	MinValue     any
}

// RequestOrderedSnapshot loads up to opts.Limit rows ordered by
// opts.OrderByField via the collection's B+ index
// ("Ordered/windowed snapshot"): it walks the index with Take,
// and if the index depletes the window before Limit rows pass the
// subscription's filter, pages the remainder through the collection's
// sync adapter via LoadSubset, using the largest observed order-by
// value as the next cursor. While a remote page is in flight the
// subscription's status flips to loadingSubset and back, so a caller
// like a live query's setWindow can await the transition instead of
// assuming the window filled synchronously.
func (s *Subscription) RequestOrderedSnapshot(ctx context.Context, opts WindowOptions) error {
	idx, ok := s.c.Index(opts.OrderByField)
	if !ok {
		return fmt.Errorf("collection %s: no index over %q for ordered snapshot", s.c.id, opts.OrderByField)
	}

	passesFilter := func(key types.Key) bool {
		v, ok := s.c.Get(key)
		if !ok {
			return false
		}
		return s.filter == nil || s.filter(v)
	}

	var fromValue *any
	if opts.MinValue != nil {
		v := opts.MinValue
		fromValue = &v
	}
	keys := idx.Take(opts.Limit, fromValue, passesFilter)
	events := s.collectInsertEvents(keys)

	if len(keys) < opts.Limit && s.c.loadSubset != nil {
		cursor := opts.MinValue
		if len(keys) > 0 {
			if v, ok := fieldValue(mustGet(s.c, keys[len(keys)-1]), opts.OrderByField); ok {
				cursor = v
			}
		}

		s.mu.Lock()
		s.inFlight++
		s.mu.Unlock()
		s.setStatus(types.SubLoadingSubset)

		err := s.c.loadSubsetRemote(ctx, LoadSubsetParams{
			Where:   s.filter,
			OrderBy: opts.OrderByField,
			Limit:   opts.Limit - len(keys),
			Cursor:  cursor,
		})

		s.mu.Lock()
		s.inFlight--
		done := s.inFlight == 0
		s.mu.Unlock()
		if done {
			s.setStatus(types.SubReady)
		}
		if err != nil {
			return err
		}

		more := idx.Take(opts.Limit-len(keys), &cursor, passesFilter)
		events = append(events, s.collectInsertEvents(more)...)
	}

	if len(events) > 0 {
		s.onChange(events)
	}
	return nil
}

// collectInsertEvents turns keys newly seen by this subscription into
// insert events, recording them sent; already-sent keys are skipped.
func (s *Subscription) collectInsertEvents(keys []types.Key) []types.ChangeEvent {
	var events []types.ChangeEvent
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if s.sentKeys[key] {
			continue
		}
		value, ok := s.c.Get(key)
		if !ok {
			continue
		}
		events = append(events, types.ChangeEvent{Type: types.Insert, Key: key, Value: value})
		s.sentKeys[key] = true
	}
	return events
}

// mustGet is a small Get wrapper for callers that already know key is
// visible (it was just returned by the collection's own index).
func mustGet(c *Collection, key types.Key) types.Row {
	v, _ := c.Get(key)
	return v
}

// deliver applies the filter-crossing translation described on
// Subscription to a raw change batch and forwards the result, if
// non-empty, to onChange.
func (s *Subscription) deliver(events []types.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return
	}

	var out []types.ChangeEvent
	for _, ev := range events {
		passes := s.filter == nil || s.filter(ev.Value)
		wasSent := s.sentKeys[ev.Key]

		switch {
		case ev.Type == types.Delete:
			if wasSent {
				out = append(out, ev)
				delete(s.sentKeys, ev.Key)
			}
		case !passes:
			if wasSent {
				out = append(out, types.ChangeEvent{Type: types.Delete, Key: ev.Key, Value: ev.PreviousValue})
				delete(s.sentKeys, ev.Key)
			}
		case !wasSent:
			out = append(out, types.ChangeEvent{Type: types.Insert, Key: ev.Key, Value: ev.Value})
			s.sentKeys[ev.Key] = true
		default:
			out = append(out, ev)
		}
	}
	if len(out) > 0 {
		s.onChange(out)
	}
}

// emit fans a raw change batch out to every live subscription.
func (c *Collection) emit(events []types.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.RLock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()
	for _, s := range subs {
		s.deliver(events)
	}
}

// rowsEqual reports whether two rows are deeply equivalent, used to
// suppress redundant change events when a sync commit or optimistic
// recompute reproduces the value already visible.
func rowsEqual(a, b types.Row) bool {
	return reflect.DeepEqual(a, b)
}
