// Package dataflow implements the single-threaded, push-driven
// multiset dataflow graph: map, filter,
// distinct, join, groupBy, orderByWithFractionalIndex, tap and output
// operators over MultiSet(Key, Value) changes with signed
// multiplicities. Each operator registers its pending work once and
// drains it in order on Run, logging side effects rather than
// propagating them as errors, the same enqueue/drain shape generalized
// from single-event dispatch to multiset diff propagation.
package dataflow

import "github.com/tidepooldb/tidepool/internal/types"

// Change is one entry of a MultiSet(Key, Value): Multiplicity is
// positive for an insert-like contribution and negative for a
// deletion; zero-multiplicity changes are never emitted.
type Change struct {
	Key          types.Key
	Value        any
	Multiplicity int
}

// Batch is a list of changes propagated through the graph in one push.
type Batch []Change

// Consumer receives a batch pushed from upstream.
type Consumer interface {
	Push(batch Batch)
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(batch Batch)

func (f ConsumerFunc) Push(batch Batch) { f(batch) }

// fanout is embedded by every operator that forwards to zero or more
// downstream consumers.
type fanout struct {
	consumers []Consumer
}

// Connect registers c to receive this operator's output.
func (f *fanout) Connect(c Consumer) { f.consumers = append(f.consumers, c) }

func (f *fanout) emit(batch Batch) {
	if len(batch) == 0 {
		return
	}
	for _, c := range f.consumers {
		c.Push(batch)
	}
}

// Graph owns the pending-work queue that tap side effects (lazy
// snapshot loads keyed off a join) enqueue onto, and drains it to
// stability.
type Graph struct {
	pending []func()
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph { return &Graph{} }

// Enqueue schedules fn to run on the next Run() pass (or the current
// one, if Run() is still draining).
func (g *Graph) Enqueue(fn func()) {
	g.pending = append(g.pending, fn)
}

// PendingWork reports whether any enqueued work remains.
func (g *Graph) PendingWork() bool { return len(g.pending) > 0 }

// Run fires all enqueued work until stability: a unit of work may
// itself Enqueue more (e.g. a tap triggering a lazy load whose
// arrival produces further pushes), so Run drains round by round
// until a round enqueues nothing new.
func (g *Graph) Run() {
	for g.PendingWork() {
		round := g.pending
		g.pending = nil
		for _, fn := range round {
			fn()
		}
	}
}

// Map applies f to each change's Value, preserving Key and
// Multiplicity.
type Map struct {
	fanout
	f func(value any) any
}

// NewMap builds a Map operator.
func NewMap(f func(value any) any) *Map { return &Map{f: f} }

func (m *Map) Push(batch Batch) {
	out := make(Batch, len(batch))
	for i, c := range batch {
		out[i] = Change{Key: c.Key, Value: m.f(c.Value), Multiplicity: c.Multiplicity}
	}
	m.emit(out)
}

// Filter passes through changes for which p(value) is true, preserving
// multiplicity.
type Filter struct {
	fanout
	p func(value any) bool
}

// NewFilter builds a Filter operator.
func NewFilter(p func(value any) bool) *Filter { return &Filter{p: p} }

func (f *Filter) Push(batch Batch) {
	var out Batch
	for _, c := range batch {
		if f.p(c.Value) {
			out = append(out, c)
		}
	}
	f.emit(out)
}

// Tap forwards every change unchanged after invoking f as a side
// effect, used to trigger lazy snapshot loading keyed off a join
//.
type Tap struct {
	fanout
	f func(c Change)
}

// NewTap builds a Tap operator.
func NewTap(f func(c Change)) *Tap { return &Tap{f: f} }

func (t *Tap) Push(batch Batch) {
	for _, c := range batch {
		t.f(c)
	}
	t.emit(batch)
}

// Output is a sink: it accumulates every batch delivered during one
// Graph.Run() pass and hands the whole pass's diffs to f in one call.
type Output struct {
	f         func(Batch)
	collected Batch
}

// NewOutput builds an Output sink.
func NewOutput(f func(Batch)) *Output { return &Output{f: f} }

func (o *Output) Push(batch Batch) {
	o.collected = append(o.collected, batch...)
}

// Flush hands the pass's accumulated diffs to f and clears the buffer.
// Called once per Graph.Run() pass by the operator that owns the
// Graph (internal/compiler), after Run() returns to stability.
func (o *Output) Flush() {
	if len(o.collected) == 0 {
		return
	}
	batch := o.collected
	o.collected = nil
	o.f(batch)
}
