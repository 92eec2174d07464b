package dataflow

import (
	"testing"
)

func collectOutput(t *testing.T) (*Output, *Batch) {
	t.Helper()
	var got Batch
	out := NewOutput(func(b Batch) { got = append(got, b...) })
	return out, &got
}

func TestMapPreservesKeyAndMultiplicity(t *testing.T) {
	m := NewMap(func(v any) any { return v.(int) * 2 })
	out, got := collectOutput(t)
	m.Connect(out)

	m.Push(Batch{{Key: "a", Value: 1, Multiplicity: 1}, {Key: "b", Value: 2, Multiplicity: -1}})
	out.Flush()

	if len(*got) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(*got))
	}
	if (*got)[0].Value != 2 || (*got)[0].Key != "a" || (*got)[0].Multiplicity != 1 {
		t.Fatalf("unexpected first change: %+v", (*got)[0])
	}
	if (*got)[1].Value != 4 || (*got)[1].Multiplicity != -1 {
		t.Fatalf("unexpected second change: %+v", (*got)[1])
	}
}

func TestFilterDropsNonMatching(t *testing.T) {
	f := NewFilter(func(v any) bool { return v.(int) > 1 })
	out, got := collectOutput(t)
	f.Connect(out)

	f.Push(Batch{{Key: "a", Value: 1, Multiplicity: 1}, {Key: "b", Value: 2, Multiplicity: 1}})
	out.Flush()

	if len(*got) != 1 || (*got)[0].Key != "b" {
		t.Fatalf("expected only key b to pass, got %+v", *got)
	}
}

func TestTapForwardsAndInvokesSideEffect(t *testing.T) {
	var seen []Change
	tap := NewTap(func(c Change) { seen = append(seen, c) })
	out, got := collectOutput(t)
	tap.Connect(out)

	tap.Push(Batch{{Key: "a", Value: 1, Multiplicity: 1}})
	out.Flush()

	if len(seen) != 1 || seen[0].Key != "a" {
		t.Fatalf("tap side effect not invoked correctly: %+v", seen)
	}
	if len(*got) != 1 {
		t.Fatalf("tap did not forward batch: %+v", *got)
	}
}

func TestOutputAccumulatesAcrossPushesUntilFlush(t *testing.T) {
	var flushed []Batch
	out := NewOutput(func(b Batch) { flushed = append(flushed, b) })

	out.Push(Batch{{Key: "a", Value: 1, Multiplicity: 1}})
	out.Push(Batch{{Key: "b", Value: 2, Multiplicity: 1}})
	if len(flushed) != 0 {
		t.Fatalf("expected no flush yet, got %d", len(flushed))
	}

	out.Flush()
	if len(flushed) != 1 || len(flushed[0]) != 2 {
		t.Fatalf("expected one flush with 2 changes, got %+v", flushed)
	}

	out.Flush()
	if len(flushed) != 1 {
		t.Fatalf("flush with nothing collected should be a no-op, got %+v", flushed)
	}
}

func TestGraphRunDrainsEnqueuedWorkInRounds(t *testing.T) {
	g := NewGraph()
	var order []string

	g.Enqueue(func() {
		order = append(order, "first")
		g.Enqueue(func() { order = append(order, "second") })
	})

	g.Run()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected work enqueued mid-run to drain too, got %+v", order)
	}
	if g.PendingWork() {
		t.Fatalf("graph should have no pending work after Run returns")
	}
}
