package dataflow

import "testing"

type order struct {
	customer string
	amount   float64
}

func amountOf(v any) float64 { return v.(order).amount }

func TestGroupBySumCountAvgOnInsert(t *testing.T) {
	g := NewGroupBy(
		func(v any) string { return v.(order).customer },
		[]AggregateSpec{
			{Name: "total", Kind: AggSum, Extract: amountOf},
			{Name: "n", Kind: AggCount},
			{Name: "avg", Kind: AggAvg, Extract: amountOf},
		},
	)
	out, got := collectOutput(t)
	g.Connect(out)

	g.Push(Batch{
		{Key: "o1", Value: order{"alice", 10}, Multiplicity: 1},
		{Key: "o2", Value: order{"alice", 20}, Multiplicity: 1},
	})
	out.Flush()

	if len(*got) != 1 || (*got)[0].Multiplicity != 1 {
		t.Fatalf("expected single +1 emission for the touched group, got %+v", *got)
	}
	row := (*got)[0].Value.(map[string]any)
	if row["total"].(float64) != 30 || row["n"].(float64) != 2 || row["avg"].(float64) != 15 {
		t.Fatalf("unexpected aggregate row: %+v", row)
	}
}

func TestGroupByRetractsOldValueBeforeReinsert(t *testing.T) {
	g := NewGroupBy(
		func(v any) string { return v.(order).customer },
		[]AggregateSpec{{Name: "total", Kind: AggSum, Extract: amountOf}},
	)
	out, got := collectOutput(t)
	g.Connect(out)

	g.Push(Batch{{Key: "o1", Value: order{"alice", 10}, Multiplicity: 1}})
	out.Flush()
	*got = nil

	g.Push(Batch{{Key: "o2", Value: order{"alice", 5}, Multiplicity: 1}})
	out.Flush()

	if len(*got) != 2 {
		t.Fatalf("expected a retraction of the stale row plus the fresh one, got %+v", *got)
	}
	if (*got)[0].Multiplicity != -1 || (*got)[0].Value.(map[string]any)["total"].(float64) != 10 {
		t.Fatalf("expected retraction of old total=10 first, got %+v", (*got)[0])
	}
	if (*got)[1].Multiplicity != 1 || (*got)[1].Value.(map[string]any)["total"].(float64) != 15 {
		t.Fatalf("expected fresh total=15 second, got %+v", (*got)[1])
	}
}

func TestGroupByEmitsOnlyRetractionWhenGroupEmptied(t *testing.T) {
	g := NewGroupBy(
		func(v any) string { return v.(order).customer },
		[]AggregateSpec{{Name: "total", Kind: AggSum, Extract: amountOf}},
	)
	out, got := collectOutput(t)
	g.Connect(out)

	g.Push(Batch{{Key: "o1", Value: order{"alice", 10}, Multiplicity: 1}})
	out.Flush()
	*got = nil

	g.Push(Batch{{Key: "o1", Value: order{"alice", 10}, Multiplicity: -1}})
	out.Flush()

	if len(*got) != 1 || (*got)[0].Multiplicity != -1 {
		t.Fatalf("expected only a retraction once the group empties, got %+v", *got)
	}
}

func TestGroupByMinMaxTrackExtremes(t *testing.T) {
	g := NewGroupBy(
		func(v any) string { return v.(order).customer },
		[]AggregateSpec{
			{Name: "min", Kind: AggMin, Extract: amountOf},
			{Name: "max", Kind: AggMax, Extract: amountOf},
		},
	)
	out, got := collectOutput(t)
	g.Connect(out)

	g.Push(Batch{
		{Key: "o1", Value: order{"alice", 10}, Multiplicity: 1},
		{Key: "o2", Value: order{"alice", 30}, Multiplicity: 1},
		{Key: "o3", Value: order{"alice", 20}, Multiplicity: 1},
	})
	out.Flush()

	row := (*got)[len(*got)-1].Value.(map[string]any)
	if row["min"].(float64) != 10 || row["max"].(float64) != 30 {
		t.Fatalf("unexpected min/max: %+v", row)
	}
}
