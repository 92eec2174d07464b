package dataflow

import "testing"

func intLessCmp(a, b any) bool { return a.(int) < b.(int) }
func identityExtract(v any) any { return v }

func TestOrderByEmitsRowsInSortOrderWithDistinctTokens(t *testing.T) {
	var sizes []int
	ob := NewOrderByWithFractionalIndex(identityExtract, intLessCmp, Window{}, func(n int) { sizes = append(sizes, n) })
	out, got := collectOutput(t)
	ob.Connect(out)

	ob.Push(Batch{
		{Key: "a", Value: 30, Multiplicity: 1},
		{Key: "b", Value: 10, Multiplicity: 1},
		{Key: "c", Value: 20, Multiplicity: 1},
	})
	out.Flush()

	if len(*got) != 3 {
		t.Fatalf("expected 3 inserted rows, got %+v", *got)
	}
	seen := map[string]bool{}
	for _, c := range *got {
		row := c.Value.(OrderedRow)
		if seen[row.FractionalIndex] {
			t.Fatalf("duplicate fractional index token %q", row.FractionalIndex)
		}
		seen[row.FractionalIndex] = true
	}
	if len(sizes) == 0 || sizes[len(sizes)-1] != 3 {
		t.Fatalf("expected setSizeCallback to report window size 3, got %+v", sizes)
	}
}

func TestOrderByWindowLimitRetractsRowsThatFallOutside(t *testing.T) {
	ob := NewOrderByWithFractionalIndex(identityExtract, intLessCmp, Window{Limit: 2}, nil)
	out, got := collectOutput(t)
	ob.Connect(out)

	ob.Push(Batch{
		{Key: "a", Value: 30, Multiplicity: 1},
		{Key: "b", Value: 10, Multiplicity: 1},
	})
	out.Flush()
	*got = nil

	ob.Push(Batch{{Key: "c", Value: 5, Multiplicity: 1}})
	out.Flush()

	var retracted, inserted []Change
	for _, c := range *got {
		if c.Multiplicity < 0 {
			retracted = append(retracted, c)
		} else {
			inserted = append(inserted, c)
		}
	}
	if len(inserted) != 1 || inserted[0].Key != "c" {
		t.Fatalf("expected new lowest row c to enter the window, got %+v", inserted)
	}
	if len(retracted) != 1 || retracted[0].Key != "a" {
		t.Fatalf("expected row a (now outside the limit-2 window) to be retracted, got %+v", retracted)
	}
}

func TestSetWindowMovesOffsetAndReemitsDiffs(t *testing.T) {
	ob := NewOrderByWithFractionalIndex(identityExtract, intLessCmp, Window{Limit: 1}, nil)
	out, got := collectOutput(t)
	ob.Connect(out)

	ob.Push(Batch{
		{Key: "a", Value: 10, Multiplicity: 1},
		{Key: "b", Value: 20, Multiplicity: 1},
	})
	out.Flush()
	*got = nil

	ob.SetWindow(Window{Offset: 1, Limit: 1})
	out.Flush()

	var sawInsertB, sawRetractA bool
	for _, c := range *got {
		if c.Key == "b" && c.Multiplicity == 1 {
			sawInsertB = true
		}
		if c.Key == "a" && c.Multiplicity == -1 {
			sawRetractA = true
		}
	}
	if !sawInsertB || !sawRetractA {
		t.Fatalf("expected moving the window to retract a and insert b, got %+v", *got)
	}
}
