package dataflow

import "github.com/tidepooldb/tidepool/internal/types"

// Distinct collapses the multiplicities of rows sharing a distinct-key
// to {0, 1}: the first arrival of a key emits +1, and only once every
// contributing multiplicity has drained back to zero does it emit -1
//.
type Distinct struct {
	fanout
	keyFn func(value any) types.Key

	// counts and representative are keyed by the caller's distinct
	// key (not the row's own Key), since multiple rows may collapse
	// onto one distinct identity.
	counts         map[types.Key]int
	representative map[types.Key]Change
}

// NewDistinct builds a Distinct operator.
func NewDistinct(keyFn func(value any) types.Key) *Distinct {
	return &Distinct{
		keyFn:          keyFn,
		counts:         map[types.Key]int{},
		representative: map[types.Key]Change{},
	}
}

func (d *Distinct) Push(batch Batch) {
	var out Batch
	for _, c := range batch {
		dk := d.keyFn(c.Value)
		before := d.counts[dk]
		after := before + c.Multiplicity
		d.counts[dk] = after

		switch {
		case before <= 0 && after > 0:
			d.representative[dk] = c
			out = append(out, Change{Key: dk, Value: c.Value, Multiplicity: 1})
		case before > 0 && after <= 0:
			rep := d.representative[dk]
			delete(d.representative, dk)
			delete(d.counts, dk)
			out = append(out, Change{Key: dk, Value: rep.Value, Multiplicity: -1})
		case after == 0:
			delete(d.counts, dk)
		}
	}
	d.emit(out)
}
