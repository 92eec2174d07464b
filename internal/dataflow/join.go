package dataflow

import "github.com/tidepooldb/tidepool/internal/types"

// JoinType enumerates the supported join kinds.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

// Side identifies which input port of a Join a batch arrives on.
type Side int

const (
	LeftSide Side = iota
	RightSide
)

// joinRow is one side's bookkeeping entry for a single input row. A
// row's Key is a Collection primary key, so in practice mult only
// ever toggles between 0 and 1 (insert then delete); Join relies on
// that invariant to decide outer-join padding/retraction by simple
// presence rather than multiplicity-weighted counting. Incoming
// Values are expected to be 2-element []any{joinKeyValue,
// originalRow}, matching a hash-join on the first tuple element: an upstream map() stage projects the join key into
// that first position before rows reach Join.
type joinRow struct {
	rowKey types.Key
	value  any
	mult   int
}

func (r *joinRow) live() bool { return r != nil && r.mult > 0 }

// Join hash-joins two input streams on their projected join key,
// emitting (joinKey-derived identity, [leftRow?, rightRow?]) tuples
// with null padding per joinType.
type Join struct {
	fanout
	joinType JoinType

	leftRows  map[types.Key]*joinRow
	rightRows map[types.Key]*joinRow

	leftByJoinKey  map[any][]*joinRow
	rightByJoinKey map[any][]*joinRow
}

// NewJoin builds a Join operator. Feed it via PushLeft/PushRight
// rather than the generic Consumer.Push, since a join has two input
// ports.
func NewJoin(joinType JoinType) *Join {
	return &Join{
		joinType:       joinType,
		leftRows:       map[types.Key]*joinRow{},
		rightRows:      map[types.Key]*joinRow{},
		leftByJoinKey:  map[any][]*joinRow{},
		rightByJoinKey: map[any][]*joinRow{},
	}
}

// JoinedRow is the paired value a Join emits; either Left or Right may
// be nil for an outer join's unmatched side.
type JoinedRow struct {
	Left  any
	Right any
}

func (j *Join) PushLeft(batch Batch)  { j.push(LeftSide, batch) }
func (j *Join) PushRight(batch Batch) { j.push(RightSide, batch) }

func (j *Join) push(side Side, batch Batch) {
	var out Batch
	for _, c := range batch {
		tuple, ok := c.Value.([]any)
		if !ok || len(tuple) != 2 {
			continue
		}
		out = append(out, j.applyOne(side, c.Key, tuple[0], tuple[1], c.Multiplicity)...)
	}
	j.emit(out)
}

func (j *Join) applyOne(side Side, rowKey types.Key, joinKey, rowVal any, mult int) Batch {
	ownRows, ownIndex, oppIndex := j.sideMaps(side)

	row, existed := ownRows[rowKey]
	if !existed {
		row = &joinRow{rowKey: rowKey, value: rowVal}
		ownRows[rowKey] = row
		ownIndex[joinKey] = append(ownIndex[joinKey], row)
	}
	wasLive := row.live()
	row.mult += mult
	isLive := row.live()

	opp := liveRows(oppIndex[joinKey])
	ownLive := len(liveRows(ownIndex[joinKey]))
	oppSide := RightSide
	if side == RightSide {
		oppSide = LeftSide
	}
	var out Batch
	switch {
	case !wasLive && isLive:
		// This row just appeared: emit a real match per live opposite
		// row, or a fresh pad if there are none. If it is the first live
		// row for this join key, the opposite rows' pads are retracted.
		if len(opp) > 0 {
			for _, or := range opp {
				out = append(out, j.emitMatch(side, row, or, 1)...)
				if ownLive == 1 {
					out = append(out, j.pad(oppSide, or, -1)...)
				}
			}
		} else {
			out = append(out, j.pad(side, row, 1)...)
		}
	case wasLive && !isLive:
		// This row just disappeared: retract its matches, or its pad. If
		// it was the last live row for this join key, the opposite rows
		// are padded again.
		if len(opp) > 0 {
			for _, or := range opp {
				out = append(out, j.emitMatch(side, row, or, -1)...)
				if ownLive == 0 {
					out = append(out, j.pad(oppSide, or, 1)...)
				}
			}
		} else {
			out = append(out, j.pad(side, row, -1)...)
		}
	}

	if row.mult == 0 {
		delete(ownRows, rowKey)
		ownIndex[joinKey] = removeRow(ownIndex[joinKey], row)
	}
	return out
}

func liveRows(rows []*joinRow) []*joinRow {
	var out []*joinRow
	for _, r := range rows {
		if r.live() {
			out = append(out, r)
		}
	}
	return out
}

func removeRow(rows []*joinRow, target *joinRow) []*joinRow {
	out := rows[:0]
	for _, r := range rows {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

func (j *Join) sideMaps(side Side) (own map[types.Key]*joinRow, ownIdx, oppIdx map[any][]*joinRow) {
	if side == LeftSide {
		return j.leftRows, j.leftByJoinKey, j.rightByJoinKey
	}
	return j.rightRows, j.rightByJoinKey, j.leftByJoinKey
}

// emitMatch emits (or, with a negative mult, retracts) the real
// joined row for a match between a row on side and an opposite-side
// row.
func (j *Join) emitMatch(side Side, row, opp *joinRow, mult int) Batch {
	var left, right *joinRow
	if side == LeftSide {
		left, right = row, opp
	} else {
		left, right = opp, row
	}
	key := left.rowKey + "⋈" + right.rowKey
	return Batch{{
		Key:          key,
		Value:        JoinedRow{Left: left.value, Right: right.value},
		Multiplicity: mult,
	}}
}

// pad emits (or, with a negative mult, retracts) a null-padded row
// for an unmatched row, per joinType.
func (j *Join) pad(side Side, row *joinRow, mult int) Batch {
	switch {
	case side == LeftSide && (j.joinType == JoinLeft || j.joinType == JoinFull):
		return Batch{{Key: row.rowKey + "⋈∅", Value: JoinedRow{Left: row.value, Right: nil}, Multiplicity: mult}}
	case side == RightSide && (j.joinType == JoinRight || j.joinType == JoinFull):
		return Batch{{Key: "∅⋈" + row.rowKey, Value: JoinedRow{Left: nil, Right: row.value}, Multiplicity: mult}}
	default:
		return nil
	}
}
