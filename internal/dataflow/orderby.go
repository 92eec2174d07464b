package dataflow

import (
	"sort"

	"github.com/tidepooldb/tidepool/internal/types"
)

// fractionalAlphabet is the token alphabet for dense fractional
// ordering indexes (midpoint-of-two-strings indexing): every
// character a token can use, in ascending sort order.
const fractionalAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// midpointToken returns a token that sorts strictly between lo and hi
// (lexicographically), used to assign a dense fractional-index
// ordering token to a row inserted between two already-ordered rows.
// An empty lo/hi means "from the extreme" on that side.
func midpointToken(lo, hi string) string {
	const base = len(fractionalAlphabet)
	digit := func(s string, i int) int {
		if i >= len(s) {
			return 0
		}
		return indexOf(fractionalAlphabet, s[i])
	}

	var out []byte
	for i := 0; ; i++ {
		lo0, hi0 := digit(lo, i), digit(hi, i)
		if hi != "" && i >= len(hi) && i >= len(lo) {
			// both exhausted and equal so far: extend with a midpoint
			// digit above zero.
			out = append(out, fractionalAlphabet[base/2])
			break
		}
		if hi0 == 0 && hi != "" && i >= len(hi) {
			hi0 = base
		}
		if hi0-lo0 > 1 {
			out = append(out, fractionalAlphabet[lo0+(hi0-lo0)/2])
			break
		}
		out = append(out, fractionalAlphabet[lo0])
		if hi == "" && i >= len(lo) {
			out = append(out, fractionalAlphabet[base/2])
			break
		}
	}
	return string(out)
}

func indexOf(alphabet string, b byte) int {
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] == b {
			return i
		}
	}
	return 0
}

// Window describes the current limit/offset of an OrderBy's output.
type Window struct {
	Offset int
	Limit  int // 0 means unbounded
}

// OrderByWithFractionalIndex maintains a sorted window over its input
// rows and assigns each emitted row a dense fractional-index ordering
// token, re-emitting diffs when the window moves.
type OrderByWithFractionalIndex struct {
	fanout

	valueExtractor func(value any) any
	comparator     func(a, b any) bool // a < b

	window Window

	rows       map[types.Key]any // all rows currently tracked (pre-window)
	order      []types.Key       // full sort order, every tracked row
	emitted    map[types.Key]string // row key -> fractional token for rows currently in the emitted window
	setSizeCallback func(size int)
}

// OrderedRow is the value an OrderBy emits: the original row plus its
// position token.
type OrderedRow struct {
	Value           any
	FractionalIndex string
}

// NewOrderByWithFractionalIndex builds the operator. setSizeCallback,
// if non-nil, is invoked after every Push with the current window
// size so a parent can request more upstream data if filters depleted
// the window.
func NewOrderByWithFractionalIndex(valueExtractor func(value any) any, comparator func(a, b any) bool, window Window, setSizeCallback func(size int)) *OrderByWithFractionalIndex {
	return &OrderByWithFractionalIndex{
		valueExtractor:  valueExtractor,
		comparator:      comparator,
		window:          window,
		rows:            map[types.Key]any{},
		emitted:         map[types.Key]string{},
		setSizeCallback: setSizeCallback,
	}
}

func (o *OrderByWithFractionalIndex) Push(batch Batch) {
	for _, c := range batch {
		if c.Multiplicity > 0 {
			o.rows[c.Key] = c.Value
		} else if c.Multiplicity < 0 {
			delete(o.rows, c.Key)
		}
	}
	o.resort()
	o.emit(o.recomputeWindow())
}

func (o *OrderByWithFractionalIndex) resort() {
	order := make([]types.Key, 0, len(o.rows))
	for k := range o.rows {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool {
		return o.comparator(o.valueExtractor(o.rows[order[i]]), o.valueExtractor(o.rows[order[j]]))
	})
	o.order = order
}

// SetWindow moves the window (offset/limit), re-emitting ordered
// diffs for rows that entered or left it.
func (o *OrderByWithFractionalIndex) SetWindow(w Window) {
	o.window = w
	o.emit(o.recomputeWindow())
}

// recomputeWindow diffs the currently windowed key set against the
// previous one, retracting rows that left the window and inserting
// (with a freshly assigned fractional token) rows that entered it.
func (o *OrderByWithFractionalIndex) recomputeWindow() Batch {
	start := o.window.Offset
	if start > len(o.order) {
		start = len(o.order)
	}
	end := len(o.order)
	if o.window.Limit > 0 && start+o.window.Limit < end {
		end = start + o.window.Limit
	}
	windowed := o.order[start:end]

	stillPresent := map[types.Key]bool{}
	var out Batch
	prevToken := ""
	for _, key := range windowed {
		stillPresent[key] = true
		if _, already := o.emitted[key]; already {
			prevToken = o.emitted[key]
			continue
		}
		token := midpointToken(prevToken, "")
		o.emitted[key] = token
		prevToken = token
		out = append(out, Change{
			Key:          key,
			Value:        OrderedRow{Value: o.rows[key], FractionalIndex: token},
			Multiplicity: 1,
		})
	}
	for key, token := range o.emitted {
		if !stillPresent[key] {
			out = append(out, Change{
				Key:          key,
				Value:        OrderedRow{Value: nil, FractionalIndex: token},
				Multiplicity: -1,
			})
			delete(o.emitted, key)
		}
	}

	if o.setSizeCallback != nil {
		o.setSizeCallback(len(windowed))
	}
	return out
}
