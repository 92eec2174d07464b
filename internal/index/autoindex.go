package index

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tidepooldb/tidepool/internal/expr"
)

// operatorTriggersAutoIndex is the closed set of single-field
// predicate operators that the eager auto-index policy watches for
//.
var operatorTriggersAutoIndex = map[string]bool{
	"eq": true, "gt": true, "gte": true, "lt": true, "lte": true, "in": true,
}

var autoIndexCounter metric.Int64Counter

func init() {
	meter := otel.GetMeterProvider().Meter("tidepool/index")
	autoIndexCounter, _ = meter.Int64Counter(
		"tidepool.index.auto_created",
		metric.WithDescription("count of indexes created by the eager auto-index policy"),
	)
}

// Policy decides, per collection, whether an expression observed in a
// where-clause warrants creating a new index (
// "Auto-index policy"). AutoIndex=="eager" triggers creation for any
// single-field predicate within operatorTriggersAutoIndex that is not
// already indexed; other modes never trigger automatic creation.
type Policy struct {
	mode string // "eager" or "off"

	mu      sync.Mutex
	present map[string]bool // field path -> already indexed
	onCreate func(fieldPath string)
}

// NewPolicy builds a Policy. onCreate, if non-nil, is invoked
// synchronously whenever the policy decides a new index is needed;
// the caller is responsible for actually building and registering it.
// Index creation is a hint, not a guarantee — queries always retain
// the freedom to fall back to full-scan filtering, so a nil or slow
// onCreate is always safe.
func NewPolicy(mode string, onCreate func(fieldPath string)) *Policy {
	return &Policy{mode: mode, present: map[string]bool{}, onCreate: onCreate}
}

// MarkIndexed records that fieldPath already has an index, so future
// Observe calls against it are no-ops.
func (p *Policy) MarkIndexed(fieldPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present[fieldPath] = true
}

// Observe inspects a where-clause (a single predicate, or a
// conjunction of them joined by "and") and, under eager mode, requests
// index creation for every new single-field predicate it recognizes.
func (p *Policy) Observe(ctx context.Context, clause expr.Expr) {
	if p.mode != "eager" {
		return
	}
	f, ok := clause.(expr.Func)
	if !ok {
		return
	}
	if f.Name == "and" {
		for _, arg := range f.Args {
			p.Observe(ctx, arg)
		}
		return
	}
	if !operatorTriggersAutoIndex[f.Name] {
		return
	}
	fieldPath, ok := singleFieldOperand(f)
	if !ok {
		return
	}

	p.mu.Lock()
	already := p.present[fieldPath]
	if !already {
		p.present[fieldPath] = true
	}
	p.mu.Unlock()
	if already {
		return
	}

	if autoIndexCounter != nil {
		autoIndexCounter.Add(ctx, 1, metric.WithAttributes())
	}
	if p.onCreate != nil {
		p.onCreate(fieldPath)
	}
}

// singleFieldOperand returns the Ref path of f's lone field operand if
// f is a single-field predicate: exactly one Ref argument and every
// other argument a literal Value.
func singleFieldOperand(f expr.Func) (string, bool) {
	var refPath string
	refCount := 0
	for _, arg := range f.Args {
		switch a := arg.(type) {
		case expr.Ref:
			refCount++
			refPath = a.String()
		case expr.Value:
			// literal operand, fine
		default:
			return "", false
		}
	}
	if refCount != 1 {
		return "", false
	}
	return refPath, true
}
