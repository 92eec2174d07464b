// Package optimizer implements a pure Query-IR rewrite pass: split
// conjunctions, classify clauses by the source aliases they touch,
// push single-source predicates down into synthetic subquery
// wrappers, extract collection-level pre-filters, and flatten
// subqueries that pushdown made redundant. The walk iterates to a
// fixed point, bounded to 10 passes.
package optimizer

import (
	"reflect"

	"github.com/tidepooldb/tidepool/internal/expr"
)

// maxIterations bounds the fixed-point loop.
const maxIterations = 10

// Result is the optimizer's output: the rewritten query, plus the
// per-alias pre-filter expressions extracted during pushdown so the
// runtime can create each source's change subscription with a filter
// already applied.
type Result struct {
	Query         *expr.Query
	SourceFilters map[string]expr.Expr
}

// Optimize rewrites q to a fixed point and returns the result. q is
// not mutated; Optimize works on a deep-enough copy that callers may
// keep using their original tree.
func Optimize(q *expr.Query) *Result {
	sourceFilters := map[string]expr.Expr{}
	cur := cloneQuery(q)

	// Optimize subqueries that existed on entry exactly once, before
	// this level's own pushdown runs. Pushdown may go on to wrap a
	// source in a brand-new synthetic QueryRef; that wrapper is not
	// itself re-optimized recursively, since it carries nothing but
	// an already-atomic clause over an already-optimized base and
	// recursing into it would just repeat this level's own rewrite
	// one layer deeper, forever.
	recurseIntoSubqueries(cur, sourceFilters)

	for i := 0; i < maxIterations; i++ {
		splitConjunctions(cur)
		next := pushdown(cur, sourceFilters)
		if reflect.DeepEqual(cur, next) {
			cur = next
			break
		}
		cur = next
	}
	flattenRedundantSubqueries(cur)
	return &Result{Query: cur, SourceFilters: sourceFilters}
}

// recurseIntoSubqueries applies the full rewrite to every QueryRef
// reachable from q's from/join sources.
func recurseIntoSubqueries(q *expr.Query, sourceFilters map[string]expr.Expr) {
	if ref, ok := q.From.(expr.QueryRef); ok {
		sub := Optimize(ref.Query)
		q.From = expr.QueryRef{Query: sub.Query, Alias: ref.Alias}
		for alias, f := range sub.SourceFilters {
			sourceFilters[alias] = f
		}
	}
	for i, j := range q.Join {
		if ref, ok := j.Source.(expr.QueryRef); ok {
			sub := Optimize(ref.Query)
			q.Join[i].Source = expr.QueryRef{Query: sub.Query, Alias: ref.Alias}
			for alias, f := range sub.SourceFilters {
				sourceFilters[alias] = f
			}
		}
	}
}

// splitConjunctions replaces each where/having element that is an
// `and` Func by its flattened arguments.
func splitConjunctions(q *expr.Query) {
	q.Where = flattenAnd(q.Where)
	q.Having = flattenAnd(q.Having)
}

func flattenAnd(clauses []expr.Expr) []expr.Expr {
	var out []expr.Expr
	for _, c := range clauses {
		out = append(out, splitOne(c)...)
	}
	return out
}

func splitOne(c expr.Expr) []expr.Expr {
	f, ok := c.(expr.Func)
	if !ok || f.Name != "and" {
		return []expr.Expr{c}
	}
	var out []expr.Expr
	for _, arg := range f.Args {
		out = append(out, splitOne(arg)...)
	}
	return out
}

// sourceEntry names one of a query's sources along with the join type
// under which it participates (the outer-join residual rule below
// treats it specially); the main `from` source behaves like an inner join
// for pushdown purposes.
type sourceEntry struct {
	alias string
	expr  expr.Expr // CollectionRef or QueryRef
	join  expr.JoinType
	isOuter bool
}

func sources(q *expr.Query) []sourceEntry {
	out := []sourceEntry{{alias: q.Alias, expr: q.From, join: expr.JoinInner, isOuter: false}}
	for _, j := range q.Join {
		out = append(out, sourceEntry{
			alias:   j.Alias,
			expr:    j.Source,
			join:    j.Type,
			isOuter: j.Type != expr.JoinInner,
		})
	}
	return out
}

// pushdown classifies each where
// clause by the aliases it touches, and for single-alias clauses wrap
// the named source in a synthetic QueryRef carrying the clause in its
// where, recording a collection-level pre-filter when eligible.
func pushdown(q *expr.Query, sourceFilters map[string]expr.Expr) *expr.Query {
	out := cloneQuery(q)
	srcs := sources(out)
	srcByAlias := map[string]*sourceEntry{}
	for i := range srcs {
		srcByAlias[srcs[i].alias] = &srcs[i]
	}

	var residual []expr.Expr
	for _, clause := range out.Where {
		aliases := expr.RefAliases(clause)
		if len(aliases) != 1 {
			residual = append(residual, clause)
			continue
		}
		var alias string
		for a := range aliases {
			alias = a
		}
		src, ok := srcByAlias[alias]
		if !ok || !pushdownEligible(src.expr, clause, alias) {
			residual = append(residual, clause)
			continue
		}

		src.expr = wrapWithFilter(src.expr, alias, clause)
		if src.isOuter {
			residual = append(residual, clause) // residual: outer-joined rows still need the outer filter
		}
		if _, ok := isFilterableCollectionRef(src.expr, alias); ok && restrictedOperatorSet(clause) {
			if !containsClause(flattenAnd([]expr.Expr{sourceFilters[alias]}), clause) {
				sourceFilters[alias] = combineWithAnd(sourceFilters[alias], clause)
			}
		}
	}
	out.Where = residual

	out.From = srcs[0].expr
	for i := range out.Join {
		out.Join[i].Source = srcs[i+1].expr
	}
	return out
}

// pushdownEligible implements the inner-query eligibility checks of
func pushdownEligible(source expr.Expr, clause expr.Expr, alias string) bool {
	if _, ok := source.(expr.CollectionRef); ok {
		return true // "For collectionRef sources, always safe."
	}
	ref, ok := source.(expr.QueryRef)
	if !ok {
		return false
	}
	inner := ref.Query
	if len(inner.GroupBy) > 0 || len(inner.Having) > 0 {
		return false
	}
	if hasAggregate(inner) {
		return false
	}
	if inner.FnSelect != nil || len(inner.FnWhere) > 0 || len(inner.FnHaving) > 0 {
		return false
	}
	if inner.Limit != nil && len(inner.OrderBy) > 0 {
		return false
	}
	if inner.Select != nil && remapsReferencedField(inner, clause, alias) {
		return false
	}
	return true
}

func hasAggregate(q *expr.Query) bool {
	for _, e := range q.Select {
		if _, ok := e.(expr.Aggregate); ok {
			return true
		}
	}
	return false
}

// remapsReferencedField reports whether clause references a field
// that inner's select list remaps away from an identity passthrough,
// meaning pushdown would filter on the wrong underlying value.
func remapsReferencedField(inner *expr.Query, clause expr.Expr, alias string) bool {
	for field := range fieldsReferenced(clause, alias) {
		sel, ok := inner.Select[field]
		if !ok {
			continue
		}
		if r, ok := sel.(expr.Ref); !ok || len(r.Path) != 1 || r.Path[0] != field {
			return true
		}
	}
	return false
}

func fieldsReferenced(e expr.Expr, alias string) map[string]bool {
	out := map[string]bool{}
	var walk func(expr.Expr)
	walk = func(e expr.Expr) {
		switch n := e.(type) {
		case expr.Ref:
			if len(n.Path) >= 2 && n.Path[0] == alias {
				out[n.Path[1]] = true
			} else if len(n.Path) == 1 {
				out[n.Path[0]] = true
			}
		case expr.Func:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}

// wrapWithFilter wraps source in a synthetic QueryRef adding clause to
// its where list, or extends an existing synthetic wrapper's where.
// Re-pushing a clause the wrapper already carries is a no-op, so
// repeated fixed-point iterations over an already-pushed residual
// clause (outer-join case) stay idempotent.
func wrapWithFilter(source expr.Expr, alias string, clause expr.Expr) expr.Expr {
	if ref, ok := source.(expr.QueryRef); ok {
		if containsClause(ref.Query.Where, clause) {
			return source
		}
		inner := cloneQuery(ref.Query)
		inner.Where = append(inner.Where, clause)
		return expr.QueryRef{Query: inner, Alias: ref.Alias}
	}
	return expr.QueryRef{
		Query: &expr.Query{From: source, Alias: alias, Where: []expr.Expr{clause}},
		Alias: alias,
	}
}

// isFilterableCollectionRef reports whether source (after pushdown
// wrapping) is a synthetic QueryRef directly over a CollectionRef,
// the shape eligible for source-filter extraction.
func isFilterableCollectionRef(source expr.Expr, _ string) (expr.CollectionRef, bool) {
	ref, ok := source.(expr.QueryRef)
	if !ok {
		return expr.CollectionRef{}, false
	}
	coll, ok := ref.Query.From.(expr.CollectionRef)
	return coll, ok
}

// restrictedOperatorSet reports whether clause uses only the operator
// set convertible to a collection filter: eq/gt/lt/gte/lte/and/or/in
// over refs and values.
var convertibleOps = map[string]bool{
	"eq": true, "gt": true, "lt": true, "gte": true, "lte": true,
	"and": true, "or": true, "in": true,
}

func restrictedOperatorSet(e expr.Expr) bool {
	switch n := e.(type) {
	case expr.Ref, expr.Value:
		return true
	case expr.Func:
		if !convertibleOps[n.Name] {
			return false
		}
		for _, a := range n.Args {
			if !restrictedOperatorSet(a) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func containsClause(clauses []expr.Expr, clause expr.Expr) bool {
	for _, c := range clauses {
		if reflect.DeepEqual(c, clause) {
			return true
		}
	}
	return false
}

func combineWithAnd(existing expr.Expr, clause expr.Expr) expr.Expr {
	if existing == nil {
		return clause
	}
	return expr.Func{Name: "and", Args: []expr.Expr{existing, clause}}
}

// flattenRedundantSubqueries collapses a QueryRef whose inner query
// carries no clause, select, groupBy/having, orderBy, limit/offset,
// distinct, join, or Fn-variant into its inner from, recursively.
func flattenRedundantSubqueries(q *expr.Query) {
	q.From = flattenSource(q.From)
	for i := range q.Join {
		q.Join[i].Source = flattenSource(q.Join[i].Source)
	}
}

func flattenSource(source expr.Expr) expr.Expr {
	ref, ok := source.(expr.QueryRef)
	if !ok {
		return source
	}
	flattenRedundantSubqueries(ref.Query)
	if isRedundant(ref.Query) {
		return ref.Query.From
	}
	return ref
}

func isRedundant(q *expr.Query) bool {
	return len(q.Where) == 0 && q.Select == nil && len(q.GroupBy) == 0 &&
		len(q.Having) == 0 && len(q.OrderBy) == 0 && len(q.Join) == 0 &&
		q.Limit == nil && q.Offset == nil && q.FnSelect == nil &&
		len(q.FnWhere) == 0 && len(q.FnHaving) == 0 && !q.Distinct
}

func cloneQuery(q *expr.Query) *expr.Query {
	if q == nil {
		return nil
	}
	clone := *q
	clone.Where = append([]expr.Expr{}, q.Where...)
	clone.Having = append([]expr.Expr{}, q.Having...)
	clone.OrderBy = append([]expr.OrderTerm{}, q.OrderBy...)
	clone.GroupBy = append([]expr.Expr{}, q.GroupBy...)
	clone.Join = append([]expr.Join{}, q.Join...)
	clone.FnWhere = append([]func(any) bool{}, q.FnWhere...)
	clone.FnHaving = append([]func(any) bool{}, q.FnHaving...)
	if q.Select != nil {
		clone.Select = make(map[string]expr.Expr, len(q.Select))
		for k, v := range q.Select {
			clone.Select[k] = v
		}
	}
	return &clone
}
