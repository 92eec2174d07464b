// Package expr implements the expression intermediate representation
// used throughout query where/select/having clauses, and the two
// compilation modes (namespaced and single-row) that turn an Expr tree
// into a function over rows.
package expr

import (
	"fmt"
)

// Expr is the marker interface implemented by every IR node. It
// carries no behavior of its own — callers type-switch on the
// concrete variant.
type Expr interface {
	expr()
	String() string
}

// Value is a literal.
type Value struct {
	V any
}

func (Value) expr() {}
func (v Value) String() string { return fmt.Sprintf("%v", v.V) }

// Ref addresses a field by path. In namespaced mode path[0] is the
// source alias and the remainder walks into that alias's row; in
// single-row mode the whole path walks a single row.
type Ref struct {
	Path []string
}

func (Ref) expr() {}
func (r Ref) String() string {
	s := ""
	for i, p := range r.Path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}

// Func is a call into the closed scalar function table (funcTable).
type Func struct {
	Name string
	Args []Expr
}

func (Func) expr() {}
func (f Func) String() string { return f.Name + "(...)" }

// Aggregate is compiled by the group-by dataflow operator, not by this
// package's Eval; it is part of the IR purely so query trees can carry
// it through the optimizer untouched.
type Aggregate struct {
	Name string
	Arg  Expr
}

func (Aggregate) expr() {}
func (a Aggregate) String() string { return a.Name + "(...)" }

// CollectionRef names a source collection and the alias it is bound
// to within a query's from/join list.
type CollectionRef struct {
	Collection string
	Alias      string
}

func (CollectionRef) expr() {}
func (c CollectionRef) String() string { return c.Collection + " as " + c.Alias }

// QueryRef names a nested query bound to an alias, used both for
// genuine subqueries and for the optimizer's synthetic pushdown wrapper
//.
type QueryRef struct {
	Query *Query
	Alias string
}

func (QueryRef) expr() {}
func (q QueryRef) String() string { return "(subquery) as " + q.Alias }

// JoinType enumerates the supported join kinds.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

// Join is one entry in a Query's join list.
type Join struct {
	Source Expr // CollectionRef or QueryRef
	Alias  string
	Type   JoinType
	On     Expr
}

// OrderDirection is ascending or descending sort order.
type OrderDirection int

const (
	Asc OrderDirection = iota
	Desc
)

// OrderTerm is one orderBy clause entry.
type OrderTerm struct {
	Expr      Expr
	Direction OrderDirection
}

// Query is the IR node for a full query: a from-source plus the usual
// relational clauses.
type Query struct {
	From    Expr // CollectionRef or QueryRef
	Alias   string
	Join    []Join
	Where   []Expr
	Having  []Expr
	OrderBy []OrderTerm
	GroupBy []Expr
	Select  map[string]Expr // nil means "select *"
	Distinct bool
	Limit   *int
	Offset  *int

	// Functional variants: an escape hatch for callers that want to
	// supply a Go function directly instead of an Expr tree. Mutually
	// exclusive in practice with the corresponding Expr-based field,
	// but the IR does not enforce that — the compiler does.
	FnSelect func(row any) any
	FnWhere  []func(row any) bool
	FnHaving []func(row any) bool

	SingleResult bool
}
