package expr

import "fmt"

// Compiled is a compiled Expr: a plain Go function over a row, built
// once and evaluated many times, in the style of
// internal/query/evaluator.go's Evaluator.Evaluate — compile the AST
// into a closure, then call the closure per row rather than re-walking
// the tree on every invocation.
type Compiled func(row any) (any, error)

// CompileNamespaced compiles expr for a namespaced row, i.e. a row
// shaped like map[string]any{alias: aliasRow, ...} produced by a join.
// Ref.Path[0] selects the alias; the remaining path elements walk into
// that alias's row.
func CompileNamespaced(e Expr) (Compiled, error) {
	return compile(e, true)
}

// CompileSingleRow compiles expr for a single, un-namespaced row: the
// whole Ref.Path walks that one row, short-circuiting to nil on a
// missing or nil intermediate.
func CompileSingleRow(e Expr) (Compiled, error) {
	return compile(e, false)
}

func compile(e Expr, namespaced bool) (Compiled, error) {
	switch n := e.(type) {
	case Value:
		v := n.V
		return func(row any) (any, error) { return v, nil }, nil

	case Ref:
		path := n.Path
		return func(row any) (any, error) {
			if namespaced {
				return resolveNamespacedRef(row, path)
			}
			return resolveSingleRowRef(row, path), nil
		}, nil

	case Func:
		if err := CheckFunc(n); err != nil {
			return nil, err
		}
		argFns := make([]Compiled, len(n.Args))
		for i, a := range n.Args {
			fn, err := compile(a, namespaced)
			if err != nil {
				return nil, err
			}
			argFns[i] = fn
		}
		impl := funcTable[n.Name]
		return func(row any) (any, error) {
			args := make([]any, len(argFns))
			for i, fn := range argFns {
				v, err := fn(row)
				if err != nil {
					return nil, err
				}
				args[i] = v
			}
			return impl(args), nil
		}, nil

	case Aggregate:
		return nil, fmt.Errorf("expr: aggregate %q cannot be compiled outside groupBy", n.Name)

	case CollectionRef, QueryRef:
		return nil, fmt.Errorf("expr: %T is a query source, not a row expression", e)

	default:
		return nil, fmt.Errorf("expr: unrecognized node %T", e)
	}
}

// resolveSingleRowRef walks path through row, short-circuiting to nil
// as soon as an intermediate value is nil or not a map.
func resolveSingleRowRef(row any, path []string) any {
	cur := row
	for _, seg := range path {
		if cur == nil {
			return nil
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// resolveNamespacedRef requires path[0] to name a present alias, then
// delegates the remainder to the single-row walk.
func resolveNamespacedRef(row any, path []string) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("expr: empty ref path")
	}
	m, ok := row.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expr: namespaced ref requires a map row, got %T", row)
	}
	aliasRow, ok := m[path[0]]
	if !ok {
		return nil, nil
	}
	return resolveSingleRowRef(aliasRow, path[1:]), nil
}

// Eval is a convenience one-shot evaluation, equivalent to compiling e
// and invoking the result once. Callers in hot paths (the dataflow
// compiler) should compile once via CompileNamespaced/CompileSingleRow
// instead.
func Eval(e Expr, row any, namespaced bool) (any, error) {
	fn, err := compile(e, namespaced)
	if err != nil {
		return nil, err
	}
	return fn(row)
}

// RefAliases returns the set of distinct top-level aliases referenced
// within e, used by the optimizer to classify a clause as
// single-source or multi-source.
func RefAliases(e Expr) map[string]bool {
	aliases := map[string]bool{}
	collectRefAliases(e, aliases)
	return aliases
}

func collectRefAliases(e Expr, into map[string]bool) {
	switch n := e.(type) {
	case Ref:
		if len(n.Path) > 0 {
			into[n.Path[0]] = true
		}
	case Func:
		for _, a := range n.Args {
			collectRefAliases(a, into)
		}
	case Aggregate:
		collectRefAliases(n.Arg, into)
	}
}
