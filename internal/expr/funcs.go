package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnknownFunctionError reports a Func node naming something outside
// the closed function table.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("expr: unknown function %q", e.Name)
}

// scalarFunc implements one entry of the closed function table. args
// are already-evaluated values; arity has been checked by the caller's
// compiled-node construction, not here.
type scalarFunc func(args []any) any

// funcTable is the exhaustive set of supported function names. Any
// Func node naming something else fails compile with
// UnknownFunctionError.
var funcTable = map[string]scalarFunc{
	"eq":     func(a []any) any { return equalNormalized(a[0], a[1]) },
	"gt":     func(a []any) any { return compare(a[0], a[1]) > 0 },
	"gte":    func(a []any) any { return compare(a[0], a[1]) >= 0 },
	"lt":     func(a []any) any { return compare(a[0], a[1]) < 0 },
	"lte":    func(a []any) any { return compare(a[0], a[1]) <= 0 },
	"and":    funcAnd,
	"or":     funcOr,
	"not":    func(a []any) any { return !truthy(a[0]) },
	"in":     funcIn,
	"like":   func(a []any) any { return sqlLike(a[0], a[1], false) },
	"ilike":  func(a []any) any { return sqlLike(a[0], a[1], true) },
	"upper":  func(a []any) any { return applyStringFn(a[0], strings.ToUpper) },
	"lower":  func(a []any) any { return applyStringFn(a[0], strings.ToLower) },
	"length": funcLength,
	"concat": funcConcat,
	"coalesce": funcCoalesce,
	"add":      func(a []any) any { return asFloat(a[0]) + asFloat(a[1]) },
	"subtract": func(a []any) any { return asFloat(a[0]) - asFloat(a[1]) },
	"multiply": func(a []any) any { return asFloat(a[0]) * asFloat(a[1]) },
	"divide":   funcDivide,
	"isNull":      func(a []any) any { return a[0] == nil },
	"isUndefined": func(a []any) any { return a[0] == nil },
}

// funcArity gives the expected argument count for functions with a
// fixed arity; variadic functions (and, or, concat, coalesce) are
// absent here and validated only for a minimum.
var funcArity = map[string]int{
	"eq": 2, "gt": 2, "gte": 2, "lt": 2, "lte": 2,
	"not": 1, "in": 2, "like": 2, "ilike": 2,
	"upper": 1, "lower": 1, "length": 1,
	"add": 2, "subtract": 2, "multiply": 2, "divide": 2,
	"isNull": 1, "isUndefined": 1,
}

// CheckFunc validates a Func node's name and argument count at
// compile time, returning UnknownFunctionError or an arity error.
func CheckFunc(f Func) error {
	if _, ok := funcTable[f.Name]; !ok {
		return &UnknownFunctionError{Name: f.Name}
	}
	switch f.Name {
	case "and", "or":
		if len(f.Args) < 2 {
			return fmt.Errorf("expr: %s requires at least 2 arguments, got %d", f.Name, len(f.Args))
		}
	case "concat", "coalesce":
		if len(f.Args) < 1 {
			return fmt.Errorf("expr: %s requires at least 1 argument, got %d", f.Name, len(f.Args))
		}
	default:
		if want, ok := funcArity[f.Name]; ok && len(f.Args) != want {
			return fmt.Errorf("expr: %s expects %d arguments, got %d", f.Name, want, len(f.Args))
		}
	}
	return nil
}

func funcAnd(a []any) any {
	for _, v := range a {
		if !truthy(v) {
			return false
		}
	}
	return true
}

func funcOr(a []any) any {
	for _, v := range a {
		if truthy(v) {
			return true
		}
	}
	return false
}

func funcIn(a []any) any {
	needle, haystack := a[0], a[1]
	items, ok := haystack.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalNormalized(needle, item) == true {
			return true
		}
	}
	return false
}

func funcLength(a []any) any {
	switch v := a[0].(type) {
	case string:
		return float64(len(v))
	case []any:
		return float64(len(v))
	default:
		return float64(0)
	}
}

func funcConcat(a []any) any {
	var b strings.Builder
	for _, v := range a {
		b.WriteString(toStringBestEffort(v))
	}
	return b.String()
}

func funcCoalesce(a []any) any {
	for _, v := range a {
		if v != nil {
			return v
		}
	}
	return nil
}

func funcDivide(a []any) any {
	divisor := asFloat(a[1])
	if divisor == 0 {
		return nil
	}
	return asFloat(a[0]) / divisor
}

func applyStringFn(v any, f func(string) string) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return f(s)
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// equalNormalized implements eq's "== after date-to-epoch
// normalization" semantics.
func equalNormalized(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		a = at.UnixMilli()
	}
	if bt, ok := b.(time.Time); ok {
		b = bt.UnixMilli()
	}
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
	}
	return a == b
}

// compare implements gt/gte/lt/lte's relational ordering without date
// normalization.
func compare(a, b any) int {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asFloat(v any) float64 {
	if v == nil {
		return 0
	}
	f, _ := toNumber(v)
	return f
}

func toStringBestEffort(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// sqlLike implements SQL-style % and _ wildcards; ilike folds case
// before matching.
func sqlLike(value, pattern any, insensitive bool) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	if insensitive {
		s = strings.ToLower(s)
		p = strings.ToLower(p)
	}
	return likeMatch(s, p)
}

// likeMatch is a small recursive-descent matcher for % (any run) and _
// (single char), mirroring SQL LIKE semantics without pulling in a
// regex compile per evaluation.
func likeMatch(s, p string) bool {
	var sr, pr []rune
	sr, pr = []rune(s), []rune(p)
	return likeMatchRunes(sr, pr)
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatchRunes(s, p[1:]) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if likeMatchRunes(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}
