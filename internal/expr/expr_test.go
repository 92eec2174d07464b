package expr

import (
	"testing"
	"time"
)

func TestCompileSingleRowRef(t *testing.T) {
	row := map[string]any{"user": map[string]any{"name": "ada"}}
	fn, err := CompileSingleRow(Ref{Path: []string{"user", "name"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v, err := fn(row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != "ada" {
		t.Fatalf("got %v, want ada", v)
	}
}

func TestCompileSingleRowRefShortCircuits(t *testing.T) {
	fn, err := CompileSingleRow(Ref{Path: []string{"missing", "name"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v, err := fn(map[string]any{})
	if err != nil || v != nil {
		t.Fatalf("expected nil, nil; got %v, %v", v, err)
	}
}

func TestCompileNamespacedRef(t *testing.T) {
	row := map[string]any{
		"u": map[string]any{"id": float64(1)},
		"o": map[string]any{"userId": float64(1)},
	}
	fn, err := CompileNamespaced(Func{Name: "eq", Args: []Expr{
		Ref{Path: []string{"u", "id"}},
		Ref{Path: []string{"o", "userId"}},
	}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v, err := fn(row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != true {
		t.Fatalf("got %v, want true", v)
	}
}

func TestFuncTableArithmeticAndNullHandling(t *testing.T) {
	cases := []struct {
		name string
		fn   Func
		want any
	}{
		{"add", Func{Name: "add", Args: []Expr{Value{2.0}, Value{3.0}}}, 5.0},
		{"subtract", Func{Name: "subtract", Args: []Expr{Value{5.0}, Value{3.0}}}, 2.0},
		{"multiply", Func{Name: "multiply", Args: []Expr{Value{2.0}, Value{4.0}}}, 8.0},
		{"divide by zero", Func{Name: "divide", Args: []Expr{Value{1.0}, Value{0.0}}}, nil},
		{"divide", Func{Name: "divide", Args: []Expr{Value{10.0}, Value{2.0}}}, 5.0},
		{"add null treated as zero", Func{Name: "add", Args: []Expr{Value{nil}, Value{4.0}}}, 4.0},
		{"coalesce", Func{Name: "coalesce", Args: []Expr{Value{nil}, Value{nil}, Value{"x"}}}, "x"},
		{"concat", Func{Name: "concat", Args: []Expr{Value{"a"}, Value{1.0}, Value{true}}}, "a1true"},
		{"isNull true", Func{Name: "isNull", Args: []Expr{Value{nil}}}, true},
		{"isNull false", Func{Name: "isNull", Args: []Expr{Value{"x"}}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, err := Eval(c.fn, nil, false)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if v != c.want {
				t.Fatalf("got %v, want %v", v, c.want)
			}
		})
	}
}

func TestLikeAndIlike(t *testing.T) {
	cases := []struct {
		value, pattern string
		insensitive    bool
		want           bool
	}{
		{"hello world", "hello%", false, true},
		{"hello world", "HELLO%", false, false},
		{"hello world", "HELLO%", true, true},
		{"abc", "a_c", false, true},
		{"ac", "a_c", false, false},
		{"abc", "%b%", false, true},
	}
	for _, c := range cases {
		got := sqlLike(c.value, c.pattern, c.insensitive)
		if got != c.want {
			t.Errorf("sqlLike(%q,%q,%v) = %v, want %v", c.value, c.pattern, c.insensitive, got, c.want)
		}
	}
}

func TestInFunction(t *testing.T) {
	v, err := Eval(Func{Name: "in", Args: []Expr{
		Value{"b"},
		Value{[]any{"a", "b", "c"}},
	}}, nil, false)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != true {
		t.Fatalf("got %v, want true", v)
	}

	v, err = Eval(Func{Name: "in", Args: []Expr{
		Value{"x"},
		Value{"not-an-array"},
	}}, nil, false)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v != false {
		t.Fatalf("in() over non-array should be false, got %v", v)
	}
}

func TestUnknownFunctionError(t *testing.T) {
	_, err := CompileSingleRow(Func{Name: "frobnicate", Args: []Expr{Value{1}}})
	if err == nil {
		t.Fatalf("expected UnknownFunctionError")
	}
	if _, ok := err.(*UnknownFunctionError); !ok {
		t.Fatalf("expected *UnknownFunctionError, got %T", err)
	}
}

func TestArityError(t *testing.T) {
	_, err := CompileSingleRow(Func{Name: "not", Args: []Expr{Value{1}, Value{2}}})
	if err == nil {
		t.Fatalf("expected arity error")
	}
}

func TestAndOrShortCircuitSemantics(t *testing.T) {
	v, err := Eval(Func{Name: "and", Args: []Expr{Value{true}, Value{false}, Value{true}}}, nil, false)
	if err != nil || v != false {
		t.Fatalf("and() = %v, %v; want false, nil", v, err)
	}
	v, err = Eval(Func{Name: "or", Args: []Expr{Value{false}, Value{false}, Value{true}}}, nil, false)
	if err != nil || v != true {
		t.Fatalf("or() = %v, %v; want true, nil", v, err)
	}
}

func TestRefAliases(t *testing.T) {
	e := Func{Name: "eq", Args: []Expr{
		Ref{Path: []string{"u", "id"}},
		Ref{Path: []string{"o", "userId"}},
	}}
	aliases := RefAliases(e)
	if len(aliases) != 2 || !aliases["u"] || !aliases["o"] {
		t.Fatalf("got %v, want {u,o}", aliases)
	}
}

func TestEqNormalizesTimeToEpoch(t *testing.T) {
	t1 := time.UnixMilli(1000)
	t2 := time.UnixMilli(1000)
	v, err := Eval(Func{Name: "eq", Args: []Expr{
		Value{t1},
		Value{t2},
	}}, nil, false)
	if err != nil || v != true {
		t.Fatalf("eq() = %v, %v; want true, nil", v, err)
	}
}
