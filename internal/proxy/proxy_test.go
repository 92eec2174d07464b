package proxy

import "testing"

func TestSetThenRevertClearsModified(t *testing.T) {
	d := New(map[string]any{"name": "ada", "age": 30})

	d.Set("name", "grace")
	if !d.Modified() {
		t.Fatalf("expected modified after Set")
	}

	d.Set("name", "ada")
	if d.Modified() {
		t.Fatalf("expected modified to clear after reverting to original value")
	}
}

func TestNestedMutationPropagatesModifiedUpward(t *testing.T) {
	d := New(map[string]any{
		"profile": map[string]any{"city": "nyc"},
	})

	child := d.Get("profile").(*Draft)
	child.Set("city", "sf")

	if !d.Modified() {
		t.Fatalf("expected parent to be modified after nested Set")
	}

	child.Set("city", "nyc")
	if d.Modified() {
		t.Fatalf("expected parent modified to clear once nested change reverted")
	}
}

func TestGetCachesChildProxy(t *testing.T) {
	d := New(map[string]any{"profile": map[string]any{"city": "nyc"}})
	a := d.Get("profile")
	b := d.Get("profile")
	if a != b {
		t.Fatalf("expected Get to return the same cached child draft")
	}
}

func TestDeleteExistingKeyMarksModified(t *testing.T) {
	d := New(map[string]any{"name": "ada"})
	d.Delete("name")
	if !d.Modified() {
		t.Fatalf("expected delete of existing key to mark modified")
	}
}

func TestDeleteAbsentKeyIsNeverWas(t *testing.T) {
	d := New(map[string]any{"name": "ada"})
	d.Delete("nope")
	if d.Modified() {
		t.Fatalf("deleting a key absent from the original must not mark modified")
	}
}

func TestMaterializeDeltaContainsOnlyChangedKeys(t *testing.T) {
	d2 := New(map[string]any{
		"a": map[string]any{"x": 1},
		"b": 2,
	})
	nested := d2.Get("a").(*Draft)
	nested.Set("x", 99)

	got := d2.Materialize().(map[string]any)
	if len(got) != 1 {
		t.Fatalf("expected delta with exactly the changed top-level key, got %v", got)
	}
	inner, ok := got["a"].(map[string]any)
	if !ok || inner["x"] != 99 {
		t.Fatalf("expected nested delta {x:99}, got %v", got["a"])
	}
}

func TestMaterializeFullCopyWhenTopLevelKeyAssigned(t *testing.T) {
	d := New(map[string]any{"a": 1, "b": 2})
	d.Set("a", 5)
	got := d.Materialize().(map[string]any)
	if got["a"] != 5 || got["b"] != 2 {
		t.Fatalf("expected full copy with both keys, got %v", got)
	}
}

func TestSpliceAndPushOnSliceDraft(t *testing.T) {
	d := New([]any{1, 2, 3})
	d.Push(4)
	d.Splice(0, 1)
	got := d.Materialize().([]any)
	want := []any{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDiffReplacedForNonMapValues(t *testing.T) {
	delta := Diff(1, 2)
	if !delta.Replaced || delta.Value != 2 {
		t.Fatalf("expected replaced delta with value 2, got %+v", delta)
	}
	if !Diff(1, 1).IsEmpty() {
		t.Fatalf("expected equal scalars to diff empty")
	}
}

func TestDiffChangedKeysForMaps(t *testing.T) {
	delta := Diff(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"a": 1, "b": 3, "c": 4},
	)
	if delta.Replaced {
		t.Fatalf("expected map diff, not a replacement")
	}
	if delta.Changed["b"] != 3 || delta.Changed["c"] != 4 {
		t.Fatalf("got %+v", delta.Changed)
	}
	if _, ok := delta.Changed["a"]; ok {
		t.Fatalf("unchanged key a should not appear in delta")
	}
}

func TestDiffMarksDeletedKeysAsNil(t *testing.T) {
	delta := Diff(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"a": 1},
	)
	v, ok := delta.Changed["b"]
	if !ok || v != nil {
		t.Fatalf("expected deleted key b to map to nil, got %v, %v", v, ok)
	}
}
