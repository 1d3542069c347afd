package merge

import (
	"reflect"
	"testing"
)

func TestMerge_OnlyOneSideChanged(t *testing.T) {
	base := Doc{"a": 1, "b": 2}
	left := Doc{"a": 1, "b": 2}
	right := Doc{"a": 1, "b": 5}
	got, tomb, conflict, err := Merge(base, left, right, false, false, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if tomb || conflict != nil {
		t.Fatalf("unexpected tombstone=%v conflict=%v", tomb, conflict)
	}
	want := Doc{"a": 1, "b": 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMerge_SameChangeBothSides(t *testing.T) {
	base := Doc{"a": 1}
	left := Doc{"a": 9}
	right := Doc{"a": 9}
	got, _, conflict, err := Merge(base, left, right, false, false, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if conflict != nil {
		t.Fatalf("unexpected conflict %v", conflict)
	}
	if got["a"] != 9 {
		t.Fatalf("got %v", got)
	}
}

func TestMerge_ConflictingEdits(t *testing.T) {
	base := Doc{"a": 1}
	left := Doc{"a": 2}
	right := Doc{"a": 3}
	_, _, conflict, err := Merge(base, left, right, false, false, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || len(conflict.Keys) != 1 || conflict.Keys[0] != "a" {
		t.Fatalf("expected conflict on key a, got %v", conflict)
	}
}

func TestMerge_DeletionPropagates(t *testing.T) {
	base := Doc{"a": 1, "b": 2}
	left := Doc{"a": 1, "b": 2} // unchanged
	right := Doc{"a": 1}       // deleted b
	got, _, conflict, err := Merge(base, left, right, false, false, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if conflict != nil {
		t.Fatalf("unexpected conflict %v", conflict)
	}
	if _, ok := got["b"]; ok {
		t.Fatalf("expected b deleted, got %v", got)
	}
}

func TestMerge_DeletionVsEditConflicts(t *testing.T) {
	base := Doc{"a": 1, "b": 2}
	left := Doc{"a": 1, "b": 7} // edited b
	right := Doc{"a": 1}       // deleted b
	_, _, conflict, err := Merge(base, left, right, false, false, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || conflict.Keys[0] != "b" {
		t.Fatalf("expected conflict on b, got %v", conflict)
	}
}

func TestMerge_TombstoneBothSides(t *testing.T) {
	_, tomb, conflict, err := Merge(Doc{"a": 1}, nil, nil, true, true, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if !tomb || conflict != nil {
		t.Fatalf("expected clean tombstone, got tomb=%v conflict=%v", tomb, conflict)
	}
}

func TestMerge_TombstoneVsEdit_DeleteWins(t *testing.T) {
	_, tomb, conflict, err := Merge(Doc{"a": 1}, nil, Doc{"a": 9}, true, false, PolicyDeleteWins)
	if err != nil {
		t.Fatal(err)
	}
	if !tomb || conflict != nil {
		t.Fatalf("expected tombstone wins, got tomb=%v conflict=%v", tomb, conflict)
	}
}

func TestMerge_TombstoneVsEdit_EditWins(t *testing.T) {
	got, tomb, conflict, err := Merge(Doc{"a": 1}, nil, Doc{"a": 9}, true, false, PolicyEditWins)
	if err != nil {
		t.Fatal(err)
	}
	if tomb || conflict != nil {
		t.Fatalf("expected edit wins, got tomb=%v conflict=%v", tomb, conflict)
	}
	if got["a"] != 9 {
		t.Fatalf("got %v", got)
	}
}

func TestMerge_TombstoneVsEdit_Conflict(t *testing.T) {
	_, tomb, conflict, err := Merge(Doc{"a": 1}, nil, Doc{"a": 9}, true, false, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if tomb {
		t.Fatalf("expected no decision under conflict policy")
	}
	if conflict == nil || conflict.Keys[0] != TombstoneConflictKey {
		t.Fatalf("expected tombstone conflict marker, got %v", conflict)
	}
}

func TestVirtualBase_Agreement(t *testing.T) {
	lcas := []Doc{{"a": 1, "b": 2}, {"a": 1, "b": 2}}
	tombs := []bool{false, false}
	got, tomb, conflicts, err := VirtualBase(lcas, tombs, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if tomb || len(conflicts) != 0 {
		t.Fatalf("unexpected tomb=%v conflicts=%v", tomb, conflicts)
	}
	want := Doc{"a": 1, "b": 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestVirtualBase_Disagreement(t *testing.T) {
	lcas := []Doc{{"a": 1}, {"a": 2}}
	tombs := []bool{false, false}
	_, _, conflicts, err := VirtualBase(lcas, tombs, PolicyConflict)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0] != "a" {
		t.Fatalf("expected conflict on a, got %v", conflicts)
	}
}

func TestChain_DropsOnNil(t *testing.T) {
	chain := Chain{
		func(d Doc, _ HookOpts) (Doc, error) { d["touched"] = true; return d, nil },
		func(d Doc, _ HookOpts) (Doc, error) { return nil, nil },
	}
	_, ok, err := chain.Apply(Doc{}, HookOpts{Direction: "export"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected chain to drop the document")
	}
}

func TestChain_AppliesInOrder(t *testing.T) {
	var order []string
	chain := Chain{
		func(d Doc, _ HookOpts) (Doc, error) { order = append(order, "first"); return d, nil },
		func(d Doc, _ HookOpts) (Doc, error) { order = append(order, "second"); return d, nil },
	}
	out, ok, err := chain.Apply(Doc{"x": 1}, HookOpts{Direction: "import"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || out["x"] != 1 {
		t.Fatalf("unexpected result %v ok=%v", out, ok)
	}
	if !reflect.DeepEqual(order, []string{"first", "second"}) {
		t.Fatalf("got order %v", order)
	}
}
