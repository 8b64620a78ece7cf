package deps

import (
	"reflect"
	"testing"
)

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestResolve_OrdersDependenciesFirst(t *testing.T) {
	g := NewGraph(map[string][]string{
		"deploy":  {"build", "auth"},
		"build":   {"fetch"},
		"auth":    nil,
		"publish": {"build"},
	})

	res := g.Resolve([]string{"deploy", "publish"}, nil)

	if res.HasCycle() {
		t.Fatalf("unexpected cycle: %v", res.Unresolved)
	}
	want := map[string]bool{"deploy": true, "publish": true, "build": true, "auth": true, "fetch": true}
	if len(res.Order) != len(want) {
		t.Fatalf("Order = %v, want %d nodes", res.Order, len(want))
	}
	for _, name := range res.Order {
		if !want[name] {
			t.Errorf("unexpected node %q", name)
		}
		for _, dep := range g.Requires(name) {
			if indexOf(res.Order, dep) > indexOf(res.Order, name) {
				t.Errorf("%s loaded before its dependency %s: %v", name, dep, res.Order)
			}
		}
	}
	if !reflect.DeepEqual(res.AutoAdded, []string{"build", "auth", "fetch"}) {
		t.Errorf("AutoAdded = %v", res.AutoAdded)
	}
}

func TestResolve_PrefersRequestedTools(t *testing.T) {
	g := NewGraph(map[string][]string{
		"search": {"http"},
	})
	// "notes" and "http" are both ready at the start; the requested tool wins.
	res := g.Resolve([]string{"search", "notes"}, nil)
	want := []string{"notes", "http", "search"}
	if !reflect.DeepEqual(res.Order, want) {
		t.Errorf("Order = %v, want %v", res.Order, want)
	}
}

func TestResolve_SkipsBlockedDependencies(t *testing.T) {
	g := NewGraph(map[string][]string{
		"browser": {"shell", "http"},
	})
	allow := func(name string) bool { return name != "shell" }

	res := g.Resolve([]string{"browser"}, allow)

	if len(res.Skipped) != 1 || res.Skipped[0].Name != "shell" || res.Skipped[0].RequiredBy != "browser" {
		t.Fatalf("Skipped = %+v", res.Skipped)
	}
	if !reflect.DeepEqual(res.Order, []string{"http", "browser"}) {
		t.Errorf("Order = %v", res.Order)
	}
}

func TestResolve_CycleReturnsPrefixAndUnresolved(t *testing.T) {
	g := NewGraph(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {"e"},
	})

	res := g.Resolve([]string{"a", "d"}, nil)

	if !res.HasCycle() {
		t.Fatal("expected cycle")
	}
	if len(res.Order) == 0 {
		t.Fatal("expected a non-empty prefix")
	}
	if !reflect.DeepEqual(res.Order, []string{"e", "d"}) {
		t.Errorf("Order = %v", res.Order)
	}
	if !reflect.DeepEqual(res.Unresolved, []string{"a", "b", "c"}) {
		t.Errorf("Unresolved = %v", res.Unresolved)
	}
	if len(res.Order)+len(res.Unresolved) != 5 {
		t.Errorf("nodes lost: order=%v unresolved=%v", res.Order, res.Unresolved)
	}
}

func TestResolve_DependentOfCycleIsUnresolved(t *testing.T) {
	g := NewGraph(map[string][]string{
		"x": {"y"},
		"y": {"x"},
		"z": {"x"},
	})
	res := g.Resolve([]string{"z"}, nil)
	if len(res.Order) != 0 {
		t.Errorf("Order = %v, want empty", res.Order)
	}
	if !reflect.DeepEqual(res.Unresolved, []string{"z", "x", "y"}) {
		t.Errorf("Unresolved = %v", res.Unresolved)
	}
}

func TestResolve_NormalizesAndDedupes(t *testing.T) {
	g := NewGraph(map[string][]string{
		" Search ": {"HTTP", "http", "search"},
	})
	res := g.Resolve([]string{"search", "SEARCH", ""}, nil)
	if !reflect.DeepEqual(res.Order, []string{"http", "search"}) {
		t.Errorf("Order = %v", res.Order)
	}
}

func TestResolve_UnknownToolHasNoDependencies(t *testing.T) {
	var g Graph
	res := g.Resolve([]string{"mystery"}, nil)
	if !reflect.DeepEqual(res.Order, []string{"mystery"}) {
		t.Errorf("Order = %v", res.Order)
	}
}

func TestClosure(t *testing.T) {
	g := NewGraph(map[string][]string{
		"a": {"b"},
		"b": {"c"},
	})
	closure := g.Closure([]string{"a"})
	if len(closure) != 3 {
		t.Errorf("Closure = %v", closure)
	}
	if names := g.Names(); !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Errorf("Names = %v", names)
	}
}
