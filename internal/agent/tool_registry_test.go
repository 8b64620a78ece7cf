package agent

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestToolRegistry_RegisterLookup(t *testing.T) {
	r := NewToolRegistry(&mockTool{name: "Search"})

	if _, ok := r.Lookup("search"); !ok {
		t.Fatal("lookup should be case-insensitive")
	}
	if _, ok := r.Lookup(" SEARCH "); !ok {
		t.Fatal("lookup should trim whitespace")
	}
	if _, ok := r.Lookup(strings.Repeat("a", MaxToolNameLength+1)); ok {
		t.Fatal("overlong names must not resolve")
	}

	replacement := &mockTool{name: "search"}
	r.Register(replacement)
	got, _ := r.Lookup("search")
	if got != replacement {
		t.Error("Register should replace a tool with the same name")
	}
	if names := r.Names(); len(names) != 1 {
		t.Errorf("Names() = %v", names)
	}
}

func TestToolRegistry_Generations(t *testing.T) {
	r := NewToolRegistry()
	if r.Generation() != 0 {
		t.Fatalf("empty registry generation = %d", r.Generation())
	}
	r.Register(&mockTool{name: "a"}, &mockTool{name: "b"})
	r.Unregister("a")
	if r.Generation() != 2 {
		t.Errorf("generation = %d, want 2", r.Generation())
	}
	specs := r.Specs()
	if len(specs) != 1 || specs[0].Name != "b" {
		t.Errorf("Specs() = %+v", specs)
	}

	r.Invalidate()
	if len(r.Names()) != 0 {
		t.Errorf("Invalidate left %v", r.Names())
	}
}

func TestToolRegistry_ConcurrentReadersSeeWholeGenerations(t *testing.T) {
	r := NewToolRegistry()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Pairs are registered together, so a snapshot holds both or neither.
			snap := r.snapshot()
			_, hasA := snap.tools["pair_a"]
			_, hasB := snap.tools["pair_b"]
			if hasA != hasB {
				t.Error("observed a half-registered pair")
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		r.Register(&mockTool{name: "pair_a"}, &mockTool{name: "pair_b"})
		r.Unregister("pair_a", "pair_b")
	}
	close(stop)
	wg.Wait()
}

func TestRunLocks_SerializesPerRun(t *testing.T) {
	locks := newRunLocks()
	release := locks.lock("r1")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		locks.lock("r1")()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same run acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	otherRun := locks.lock("r2")
	otherRun()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.locks) != 0 {
		t.Errorf("lock entries leaked: %d", len(locks.locks))
	}
}
