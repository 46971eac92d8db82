package discovery

import (
	"fmt"
	"testing"
)

func candidates(t *testing.T, n int) []*Endpoint {
	t.Helper()
	out := make([]*Endpoint, n)
	for i := range out {
		out[i] = mustEndpoint(t, fmt.Sprintf("http://10.0.0.%d:8080", i+1))
	}
	sortEndpoints(out)
	return out
}

func TestNewSelector_Unknown(t *testing.T) {
	if _, err := NewSelector("fastest", 1); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestRandomSelector_PicksMember(t *testing.T) {
	sel, err := NewSelector(StrategyRandom, 42)
	if err != nil {
		t.Fatal(err)
	}
	cands := candidates(t, 3)
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		got := sel.Select(SelectionKey{ServiceID: "orders"}, cands)
		found := false
		for j, c := range cands {
			if c == got {
				found = true
				seen[j] = true
			}
		}
		if !found {
			t.Fatalf("selected endpoint %v is not a candidate", got)
		}
	}
	if len(seen) != 3 {
		t.Errorf("expected every candidate to be picked eventually, saw %v", seen)
	}
}

func TestRoundRobinSelector(t *testing.T) {
	sel, _ := NewSelector(StrategyRoundRobin, 1)
	cands := candidates(t, 3)
	key := SelectionKey{ServiceID: "orders", Environment: "dev", Protocol: "http"}

	for round := 0; round < 2; round++ {
		for i := range cands {
			if got := sel.Select(key, cands); got != cands[i] {
				t.Fatalf("round %d pick %d: expected %s, got %s", round, i, cands[i].Key(), got.Key())
			}
		}
	}

	// A different group keeps its own position.
	other := SelectionKey{ServiceID: "orders", Protocol: "http"}
	if got := sel.Select(other, cands); got != cands[0] {
		t.Errorf("expected independent counter per group, got %s", got.Key())
	}
	// Shrinking membership never indexes out of range.
	if got := sel.Select(key, cands[:1]); got != cands[0] {
		t.Errorf("expected the only candidate, got %s", got.Key())
	}
}

func TestWeightedSelector(t *testing.T) {
	sel, _ := NewSelector(StrategyWeighted, 7)
	heavy := mustEndpoint(t, "http://10.0.0.1:8080?weight=99")
	light := mustEndpoint(t, "http://10.0.0.2:8080?weight=bogus")

	hits := 0
	for i := 0; i < 1000; i++ {
		if sel.Select(SelectionKey{}, []*Endpoint{heavy, light}) == heavy {
			hits++
		}
	}
	if hits < 900 {
		t.Errorf("expected the heavy instance to dominate, got %d/1000", hits)
	}
}

func TestWeightOf(t *testing.T) {
	tests := map[string]int{
		"http://10.0.0.1:1":           1,
		"http://10.0.0.1:1?weight=5":  5,
		"http://10.0.0.1:1?weight=0":  1,
		"http://10.0.0.1:1?weight=-2": 1,
		"http://10.0.0.1:1?weight=x":  1,
	}
	for raw, want := range tests {
		if got := weightOf(mustEndpoint(t, raw)); got != want {
			t.Errorf("weightOf(%s) = %d, want %d", raw, got, want)
		}
	}
}

func TestConsistentHashSelector(t *testing.T) {
	sel, _ := NewSelector(StrategyConsistentHash, 3)
	cands := candidates(t, 5)
	key := SelectionKey{ServiceID: "orders", RequestKey: "customer-17"}

	owner := sel.Select(key, cands)
	for i := 0; i < 10; i++ {
		if got := sel.Select(key, cands); got != owner {
			t.Fatalf("request key moved from %s to %s", owner.Key(), got.Key())
		}
	}

	// Removing an instance that does not own the key keeps the assignment.
	var remaining []*Endpoint
	removed := false
	for _, c := range cands {
		if c != owner && !removed {
			removed = true
			continue
		}
		remaining = append(remaining, c)
	}
	if got := sel.Select(key, remaining); got != owner {
		t.Errorf("expected %s to keep the key, got %s", owner.Key(), got.Key())
	}

	if got := sel.Select(SelectionKey{ServiceID: "orders"}, cands); got == nil {
		t.Error("expected a fallback pick without a request key")
	}
}

func TestFirstSelector(t *testing.T) {
	sel, _ := NewSelector(StrategyFirst, 0)
	cands := candidates(t, 3)
	if got := sel.Select(SelectionKey{}, cands); got != cands[0] {
		t.Errorf("expected first candidate, got %s", got.Key())
	}
}
