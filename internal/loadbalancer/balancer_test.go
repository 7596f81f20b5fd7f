package loadbalancer

import (
	"fmt"
	"testing"

	"github.com/gantrygw/gantry/internal/errors"
)

func mustTargets(t *testing.T, n int) []*Target {
	t.Helper()
	targets := make([]*Target, n)
	for i := range targets {
		tgt, err := NewTarget(fmt.Sprintf("t%d", i+1), fmt.Sprintf("http://10.0.0.%d:8080", i+1), 1)
		if err != nil {
			t.Fatal(err)
		}
		targets[i] = tgt
	}
	return targets
}

func TestNewTargetValidation(t *testing.T) {
	if _, err := NewTarget("", "http://x", 1); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := NewTarget("a", "://bad", 1); err == nil {
		t.Error("expected error for invalid url")
	}
	if _, err := NewTarget("a", "no-scheme", 1); err == nil {
		t.Error("expected error for url without scheme")
	}
	tgt, err := NewTarget("a", "http://x:80", 0)
	if err != nil {
		t.Fatal(err)
	}
	if tgt.Weight != 1 {
		t.Errorf("zero weight should default to 1, got %d", tgt.Weight)
	}
	if !tgt.Healthy() {
		t.Error("new targets start healthy")
	}
}

func TestUnknownPolicy(t *testing.T) {
	if _, err := New("best-effort", nil); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestRoundRobinSequence(t *testing.T) {
	targets := mustTargets(t, 2)
	b, err := New(RoundRobin, targets)
	if err != nil {
		t.Fatal(err)
	}

	// Two healthy targets: A, B, A.
	want := []string{"t1", "t2", "t1"}
	for i, w := range want {
		got, err := b.Select(Pick{})
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != w {
			t.Errorf("call %d: got %s, want %s", i+1, got.ID, w)
		}
		b.Release(got)
	}
}

func TestZeroTargets(t *testing.T) {
	for _, policy := range []Policy{RoundRobin, WeightedRoundRobin, LeastConnections, IPHash, Random, ConsistentHash} {
		b, err := New(policy, nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = b.Select(Pick{ClientAddr: "1.2.3.4", Key: "/a"})
		if !errors.IsKind(err, errors.KindNoHealthyTargets) {
			t.Errorf("%s: want NoHealthyTargets, got %v", policy, err)
		}
	}
}

func TestSingleHealthyTargetFastPath(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(RoundRobin, targets)
	if err != nil {
		t.Fatal(err)
	}
	b.MarkUnhealthy("t1")
	b.MarkUnhealthy("t3")

	for i := 0; i < 5; i++ {
		got, err := b.Select(Pick{})
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != "t2" {
			t.Fatalf("only healthy target is t2, got %s", got.ID)
		}
		b.Release(got)
	}
}

func TestNeverSelectsUnhealthy(t *testing.T) {
	for _, policy := range []Policy{RoundRobin, WeightedRoundRobin, LeastConnections, IPHash, Random, ConsistentHash} {
		t.Run(string(policy), func(t *testing.T) {
			targets := mustTargets(t, 4)
			b, err := New(policy, targets)
			if err != nil {
				t.Fatal(err)
			}
			b.MarkUnhealthy("t2")
			b.MarkUnhealthy("t4")

			for i := 0; i < 200; i++ {
				got, err := b.Select(Pick{
					ClientAddr: fmt.Sprintf("10.1.1.%d", i%250),
					Key:        fmt.Sprintf("/k/%d", i),
				})
				if err != nil {
					t.Fatal(err)
				}
				if got.ID == "t2" || got.ID == "t4" {
					t.Fatalf("selected unhealthy target %s", got.ID)
				}
				b.Release(got)
			}
		})
	}
}

func TestWeightedRoundRobinExactBands(t *testing.T) {
	t1, _ := NewTarget("t1", "http://a:80", 1)
	t2, _ := NewTarget("t2", "http://b:80", 2)
	t3, _ := NewTarget("t3", "http://c:80", 3)
	b, err := New(WeightedRoundRobin, []*Target{t1, t2, t3})
	if err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{}
	const cycles = 100
	for i := 0; i < 6*cycles; i++ {
		got, err := b.Select(Pick{})
		if err != nil {
			t.Fatal(err)
		}
		counts[got.ID]++
		b.Release(got)
	}

	// The band walk serves weights exactly over whole cycles.
	if counts["t1"] != cycles || counts["t2"] != 2*cycles || counts["t3"] != 3*cycles {
		t.Errorf("distribution = %v, want %d/%d/%d", counts, cycles, 2*cycles, 3*cycles)
	}
}

func TestLeastConnectionsPrefersIdle(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(LeastConnections, targets)
	if err != nil {
		t.Fatal(err)
	}

	// Hold connections open on the first two selections.
	first, _ := b.Select(Pick{})
	second, _ := b.Select(Pick{})
	third, _ := b.Select(Pick{})

	seen := map[string]bool{first.ID: true, second.ID: true, third.ID: true}
	if len(seen) != 3 {
		t.Errorf("with held connections every target should serve once, got %v", seen)
	}

	b.Release(first)
	b.Release(second)
	b.Release(third)

	// Ties break by list order.
	got, _ := b.Select(Pick{})
	if got.ID != "t1" {
		t.Errorf("tie should go to first target, got %s", got.ID)
	}
	b.Release(got)
}

func TestIPHashDeterministic(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(IPHash, targets)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := b.Select(Pick{ClientAddr: "198.51.100.7"})
	b.Release(first)
	for i := 0; i < 20; i++ {
		got, _ := b.Select(Pick{ClientAddr: "198.51.100.7"})
		if got.ID != first.ID {
			t.Fatalf("ip-hash not deterministic: %s vs %s", got.ID, first.ID)
		}
		b.Release(got)
	}

	// Different addresses spread across more than one target.
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		got, _ := b.Select(Pick{ClientAddr: fmt.Sprintf("203.0.113.%d", i)})
		seen[got.ID] = true
		b.Release(got)
	}
	if len(seen) < 2 {
		t.Errorf("ip-hash failed to spread: %v", seen)
	}
}

func TestRandomStaysInBounds(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(Random, targets)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		got, err := b.Select(Pick{})
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("nil target")
		}
		b.Release(got)
	}
}

func TestConnectionCountingPairs(t *testing.T) {
	targets := mustTargets(t, 2)
	b, err := New(RoundRobin, targets)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := b.Select(Pick{})
	if got.ActiveConnections() != 1 {
		t.Errorf("after select, active = %d, want 1", got.ActiveConnections())
	}
	b.Release(got)
	if got.ActiveConnections() != 0 {
		t.Errorf("after release, active = %d, want 0", got.ActiveConnections())
	}
}

func TestConsistentHashStableSelection(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(ConsistentHash, targets)
	if err != nil {
		t.Fatal(err)
	}

	first, err := b.Select(Pick{Key: "/a"})
	if err != nil {
		t.Fatal(err)
	}
	b.Release(first)

	for i := 0; i < 25; i++ {
		got, _ := b.Select(Pick{Key: "/a"})
		if got.ID != first.ID {
			t.Fatalf("consistent hash unstable: %s vs %s", got.ID, first.ID)
		}
		b.Release(got)
	}
}

func TestConsistentHashRemovalKeepsOtherAssignments(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(ConsistentHash, targets)
	if err != nil {
		t.Fatal(err)
	}

	// Record assignments for a key population.
	assign := map[string]string{}
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("/k/%d", i)
		got, _ := b.Select(Pick{Key: key})
		assign[key] = got.ID
		b.Release(got)
	}

	// Remove t1; keys that mapped to t2 or t3 must not move.
	b.SetTargets(targets[1:])
	for key, prev := range assign {
		if prev == "t1" {
			continue
		}
		got, _ := b.Select(Pick{Key: key})
		if got.ID != prev {
			t.Fatalf("key %s moved from %s to %s after removing t1", key, prev, got.ID)
		}
		b.Release(got)
	}
}

func TestConsistentHashAddReassignsBoundedShare(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(ConsistentHash, targets)
	if err != nil {
		t.Fatal(err)
	}

	assign := map[string]string{}
	const keys = 1000
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("/k/%d", i)
		got, _ := b.Select(Pick{Key: key})
		assign[key] = got.ID
		b.Release(got)
	}

	t4, _ := NewTarget("t4", "http://10.0.0.4:8080", 1)
	b.SetTargets(append(targets, t4))

	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("/k/%d", i)
		got, _ := b.Select(Pick{Key: key})
		if got.ID != assign[key] {
			moved++
		}
		b.Release(got)
	}

	// Expected share is ~1/4; allow generous slack for hash variance.
	if float64(moved)/keys > 0.40 {
		t.Errorf("adding one target moved %d/%d keys", moved, keys)
	}
}

func TestConsistentHashHealthFlipDoesNotRebuild(t *testing.T) {
	targets := mustTargets(t, 3)
	b, err := New(ConsistentHash, targets)
	if err != nil {
		t.Fatal(err)
	}

	assign := map[string]string{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("/k/%d", i)
		got, _ := b.Select(Pick{Key: key})
		assign[key] = got.ID
		b.Release(got)
	}

	// An unhealthy target diverts only its own keys; when it recovers,
	// every key returns to its original owner.
	b.MarkUnhealthy("t2")
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("/k/%d", i)
		got, _ := b.Select(Pick{Key: key})
		if assign[key] != "t2" && got.ID != assign[key] {
			t.Fatalf("healthy key %s moved from %s to %s", key, assign[key], got.ID)
		}
		if got.ID == "t2" {
			t.Fatalf("unhealthy target selected for %s", key)
		}
		b.Release(got)
	}

	b.MarkHealthy("t2")
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("/k/%d", i)
		got, _ := b.Select(Pick{Key: key})
		if got.ID != assign[key] {
			t.Fatalf("key %s did not return to %s after recovery", key, assign[key])
		}
		b.Release(got)
	}
}

func TestSetTargetsSwapsPool(t *testing.T) {
	targets := mustTargets(t, 2)
	b, err := New(RoundRobin, targets)
	if err != nil {
		t.Fatal(err)
	}

	replacement, _ := NewTarget("t9", "http://10.9.9.9:80", 1)
	b.SetTargets([]*Target{replacement})

	got, err := b.Select(Pick{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "t9" {
		t.Errorf("expected swapped pool target, got %s", got.ID)
	}
	b.Release(got)

	if n := len(b.Targets()); n != 1 {
		t.Errorf("Targets() len = %d, want 1", n)
	}
}
