package loadbalancer

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

type roundRobin struct {
	base
	counter atomic.Uint64
}

func (b *roundRobin) Policy() Policy { return RoundRobin }

func (b *roundRobin) Select(_ Pick) (*Target, error) {
	healthy := b.healthy()
	if t, err, done := pickTrivial(healthy); done {
		return t, err
	}
	idx := b.counter.Add(1) - 1
	t := healthy[idx%uint64(len(healthy))]
	t.active.Add(1)
	return t, nil
}

type weightedRoundRobin struct {
	base
	counter atomic.Uint64
}

func (b *weightedRoundRobin) Policy() Policy { return WeightedRoundRobin }

// Select walks the healthy targets accumulating weights until the counter,
// taken modulo the weight sum, falls inside a target's band. A full cycle
// of Σweight calls serves each target exactly weight times.
func (b *weightedRoundRobin) Select(_ Pick) (*Target, error) {
	healthy := b.healthy()
	if t, err, done := pickTrivial(healthy); done {
		return t, err
	}

	var total uint64
	for _, t := range healthy {
		total += uint64(t.Weight)
	}

	n := (b.counter.Add(1) - 1) % total
	var acc uint64
	for _, t := range healthy {
		acc += uint64(t.Weight)
		if n < acc {
			t.active.Add(1)
			return t, nil
		}
	}
	// Unreachable: n < total = final acc.
	t := healthy[len(healthy)-1]
	t.active.Add(1)
	return t, nil
}

type leastConnections struct {
	base
}

func (b *leastConnections) Policy() Policy { return LeastConnections }

func (b *leastConnections) Select(_ Pick) (*Target, error) {
	healthy := b.healthy()
	if t, err, done := pickTrivial(healthy); done {
		return t, err
	}

	best := healthy[0]
	bestActive := best.active.Load()
	for _, t := range healthy[1:] {
		if a := t.active.Load(); a < bestActive {
			best, bestActive = t, a
		}
	}
	best.active.Add(1)
	return best, nil
}

type ipHash struct {
	base
}

func (b *ipHash) Policy() Policy { return IPHash }

func (b *ipHash) Select(p Pick) (*Target, error) {
	healthy := b.healthy()
	if t, err, done := pickTrivial(healthy); done {
		return t, err
	}
	idx := xxhash.Sum64String(p.ClientAddr) % uint64(len(healthy))
	t := healthy[idx]
	t.active.Add(1)
	return t, nil
}

type random struct {
	base
}

func (b *random) Policy() Policy { return Random }

func (b *random) Select(_ Pick) (*Target, error) {
	healthy := b.healthy()
	if t, err, done := pickTrivial(healthy); done {
		return t, err
	}
	t := healthy[rand.IntN(len(healthy))]
	t.active.Add(1)
	return t, nil
}
