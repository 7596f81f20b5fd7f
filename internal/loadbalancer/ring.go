package loadbalancer

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/gantrygw/gantry/internal/errors"
)

// vnodesPerTarget multiplies each target into ring positions for smoother
// key distribution.
const vnodesPerTarget = 150

type ringEntry struct {
	hash   uint32
	target *Target
}

// consistentHash keys selection off a stable 32-bit digest ring. The ring
// holds every target regardless of health; selection walks clockwise past
// unhealthy entries. That keeps ring rebuilds tied to target-set changes
// only, so a health flip cannot reshuffle the key space.
type consistentHash struct {
	base
	ring    []ringEntry
	ringIDs []string // sorted target IDs the ring was built from
}

func newConsistentHash(targets []*Target) *consistentHash {
	b := &consistentHash{}
	b.init(targets)
	b.mu.Lock()
	b.rebuildRing()
	b.mu.Unlock()
	return b
}

func (b *consistentHash) Policy() Policy { return ConsistentHash }

// SetTargets replaces the target set, rebuilding the ring only when the set
// of target IDs actually changed. Rebuilds are idempotent.
func (b *consistentHash) SetTargets(targets []*Target) {
	b.mu.Lock()
	b.targets = append([]*Target(nil), targets...)
	ids := targetIDs(b.targets)
	if !equalIDs(ids, b.ringIDs) {
		b.rebuildRing()
	} else {
		// Same set, possibly new Target objects: repoint ring entries.
		b.repointRing()
	}
	b.mu.Unlock()
	b.refresh()
}

// rebuildRing constructs the sorted vnode ring. Caller holds b.mu.
func (b *consistentHash) rebuildRing() {
	ring := make([]ringEntry, 0, len(b.targets)*vnodesPerTarget)
	for _, t := range b.targets {
		for i := 0; i < vnodesPerTarget; i++ {
			ring = append(ring, ringEntry{
				hash:   digest32(t.ID + ":" + strconv.Itoa(i)),
				target: t,
			})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	b.ring = ring
	b.ringIDs = targetIDs(b.targets)
}

// repointRing maps ring entries onto the current Target objects by ID.
// Caller holds b.mu.
func (b *consistentHash) repointRing() {
	byID := make(map[string]*Target, len(b.targets))
	for _, t := range b.targets {
		byID[t.ID] = t
	}
	for i := range b.ring {
		if t, ok := byID[b.ring[i].target.ID]; ok {
			b.ring[i].target = t
		}
	}
}

func (b *consistentHash) Select(p Pick) (*Target, error) {
	healthy := b.healthy()
	if t, err, done := pickTrivial(healthy); done {
		return t, err
	}

	b.mu.RLock()
	ring := b.ring
	b.mu.RUnlock()
	if len(ring) == 0 {
		return nil, errors.New(errors.KindNoHealthyTargets)
	}

	h := digest32(p.Key)
	// First entry with hash >= h; ties resolve to the first in sorted order.
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx == len(ring) {
		idx = 0
	}
	// Walk clockwise past unhealthy targets. Bounded by ring length; the
	// trivial-pick check above guarantees a healthy target exists.
	for i := 0; i < len(ring); i++ {
		t := ring[(idx+i)%len(ring)]
		if t.target.Healthy() {
			t.target.active.Add(1)
			return t.target, nil
		}
	}
	return nil, errors.New(errors.KindNoHealthyTargets)
}

// digest32 is the 32-bit prefix of a SHA-256 digest, big-endian. Both vnode
// positions and routing keys use the same digest so lookups are stable.
func digest32(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

func targetIDs(targets []*Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	sort.Strings(ids)
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
