// Package ring implements consistent-hash placement: gap-aware random
// position selection on join, and range-of-ownership computation and
// iteration over the modular ring.
package ring

import (
	"math/rand"
	"sort"
)

// NodePosition is an integer position in [0, ring_size).
type NodePosition = int

// RankedNode is the minimal view of a same-region alive node that ring
// placement needs: its position and an identifier used only to break
// position ties deterministically. Callers (internal/heartbeat) project
// their own node type down to this shape.
type RankedNode struct {
	Position NodePosition
	ID       string
}

// sortNodes returns nodes ordered by (Position, ID) ascending, matching the
// data model's ordering on Heartbeats.
func sortNodes(nodes []RankedNode) []RankedNode {
	sorted := make([]RankedNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// gapExponent biases weighted gap sampling toward larger gaps; gap_size^2.
const gapExponent = 2.0

// ChooseNewNodePosition samples a new ring position given the current
// same-region alive nodes, following spec's gap-aware weighted selection:
// larger gaps are proportionally more likely to be chosen (weight =
// gap_size^gapExponent), and the position within the chosen gap is sampled
// from a Beta(3,3) distribution centred on the gap's midpoint so joins
// avoid colliding with the gap's boundaries.
//
// Positions outside [0, ringSize) are rejected (treated as if absent) so a
// single malformed row cannot corrupt placement for the whole region.
func ChooseNewNodePosition(nodes []RankedNode, ringSize int, rng *rand.Rand) NodePosition {
	var valid []RankedNode
	for _, n := range nodes {
		if n.Position >= 0 && n.Position < ringSize {
			valid = append(valid, n)
		}
	}

	if len(valid) == 0 {
		return 0
	}

	sorted := sortNodes(valid)
	n := len(sorted)

	type gap struct {
		size  int
		start NodePosition
	}
	gaps := make([]gap, n)
	weights := make([]float64, n)
	var totalWeight float64
	for i := 0; i < n; i++ {
		cur := sorted[i]
		next := sorted[(i+1)%n]
		size := mod(next.Position-cur.Position, ringSize)
		if size == 0 {
			// Single distinct position repeated (shouldn't normally happen
			// given distinct-position invariants, but stay safe): treat as
			// a full-ring gap so selection still makes progress.
			size = ringSize
		}
		gaps[i] = gap{size: size, start: cur.Position}
		w := float64(size) * float64(size)
		weights[i] = w
		totalWeight += w
	}

	pick := rng.Float64() * totalWeight
	chosen := gaps[n-1]
	var running float64
	for i, w := range weights {
		running += w
		if pick <= running {
			chosen = gaps[i]
			break
		}
	}

	ratio := sampleBetaThreeThree(rng)
	offset := int(float64(chosen.size) * ratio)
	if offset >= chosen.size {
		offset = chosen.size - 1
	}
	return mod(chosen.start+offset, ringSize)
}

// sampleBetaThreeThree draws one sample from Beta(3, 3). For integer shape
// parameters a Gamma(k, 1) variable is exactly the sum of k independent
// Exponential(1) variables, so Beta(3,3) = X/(X+Y) for independent
// Gamma(3,1) variables X, Y built that way. No third-party distribution
// library in the retrieval pack offers Beta sampling, so this is built
// directly on math/rand's exponential sampler (see DESIGN.md).
func sampleBetaThreeThree(rng *rand.Rand) float64 {
	gamma3 := func() float64 {
		return rng.ExpFloat64() + rng.ExpFloat64() + rng.ExpFloat64()
	}
	x := gamma3()
	y := gamma3()
	return x / (x + y)
}

func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// RingRange is a half-open interval [Start, End) on the modular ring.
// Start == End denotes the full ring (sole-node case), never an empty
// range.
type RingRange struct {
	Start NodePosition
	End   NodePosition
}

// Contains reports whether p falls in the range, honoring wrap-around when
// End < Start and the full-ring convention when Start == End.
func (r RingRange) Contains(p NodePosition, ringSize int) bool {
	if r.Start == r.End {
		return true // full ring
	}
	p = mod(p, ringSize)
	if r.Start < r.End {
		return p >= r.Start && p < r.End
	}
	return p >= r.Start || p < r.End
}

// CalculateNodeRange computes the RingRange owned by nodeID given the
// region's ordered alive nodes and a replication factor k, per spec's
// range-calculation rule. Returns ok=false if nodeID is not present. A sole
// node, or a replication factor k >= the number of nodes, yields the full
// ring [p, p).
func CalculateNodeRange(nodeID string, k int, nodes []RankedNode) (RingRange, bool) {
	sorted := sortNodes(nodes)
	n := len(sorted)

	idx := -1
	for i, node := range sorted {
		if node.ID == nodeID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return RingRange{}, false
	}

	if n == 1 || k >= n {
		p := sorted[idx].Position
		return RingRange{Start: p, End: p}, true
	}

	j := mod(idx+k, n)
	return RingRange{Start: sorted[idx].Position, End: sorted[j].Position}, true
}

// Iter yields every bucket index owned by r, in ascending ring order
// starting at Start, calling yield for each. It stops as soon as yield
// returns false.
//
// This fixes the open question left by the original implementation, which
// looped forever whenever End happened to equal ring_size with Start != 0:
// the full-ring case is handled by an explicit count-down rather than by
// comparing indices to End, so no combination of Start/End/ringSize can
// fail to terminate.
func (r RingRange) Iter(ringSize int, yield func(bucket NodePosition) bool) {
	if ringSize <= 0 {
		return
	}

	if r.Start == r.End {
		// Full ring: emit exactly ringSize buckets starting at Start.
		cur := mod(r.Start, ringSize)
		for i := 0; i < ringSize; i++ {
			if !yield(cur) {
				return
			}
			cur = mod(cur+1, ringSize)
		}
		return
	}

	start := mod(r.Start, ringSize)
	end := mod(r.End, ringSize)
	cur := start
	for cur != end {
		if !yield(cur) {
			return
		}
		cur = mod(cur+1, ringSize)
	}
}

// Buckets materializes Iter's output into a slice, for call sites that
// don't need early termination.
func (r RingRange) Buckets(ringSize int) []NodePosition {
	var out []NodePosition
	r.Iter(ringSize, func(b NodePosition) bool {
		out = append(out, b)
		return true
	})
	return out
}
