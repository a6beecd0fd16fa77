package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseNewNodePositionEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := ChooseNewNodePosition(nil, 10000, rng)
	assert.Equal(t, 0, got)
}

func TestChooseNewNodePositionInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	nodes := []RankedNode{{Position: 0, ID: "a"}, {Position: 5, ID: "b"}}
	for i := 0; i < 1000; i++ {
		got := ChooseNewNodePosition(nodes, 10, rng)
		require.GreaterOrEqual(t, got, 0)
		require.Less(t, got, 10)
	}
}

// Scenario 2 from spec.md §8: with existing nodes at {0, 100} on a ring of
// size 10000, the weight ratio (9900^2 / (100^2 + 9900^2)) is ~0.9998, so
// the overwhelming majority of samples should land in the large gap
// [100, 10000).
func TestChooseNewNodePositionGapPreference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	nodes := []RankedNode{{Position: 0, ID: "a"}, {Position: 100, ID: "b"}}

	inLargeGap := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		got := ChooseNewNodePosition(nodes, 10000, rng)
		if got >= 100 && got < 10000 {
			inLargeGap++
		}
	}

	assert.Greater(t, float64(inLargeGap)/trials, 0.95)
}

func TestCalculateNodeRangeNotPresent(t *testing.T) {
	_, ok := CalculateNodeRange("missing", 1, []RankedNode{{Position: 0, ID: "a"}})
	assert.False(t, ok)
}

func TestCalculateNodeRangeSingleNode(t *testing.T) {
	r, ok := CalculateNodeRange("a", 1, []RankedNode{{Position: 5, ID: "a"}})
	require.True(t, ok)
	assert.Equal(t, RingRange{Start: 5, End: 5}, r)
}

// Scenario 1 from spec.md §8: wrap ownership.
func TestCalculateNodeRangeWrap(t *testing.T) {
	nodes := []RankedNode{{Position: 0, ID: "A"}, {Position: 5, ID: "B"}}

	rangeB, ok := CalculateNodeRange("B", 1, nodes)
	require.True(t, ok)
	assert.Equal(t, RingRange{Start: 5, End: 0}, rangeB)
	assert.True(t, rangeB.Contains(7, 10))
	assert.False(t, rangeB.Contains(0, 10))

	rangeA, ok := CalculateNodeRange("A", 1, nodes)
	require.True(t, ok)
	assert.True(t, rangeA.Contains(0, 10))
}

// k >= N degenerates to the whole ring.
func TestCalculateNodeRangeReplicationExceedsCount(t *testing.T) {
	nodes := []RankedNode{{Position: 0, ID: "A"}, {Position: 5, ID: "B"}}
	r, ok := CalculateNodeRange("A", 5, nodes)
	require.True(t, ok)
	assert.Equal(t, r.Start, r.End)
}

func TestIterFullRing(t *testing.T) {
	r := RingRange{Start: 3, End: 3}
	got := r.Buckets(5)
	assert.Equal(t, []int{3, 4, 0, 1, 2}, got)
}

// Wrap-around range [9, 1) with ring_size=10 iterates [9, 0].
func TestIterWrap(t *testing.T) {
	r := RingRange{Start: 9, End: 1}
	assert.Equal(t, []int{9, 0}, r.Buckets(10))
}

func TestIterNoWrap(t *testing.T) {
	r := RingRange{Start: 2, End: 5}
	assert.Equal(t, []int{2, 3, 4}, r.Buckets(10))
}

// The boundary case the original implementation looped forever on: a
// partial range whose End happens to equal ring_size (mod-normalized to 0)
// while Start != 0 must still terminate and must NOT be mistaken for the
// full-ring case.
func TestIterEndEqualsRingSizeBoundary(t *testing.T) {
	r := RingRange{Start: 7, End: 10} // End will be normalized to 0 mod 10
	got := r.Buckets(10)
	assert.Equal(t, []int{7, 8, 9}, got)
}

func TestIterEarlyStop(t *testing.T) {
	r := RingRange{Start: 0, End: 0}
	var seen []int
	r.Iter(5, func(b int) bool {
		seen = append(seen, b)
		return len(seen) < 2
	})
	assert.Equal(t, []int{0, 1}, seen)
}
