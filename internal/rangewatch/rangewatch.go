// Package rangewatch implements component D: deriving this worker's owned
// RingRange from same-region membership, and republishing it only when it
// actually changes.
package rangewatch

import (
	"context"

	"github.com/Gioppix/uptime-monitor/internal/heartbeat"
	"github.com/Gioppix/uptime-monitor/internal/ring"
	"github.com/Gioppix/uptime-monitor/internal/watch"
)

// Owned is the worker's current range, or None if it owns no range yet
// (e.g. not yet present in its own region's AliveNodes).
type Owned struct {
	Range ring.RingRange
	Some  bool
}

// Watcher recomputes Owned whenever the heartbeat monitor's same-region
// AliveNodes changes, publishing updates on a coalescing watch channel
// only when the derived range differs from the previous value (spec.md
// §4.D).
type Watcher struct {
	nodeID            string
	replicationFactor int
	value             *watch.Value[Owned]
}

// New computes the initial Owned value eagerly (spec.md §4.D: "so
// downstream consumers do not stall waiting for the next heartbeat") and
// returns a Watcher ready to Run.
func New(nodeID string, replicationFactor int, initial heartbeat.AliveNodes) *Watcher {
	w := &Watcher{nodeID: nodeID, replicationFactor: replicationFactor}
	w.value = watch.NewValue(deriveRange(nodeID, replicationFactor, initial))
	return w
}

func deriveRange(nodeID string, k int, alive heartbeat.AliveNodes) Owned {
	r, ok := ring.CalculateNodeRange(nodeID, k, alive.RankedNodes())
	if !ok {
		return Owned{}
	}
	return Owned{Range: r, Some: true}
}

// Run consumes the heartbeat manager's AliveNodes updates and republishes
// the derived range whenever it changes. Blocks until ctx is cancelled or
// updates closes.
func (w *Watcher) Run(ctx context.Context, updates <-chan heartbeat.AliveNodes) {
	prev := w.value.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case alive, ok := <-updates:
			if !ok {
				return
			}
			next := deriveRange(w.nodeID, w.replicationFactor, alive)
			if next != prev {
				w.value.Set(next)
				prev = next
			}
		}
	}
}

// Current returns the most recently published Owned range.
func (w *Watcher) Current() Owned {
	return w.value.Get()
}

// Updates returns a subscription to range changes, initial value included.
func (w *Watcher) Updates() (<-chan Owned, func()) {
	return w.value.Subscribe()
}
