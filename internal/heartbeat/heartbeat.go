// Package heartbeat implements component B: publishing this worker's own
// liveness row on a timer, and monitoring same-region and all-region
// membership so placement and scheduling can react to it.
package heartbeat

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/region"
	"github.com/Gioppix/uptime-monitor/internal/ring"
	"github.com/Gioppix/uptime-monitor/internal/store"
	"github.com/Gioppix/uptime-monitor/internal/watch"
	"github.com/Gioppix/uptime-monitor/pkg/log"
)

// AliveNodes is a region's (or the whole fleet's) live Heartbeats, ordered
// by (position, process_id) ascending per spec.md §3.
type AliveNodes []domain.Heartbeat

// RankedNodes projects AliveNodes down to the minimal shape internal/ring
// needs, keeping ring free of any dependency on domain or heartbeat.
func (a AliveNodes) RankedNodes() []ring.RankedNode {
	out := make([]ring.RankedNode, len(a))
	for i, hb := range a {
		out[i] = ring.RankedNode{Position: hb.Position, ID: hb.ProcessID.String()}
	}
	return out
}

func sortHeartbeats(hbs []domain.Heartbeat) {
	sort.Slice(hbs, func(i, j int) bool {
		if hbs[i].Position != hbs[j].Position {
			return hbs[i].Position < hbs[j].Position
		}
		return hbs[i].ProcessID.String() < hbs[j].ProcessID.String()
	})
}

// collapseLatest keeps only the latest-timestamp row per process_id, per
// spec.md §3's AliveNodes definition.
func collapseLatest(hbs []domain.Heartbeat) []domain.Heartbeat {
	latest := make(map[uuid.UUID]domain.Heartbeat, len(hbs))
	for _, hb := range hbs {
		cur, ok := latest[hb.ProcessID]
		if !ok || hb.Timestamp.After(cur.Timestamp) {
			latest[hb.ProcessID] = hb
		}
	}
	out := make([]domain.Heartbeat, 0, len(latest))
	for _, hb := range latest {
		out = append(out, hb)
	}
	sortHeartbeats(out)
	return out
}

// timeBucketsCovering returns every time_bucket_minutes value whose
// minute-wide window intersects [since, now]: one or two when the window is
// at most a minute wide.
func timeBucketsCovering(since, now time.Time) []int64 {
	first := since.Unix() / 60
	last := now.Unix() / 60
	buckets := make([]int64, 0, last-first+1)
	for b := first; b <= last; b++ {
		buckets = append(buckets, b)
	}
	return buckets
}

// Manager owns publishing this worker's own heartbeat and monitoring
// membership for both its own region and the whole fleet.
type Manager struct {
	store         *store.Store
	processID     uuid.UUID
	region        region.Region
	interval      time.Duration
	ringSize      int
	socketAddress string

	position atomic.Int64 // -1 until ChoosePosition has run

	sameRegion *watch.Value[AliveNodes]

	allRegionsMu       sync.Mutex
	allRegionsCache    AliveNodes
	allRegionsCachedAt time.Time
}

// New constructs a Manager. The worker must call ChoosePosition before
// Run, per spec.md §4.B ("the publisher is started only after the
// worker's position has been chosen").
func New(st *store.Store, processID uuid.UUID, reg region.Region, interval time.Duration, ringSize int, socketAddress string) *Manager {
	m := &Manager{
		store:         st,
		processID:     processID,
		region:        reg,
		interval:      interval,
		ringSize:      ringSize,
		socketAddress: socketAddress,
		sameRegion:    watch.NewValue[AliveNodes](nil),
	}
	m.position.Store(-1)
	return m
}

// ChoosePosition reads the current same-region AliveNodes and picks this
// worker's ring position via the gap-aware weighted selection in
// internal/ring (spec.md §4.C). Must be called once, before Run.
func (m *Manager) ChoosePosition(ctx context.Context, rng *rand.Rand) (int, error) {
	alive, err := m.fetchSameRegion(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	pos := ring.ChooseNewNodePosition(alive.RankedNodes(), m.ringSize, rng)
	m.position.Store(int64(pos))
	return pos, nil
}

// Position returns the chosen ring position, or -1 if ChoosePosition has
// not run yet.
func (m *Manager) Position() int {
	return int(m.position.Load())
}

// ResumePosition adopts a previously persisted ring position directly,
// skipping gap-aware selection entirely. Used on restart so a worker keeps
// its old place on the ring instead of re-rolling and reshuffling its
// neighbours' ranges for no reason. Must be called once, before Run.
func (m *Manager) ResumePosition(pos int) {
	m.position.Store(int64(pos))
}

// Updates returns a channel of same-region AliveNodes snapshots: the
// monitor's watch-style output feeding the range watcher (component D).
func (m *Manager) Updates() (<-chan AliveNodes, func()) {
	return m.sameRegion.Subscribe()
}

// AliveSameRegion is a live read of the most recently monitored same-region
// AliveNodes, without waiting on the channel.
func (m *Manager) AliveSameRegion() AliveNodes {
	return m.sameRegion.Get()
}

// AliveAllRegions aggregates AliveNodes across every known region, with a
// single-entry cache of duration m.interval guarded by a mutex so
// concurrent callers serialize on one refresh (spec.md §4.B).
func (m *Manager) AliveAllRegions(ctx context.Context) (AliveNodes, error) {
	m.allRegionsMu.Lock()
	defer m.allRegionsMu.Unlock()

	if time.Since(m.allRegionsCachedAt) < m.interval && m.allRegionsCache != nil {
		return m.allRegionsCache, nil
	}

	now := time.Now()
	var all []domain.Heartbeat
	for _, r := range region.All {
		hbs, err := m.fetchRegion(ctx, r, now)
		if err != nil {
			// A failed refresh leaves the cache empty (spec.md §4.B).
			m.allRegionsCache = nil
			m.allRegionsCachedAt = time.Time{}
			return nil, err
		}
		all = append(all, hbs...)
	}

	result := collapseLatest(all)
	m.allRegionsCache = result
	m.allRegionsCachedAt = now
	return result, nil
}

func (m *Manager) fetchSameRegion(ctx context.Context, now time.Time) (AliveNodes, error) {
	return m.fetchRegion(ctx, m.region, now)
}

func (m *Manager) fetchRegion(ctx context.Context, reg region.Region, now time.Time) (AliveNodes, error) {
	since := now.Add(-2 * m.interval)

	seen := map[uuid.UUID]domain.Heartbeat{}
	for _, bucket := range timeBucketsCovering(since, now) {
		hbs, err := m.store.FetchHeartbeatsSince(ctx, reg, bucket, since)
		if err != nil {
			return nil, err
		}
		for _, hb := range hbs {
			if hb.Timestamp.Before(since) {
				continue
			}
			if hb.Position < 0 {
				log.WithRegion(string(reg)).Warn().Str("process_id", hb.ProcessID.String()).Int("position", hb.Position).Msg("skipping heartbeat row with negative position")
				continue
			}
			if _, _, err := net.SplitHostPort(hb.SocketAddress); err != nil {
				log.WithRegion(string(reg)).Warn().Err(err).Str("process_id", hb.ProcessID.String()).Msg("skipping heartbeat row with unparseable address")
				continue
			}
			cur, ok := seen[hb.ProcessID]
			if !ok || hb.Timestamp.After(cur.Timestamp) {
				seen[hb.ProcessID] = hb
			}
		}
	}

	out := make([]domain.Heartbeat, 0, len(seen))
	for _, hb := range seen {
		out = append(out, hb)
	}
	sortHeartbeats(out)
	return out, nil
}

// Run starts the publisher and monitor activities; it blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runPublisher(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runMonitor(ctx)
	}()
	wg.Wait()
}

func (m *Manager) runPublisher(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishOnce(ctx)
		}
	}
}

func (m *Manager) publishOnce(ctx context.Context) {
	pos := m.Position()
	if pos < 0 {
		return // position not chosen yet; nothing to publish
	}
	now := time.Now().UTC()
	hb := domain.Heartbeat{
		ProcessID:         m.processID,
		Position:          pos,
		Region:            m.region,
		SocketAddress:     m.socketAddress,
		Timestamp:         now,
		TimeBucketMinutes: now.Unix() / 60,
	}
	if err := m.store.InsertHeartbeat(ctx, hb); err != nil {
		log.WithRegion(string(m.region)).Error().Err(err).Msg("heartbeat publish failed")
	}
}

func (m *Manager) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.monitorOnce(ctx)
		}
	}
}

func (m *Manager) monitorOnce(ctx context.Context) {
	alive, err := m.fetchSameRegion(ctx, time.Now())
	if err != nil {
		log.WithRegion(string(m.region)).Error().Err(err).Msg("heartbeat monitor refresh failed")
		return
	}
	m.sameRegion.Set(alive)
}

// ShutdownPeers returns the socket addresses of every currently alive peer
// across all regions except this process, skipping peers with no socket
// address. The shutdown broadcast in cmd/monitor does not call it; it
// passes AliveAllRegions to internode.Broadcaster instead.
func (m *Manager) ShutdownPeers(ctx context.Context) ([]string, error) {
	all, err := m.AliveAllRegions(ctx)
	if err != nil {
		return nil, err
	}
	var peers []string
	for _, hb := range all {
		if hb.ProcessID == m.processID {
			continue
		}
		if hb.SocketAddress == "" {
			continue
		}
		peers = append(peers, hb.SocketAddress)
	}
	return peers, nil
}
