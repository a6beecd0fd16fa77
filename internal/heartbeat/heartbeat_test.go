package heartbeat

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/region"
	"github.com/Gioppix/uptime-monitor/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.OpenForTest()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := New(st, uuid.New(), region.FSN1, 50*time.Millisecond, 10000, "10.0.0.1:9000")
	return m, st
}

func TestChoosePositionEmptyGivesZero(t *testing.T) {
	m, _ := newTestManager(t)
	rng := rand.New(rand.NewSource(1))
	pos, err := m.ChoosePosition(context.Background(), rng)
	require.NoError(t, err)
	require.Equal(t, 0, pos)
	require.Equal(t, 0, m.Position())
}

func TestPublishOnceSkippedBeforePositionChosen(t *testing.T) {
	m, st := newTestManager(t)
	require.Equal(t, -1, m.Position())

	m.publishOnce(context.Background())

	got, err := st.FetchHeartbeatsSince(context.Background(), region.FSN1, time.Now().Unix()/60, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPublishOnceWritesRow(t *testing.T) {
	m, st := newTestManager(t)
	rng := rand.New(rand.NewSource(2))
	_, err := m.ChoosePosition(context.Background(), rng)
	require.NoError(t, err)

	m.publishOnce(context.Background())

	now := time.Now()
	got, err := st.FetchHeartbeatsSince(context.Background(), region.FSN1, now.Unix()/60, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, m.processID, got[0].ProcessID)
}

func TestMonitorOnceCollapsesAndPublishes(t *testing.T) {
	m, st := newTestManager(t)
	now := time.Now().UTC()

	other := uuid.New()
	require.NoError(t, st.InsertHeartbeat(context.Background(), domain.Heartbeat{
		ProcessID: other, Position: 5, Region: region.FSN1,
		SocketAddress: "10.0.0.2:9000", Timestamp: now, TimeBucketMinutes: now.Unix() / 60,
	}))

	m.monitorOnce(context.Background())
	alive := m.AliveSameRegion()
	require.Len(t, alive, 1)
	require.Equal(t, other, alive[0].ProcessID)
}

func TestAliveAllRegionsCachesAcrossCalls(t *testing.T) {
	m, st := newTestManager(t)
	now := time.Now().UTC()
	require.NoError(t, st.InsertHeartbeat(context.Background(), domain.Heartbeat{
		ProcessID: uuid.New(), Position: 1, Region: region.HEL1,
		SocketAddress: "10.0.0.3:9000", Timestamp: now, TimeBucketMinutes: now.Unix() / 60,
	}))

	first, err := m.AliveAllRegions(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second insert should not be visible until the cache expires.
	require.NoError(t, st.InsertHeartbeat(context.Background(), domain.Heartbeat{
		ProcessID: uuid.New(), Position: 2, Region: region.USEast,
		SocketAddress: "10.0.0.4:9000", Timestamp: now, TimeBucketMinutes: now.Unix() / 60,
	}))

	second, err := m.AliveAllRegions(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
}

func TestShutdownPeersExcludesSelf(t *testing.T) {
	m, st := newTestManager(t)
	now := time.Now().UTC()
	require.NoError(t, st.InsertHeartbeat(context.Background(), domain.Heartbeat{
		ProcessID: m.processID, Position: 0, Region: region.FSN1,
		SocketAddress: m.socketAddress, Timestamp: now, TimeBucketMinutes: now.Unix() / 60,
	}))
	other := uuid.New()
	require.NoError(t, st.InsertHeartbeat(context.Background(), domain.Heartbeat{
		ProcessID: other, Position: 1, Region: region.HEL1,
		SocketAddress: "10.0.0.9:9000", Timestamp: now, TimeBucketMinutes: now.Unix() / 60,
	}))

	peers, err := m.ShutdownPeers(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.9:9000"}, peers)
}

func TestResumePositionSkipsSelection(t *testing.T) {
	m, _ := newTestManager(t)
	m.ResumePosition(777)
	require.Equal(t, 777, m.Position())
}

func TestUpdatesDeliversInitialNil(t *testing.T) {
	m, _ := newTestManager(t)
	ch, cancel := m.Updates()
	defer cancel()
	select {
	case v := <-ch:
		require.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
