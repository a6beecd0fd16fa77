package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/region"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenForTest()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndFetchHeartbeats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	hb := domain.Heartbeat{
		ProcessID:         uuid.New(),
		Position:          42,
		Region:            region.FSN1,
		SocketAddress:     "10.0.0.1:9000",
		Timestamp:         now,
		TimeBucketMinutes: now.Unix() / 60,
	}
	require.NoError(t, s.InsertHeartbeat(ctx, hb))

	got, err := s.FetchHeartbeatsSince(ctx, region.FSN1, hb.TimeBucketMinutes, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, hb.ProcessID, got[0].ProcessID)
	require.Equal(t, hb.Position, got[0].Position)
	require.Equal(t, hb.SocketAddress, got[0].SocketAddress)
}

func TestFetchHeartbeatsSinceExcludesStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	hb := domain.Heartbeat{
		ProcessID:         uuid.New(),
		Position:          1,
		Region:            region.HEL1,
		SocketAddress:     "10.0.0.2:9000",
		Timestamp:         now.Add(-time.Hour),
		TimeBucketMinutes: now.Unix() / 60,
	}
	require.NoError(t, s.InsertHeartbeat(ctx, hb))

	got, err := s.FetchHeartbeatsSince(ctx, region.HEL1, hb.TimeBucketMinutes, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUpsertAndFetchCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := domain.ServiceCheck{
		CheckID:               uuid.New(),
		Region:                region.USEast,
		CheckName:             "homepage",
		URL:                   "https://example.com",
		HTTPMethod:            domain.MethodGet,
		CheckFrequencySeconds: 60,
		TimeoutSeconds:        10,
		ExpectedStatusCode:    200,
		RequestHeaders:        map[string]string{"Accept": "text/html"},
		IsEnabled:             true,
		CreatedAt:             time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertCheck(ctx, 1, 10000, c))

	bucket := domain.Bucket(c.CheckID, 10000)
	got, err := s.FetchChecksForBucket(ctx, region.USEast, 1, bucket)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, c.CheckID, got[0].CheckID)
	require.Equal(t, c.URL, got[0].URL)
	require.Equal(t, "text/html", got[0].RequestHeaders["Accept"])

	byID, err := s.FetchChecksByIDs(ctx, region.USEast, []uuid.UUID{c.CheckID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	require.Equal(t, c.CheckName, byID[0].CheckName)
}

func TestFetchChecksByIDsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.FetchChecksByIDs(context.Background(), region.USWest, nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInsertAndFetchCheckResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	checkID := uuid.New()
	day := time.Now().UTC().Truncate(24 * time.Hour)
	status := 200
	r := domain.CheckResult{
		ResultID:            uuid.New(),
		CheckID:             checkID,
		Region:              region.FSN1,
		Day:                 day,
		CheckStartedAt:      day.Add(time.Hour),
		ResponseTimeMicros:  12345,
		StatusCode:          &status,
		MatchesExpected:     true,
		ResponseBodyFetched: false,
	}
	require.NoError(t, s.InsertCheckResult(ctx, r))

	got, err := s.FetchRawResults(ctx, checkID, region.FSN1, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, r.ResultID, got[0].ResultID)
	require.Equal(t, 200, *got[0].StatusCode)
}

func TestRollupRoundTripAndMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	checkID := uuid.New()
	periodStart := time.Now().UTC().Truncate(time.Hour)

	_, ok, err := s.FetchRollup(ctx, domain.GranularityHourly, checkID, region.HEL1, periodStart)
	require.NoError(t, err)
	require.False(t, ok)

	r := domain.Rollup{
		CheckID:           checkID,
		Region:            region.HEL1,
		PeriodStart:       periodStart,
		Successful:        58,
		Failed:            2,
		AvgResponseMicros: 15000,
		MinResponseMicros: 9000,
		MaxResponseMicros: 30000,
		P50ResponseMicros: 14000,
		P95ResponseMicros: 25000,
		P99ResponseMicros: 29000,
		UptimePercent:     96.7,
		ComputedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.InsertRollup(ctx, domain.GranularityHourly, r))

	got, ok, err := s.FetchRollup(ctx, domain.GranularityHourly, checkID, region.HEL1, periodStart)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, r.Successful, got.Successful)
	require.InDelta(t, r.UptimePercent, got.UptimePercent, 0.001)
}

func TestUpsertWorkerMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	processID := uuid.New()
	require.NoError(t, s.UpsertWorkerMetadata(ctx, processID, "replica-1", "abc123"))
	require.NoError(t, s.UpsertWorkerMetadata(ctx, processID, "replica-1", "def456"))
}
