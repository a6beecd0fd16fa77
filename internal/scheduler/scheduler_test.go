package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/probe"
	"github.com/Gioppix/uptime-monitor/internal/rangewatch"
	"github.com/Gioppix/uptime-monitor/internal/region"
	"github.com/Gioppix/uptime-monitor/internal/ring"
	"github.com/Gioppix/uptime-monitor/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.OpenForTest()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exec := probe.NewExecutor(true)
	s := New(st, exec, region.FSN1, 1, 10000, 4, 4)
	return s, st
}

func insertCheck(t *testing.T, st *store.Store, url string) domain.ServiceCheck {
	t.Helper()
	c := domain.ServiceCheck{
		CheckID:               uuid.New(),
		Region:                region.FSN1,
		CheckName:             "test",
		URL:                   url,
		HTTPMethod:            domain.MethodGet,
		CheckFrequencySeconds: 60,
		TimeoutSeconds:        5,
		ExpectedStatusCode:    200,
		RequestHeaders:        map[string]string{},
		IsEnabled:             true,
		CreatedAt:             time.Now().UTC(),
	}
	require.NoError(t, st.UpsertCheck(context.Background(), 1, 10000, c))
	return c
}

func TestGetNextExecutionNeverRun(t *testing.T) {
	task := &Task{Details: domain.ServiceCheck{CheckFrequencySeconds: 60}}
	now := time.Now()
	require.Equal(t, now, task.GetNextExecution(now))
}

func TestGetNextExecutionIdempotent(t *testing.T) {
	task := &Task{Details: domain.ServiceCheck{CheckFrequencySeconds: 60}}
	now := time.Now()
	next := task.GetNextExecution(now)
	task.LastExecutionStart = &next
	again := task.GetNextExecution(now)
	require.Equal(t, next.Add(60*time.Second), again)
	// Idempotent: calling with the same now a second time after the
	// update doesn't move the value again.
	require.Equal(t, again, task.GetNextExecution(now))
}

func TestGetNextExecutionCatchesUpWhenFarBehind(t *testing.T) {
	now := time.Now()
	last := now.Add(-time.Hour)
	task := &Task{Details: domain.ServiceCheck{CheckFrequencySeconds: 60}, LastExecutionStart: &last}
	require.Equal(t, now, task.GetNextExecution(now))
}

func TestRangeSyncFetchesAndSchedulesImmediate(t *testing.T) {
	s, st := newTestScheduler(t)
	check := insertCheck(t, st, "http://example.invalid/")

	bucket := domain.Bucket(check.CheckID, 10000)
	owned := rangewatch.Owned{Some: true, Range: ring.RingRange{Start: bucket, End: bucket + 1}}
	s.rangeSyncOnce(context.Background(), owned)

	s.mu.Lock()
	require.Equal(t, 1, s.heap.Len())
	require.Nil(t, s.heap.tasks[0].LastExecutionStart)
	s.mu.Unlock()
}

func TestRangeSyncNoneClearsHeap(t *testing.T) {
	s, st := newTestScheduler(t)
	check := insertCheck(t, st, "http://example.invalid/")
	bucket := domain.Bucket(check.CheckID, 10000)
	s.rangeSyncOnce(context.Background(), rangewatch.Owned{Some: true, Range: ring.RingRange{Start: bucket, End: bucket + 1}})

	s.rangeSyncOnce(context.Background(), rangewatch.Owned{Some: false})

	s.mu.Lock()
	require.Equal(t, 0, s.heap.Len())
	s.mu.Unlock()
}

func TestRangeSyncPreservesLastExecutionStart(t *testing.T) {
	s, st := newTestScheduler(t)
	check := insertCheck(t, st, "http://example.invalid/")
	bucket := domain.Bucket(check.CheckID, 10000)
	owned := rangewatch.Owned{Some: true, Range: ring.RingRange{Start: bucket, End: bucket + 1}}

	s.rangeSyncOnce(context.Background(), owned)
	past := time.Now().Add(-30 * time.Second)
	s.mu.Lock()
	s.heap.tasks[0].LastExecutionStart = &past
	s.mu.Unlock()

	s.rangeSyncOnce(context.Background(), owned)

	s.mu.Lock()
	require.NotNil(t, s.heap.tasks[0].LastExecutionStart)
	require.Equal(t, past, *s.heap.tasks[0].LastExecutionStart)
	s.mu.Unlock()
}

func TestMutationSyncFiltersOutsideOwnedRange(t *testing.T) {
	s, st := newTestScheduler(t)
	check := insertCheck(t, st, "http://example.invalid/")
	bucket := domain.Bucket(check.CheckID, 10000)

	// Owned range excludes the check's bucket.
	s.SetCurrentRange(rangewatch.Owned{Some: true, Range: ring.RingRange{Start: bucket + 1, End: bucket + 2}})

	s.mutationSyncOnce(context.Background(), []uuid.UUID{check.CheckID})

	s.mu.Lock()
	require.Equal(t, 0, s.heap.Len())
	s.mu.Unlock()
}

func TestMutationSyncAddsWithinOwnedRange(t *testing.T) {
	s, st := newTestScheduler(t)
	check := insertCheck(t, st, "http://example.invalid/")
	bucket := domain.Bucket(check.CheckID, 10000)

	s.SetCurrentRange(rangewatch.Owned{Some: true, Range: ring.RingRange{Start: bucket, End: bucket + 1}})
	s.mutationSyncOnce(context.Background(), []uuid.UUID{check.CheckID})

	s.mu.Lock()
	require.Equal(t, 1, s.heap.Len())
	s.mu.Unlock()
}

func TestDispatchDueTasksDispatchesImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, st := newTestScheduler(t)
	check := insertCheck(t, st, server.URL)
	bucket := domain.Bucket(check.CheckID, 10000)
	s.rangeSyncOnce(context.Background(), rangewatch.Owned{Some: true, Range: ring.RingRange{Start: bucket, End: bucket + 1}})

	s.dispatchDueTasks(time.Now())

	select {
	case got := <-s.dispatch:
		require.Equal(t, check.CheckID, got.CheckID)
	case <-time.After(time.Second):
		t.Fatal("expected task to be dispatched")
	}
}

func TestExecutorWritesResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, st := newTestScheduler(t)
	check := insertCheck(t, st, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go s.RunExecutor(ctx)
	defer cancel()

	s.dispatch <- check

	select {
	case r := <-s.results:
		require.Equal(t, check.CheckID, r.CheckID)
		require.True(t, r.MatchesExpected)
	case <-time.After(time.Second):
		t.Fatal("expected a result")
	}
}
