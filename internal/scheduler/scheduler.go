// Package scheduler implements component E: the task heap, its four
// cooperating activities (range-sync, mutation-sync, dispatcher, executor),
// and the bounded result-ingest pipeline.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/probe"
	"github.com/Gioppix/uptime-monitor/internal/rangewatch"
	"github.com/Gioppix/uptime-monitor/internal/region"
	"github.com/Gioppix/uptime-monitor/internal/store"
	"github.com/Gioppix/uptime-monitor/internal/watch"
	"github.com/Gioppix/uptime-monitor/pkg/log"
)

// longSentinel is the dispatcher's sleep duration when the heap is empty:
// long enough that it effectively waits for a wake signal instead of
// polling, but still bounded so the goroutine periodically re-evaluates
// context cancellation.
const longSentinel = time.Hour

// Scheduler owns the task heap and the activities that mutate and drain
// it, for one worker's owned region.
type Scheduler struct {
	store                 *store.Store
	executor               *probe.Executor
	region                 region.Region
	bucketVersion          int16
	ringSize               int
	concurrentDBRequests   int
	maxConcurrentChecks    int

	mu         sync.Mutex
	heap       *taskHeap
	ownedRange rangewatch.Owned

	wake   *watch.Value[int] // coalescing dispatcher-wake signal; value is a monotonically increasing counter
	wakeGen int

	dispatch chan domain.ServiceCheck
	results  chan domain.CheckResult

	sem chan struct{}
}

// New constructs a Scheduler. executor runs the SSRF-aware HTTP probes;
// concurrentDBRequests bounds batch store fetches; maxConcurrentChecks
// bounds in-flight probes.
func New(st *store.Store, executor *probe.Executor, reg region.Region, bucketVersion int16, ringSize, concurrentDBRequests, maxConcurrentChecks int) *Scheduler {
	return &Scheduler{
		store:                st,
		executor:             executor,
		region:               reg,
		bucketVersion:        bucketVersion,
		ringSize:             ringSize,
		concurrentDBRequests: concurrentDBRequests,
		maxConcurrentChecks:  maxConcurrentChecks,
		heap:                 &taskHeap{},
		wake:                 watch.NewValue(0),
		dispatch:             make(chan domain.ServiceCheck, maxConcurrentChecks),
		results:              make(chan domain.CheckResult, 4096),
		sem:                  make(chan struct{}, maxConcurrentChecks),
	}
}

// Results exposes the ingest queue for the ingest writers to drain.
func (s *Scheduler) Results() <-chan domain.CheckResult { return s.results }

func (s *Scheduler) signalDispatcher() {
	s.wakeGen++
	s.wake.Set(s.wakeGen)
}

// --- A. Range-sync activity ---

// RunRangeSync consumes range updates and reconciles the heap on each one.
func (s *Scheduler) RunRangeSync(ctx context.Context, updates <-chan rangewatch.Owned) {
	for {
		select {
		case <-ctx.Done():
			return
		case owned, ok := <-updates:
			if !ok {
				return
			}
			s.rangeSyncOnce(ctx, owned)
		}
	}
}

func (s *Scheduler) rangeSyncOnce(ctx context.Context, owned rangewatch.Owned) {
	s.SetCurrentRange(owned)

	if !owned.Some {
		s.mu.Lock()
		s.heap = &taskHeap{}
		s.mu.Unlock()
		s.signalDispatcher()
		return
	}

	buckets := owned.Range.Buckets(s.ringSize)
	fetched, err := s.fetchBucketsConcurrently(ctx, buckets)
	if err != nil {
		// Retain previous heap content; over-executing beats losing work.
		log.Logger.Error().Err(err).Str("region", string(s.region)).Msg("range-sync fetch failed")
		return
	}

	s.mergeRangeSync(fetched)
	s.signalDispatcher()
}

func (s *Scheduler) fetchBucketsConcurrently(ctx context.Context, buckets []int) ([]domain.ServiceCheck, error) {
	sem := make(chan struct{}, s.concurrentDBRequests)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []domain.ServiceCheck
	var firstErr error

	for _, b := range buckets {
		b := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			checks, err := s.store.FetchChecksForBucket(ctx, s.region, s.bucketVersion, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			all = append(all, checks...)
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

// mergeRangeSync applies the fetched authoritative set to the heap: drop
// tasks no longer present, keep last_execution_start for survivors, add new
// tasks as immediately due (spec.md §4.E.A).
func (s *Scheduler) mergeRangeSync(fetched []domain.ServiceCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[uuid.UUID]*Task, s.heap.Len())
	for _, t := range s.heap.tasks {
		existing[t.Details.CheckID] = t
	}

	next := &taskHeap{now: time.Now()}
	for _, check := range fetched {
		if check.CheckFrequencySeconds <= 0 {
			log.WithCheckID(check.CheckID.String()).Warn().Msg("dropping check with non-positive frequency_seconds")
			continue
		}
		if prior, ok := existing[check.CheckID]; ok {
			next.tasks = append(next.tasks, &Task{Details: check, LastExecutionStart: prior.LastExecutionStart})
		} else {
			next.tasks = append(next.tasks, &Task{Details: check, LastExecutionStart: nil})
		}
	}
	heap.Init(next)
	s.heap = next
}

// --- B. Mutation-sync activity ---

// RunMutationSync consumes batches of mutated check IDs and reconciles the
// heap for the subset that falls within the currently owned range.
func (s *Scheduler) RunMutationSync(ctx context.Context, mutations <-chan []uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		case ids, ok := <-mutations:
			if !ok {
				return
			}
			s.mutationSyncOnce(ctx, ids)
		}
	}
}

func (s *Scheduler) mutationSyncOnce(ctx context.Context, ids []uuid.UUID) {
	owned := s.currentRange()
	if !owned.Some {
		return
	}

	var relevant []uuid.UUID
	for _, id := range ids {
		bucket := domain.Bucket(id, s.ringSize)
		if owned.Range.Contains(bucket, s.ringSize) {
			relevant = append(relevant, id)
		}
	}
	if len(relevant) == 0 {
		return
	}

	fetched, err := s.store.FetchChecksByIDs(ctx, s.region, relevant)
	if err != nil {
		log.Logger.Error().Err(err).Msg("mutation-sync fetch failed; batch skipped")
		return
	}

	s.mergeMutationSync(relevant, fetched)
	s.signalDispatcher()
}

func (s *Scheduler) mergeMutationSync(requested []uuid.UUID, fetched []domain.ServiceCheck) {
	byID := make(map[uuid.UUID]domain.ServiceCheck, len(fetched))
	for _, c := range fetched {
		byID[c.CheckID] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.heap.setNow(time.Now())

	existingIdx := make(map[uuid.UUID]int, s.heap.Len())
	for i, t := range s.heap.tasks {
		existingIdx[t.Details.CheckID] = i
	}

	requestedSet := make(map[uuid.UUID]struct{}, len(requested))
	for _, id := range requested {
		requestedSet[id] = struct{}{}
	}

	// Deletions: requested but missing from fetched rows.
	for id := range requestedSet {
		if _, found := byID[id]; !found {
			if idx, ok := existingIdx[id]; ok {
				s.removeAt(idx)
				existingIdx = make(map[uuid.UUID]int, s.heap.Len())
				for i, t := range s.heap.tasks {
					existingIdx[t.Details.CheckID] = i
				}
			}
		}
	}

	// Upserts: present in fetched rows.
	for id, check := range byID {
		if check.CheckFrequencySeconds <= 0 {
			log.WithCheckID(id.String()).Warn().Msg("dropping check with non-positive frequency_seconds")
			if idx, ok := existingIdx[id]; ok {
				s.removeAt(idx)
				existingIdx = make(map[uuid.UUID]int, s.heap.Len())
				for i, t := range s.heap.tasks {
					existingIdx[t.Details.CheckID] = i
				}
			}
			continue
		}
		if idx, ok := existingIdx[id]; ok {
			s.heap.tasks[idx].Details = check
		} else {
			s.heap.tasks = append(s.heap.tasks, &Task{Details: check, LastExecutionStart: nil})
		}
	}
	s.heap.setNow(time.Now())
	heap.Init(s.heap)
}

// removeAt removes the task at index idx from the heap. Caller holds s.mu.
func (s *Scheduler) removeAt(idx int) {
	heap.Remove(s.heap, idx)
}

func (s *Scheduler) currentRange() rangewatch.Owned {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The scheduler tracks its own copy of the owned range, set at startup
	// and by every rangeSyncOnce call (including one with owned.Some ==
	// false); see SetCurrentRange.
	return s.ownedRange
}

// SetCurrentRange is called by the range-sync activity (and on startup)
// to keep the scheduler's cached range in sync for mutation-sync
// filtering, independent of heap contents.
func (s *Scheduler) SetCurrentRange(owned rangewatch.Owned) {
	s.mu.Lock()
	s.ownedRange = owned
	s.mu.Unlock()
}

// --- C. Dispatcher activity ---

// RunDispatcher pops due tasks, dispatches them, and sleeps until the next
// theoretical execution or a wake signal, whichever comes first.
func (s *Scheduler) RunDispatcher(ctx context.Context) {
	wakeCh, cancel := s.wake.Subscribe()
	defer cancel()
	<-wakeCh // drain initial value

	for {
		now := time.Now()
		s.dispatchDueTasks(now)

		sleep := s.timeUntilNextWake(now)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		case <-wakeCh:
		}
	}
}

func (s *Scheduler) dispatchDueTasks(now time.Time) {
	s.mu.Lock()
	s.heap.setNow(now)
	var due []*Task
	for s.heap.Len() > 0 {
		top := s.heap.peek()
		next := top.GetNextExecution(now)
		if next.After(now) {
			break
		}
		top.LastExecutionStart = &next
		due = append(due, top)
		// Re-establish the heap invariant now that the top's key changed;
		// GetNextExecution(now) for this task is now last_start+frequency,
		// which is in the future, so it sinks below any other due task.
		heap.Fix(s.heap, 0)
	}
	s.mu.Unlock()

	for _, t := range due {
		select {
		case s.dispatch <- t.Details:
		default:
			log.Logger.Warn().Str("check_id", t.Details.CheckID.String()).Msg("dispatch channel full, dropping this tick's execution")
		}
	}
}

func (s *Scheduler) timeUntilNextWake(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heap.setNow(now)
	top := s.heap.peek()
	if top == nil {
		return longSentinel
	}
	next := top.GetNextExecution(now)
	if next.Before(now) {
		return 0
	}
	return next.Sub(now)
}

// --- D. Executor activity ---

// RunExecutor receives dispatched checks and runs each one under the
// global concurrency semaphore, independently of the others.
func (s *Scheduler) RunExecutor(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case check, ok := <-s.dispatch:
			if !ok {
				return
			}
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(check domain.ServiceCheck) {
				defer wg.Done()
				defer func() { <-s.sem }()
				s.executeOne(ctx, check)
			}(check)
		}
	}
}

func (s *Scheduler) executeOne(ctx context.Context, check domain.ServiceCheck) {
	result, err := s.executor.Execute(ctx, check)
	if err != nil {
		// Implementation-fault / SSRF-block: no result row written.
		log.WithCheckID(check.CheckID.String()).Warn().Err(err).Msg("probe not recorded")
		return
	}
	select {
	case s.results <- result:
	default:
		log.WithCheckID(check.CheckID.String()).Warn().Msg("ingest queue full, dropping result")
	}
}

// --- Ingest writers ---

// RunIngestWriters starts n concurrent writers draining the result queue
// into the store until ctx is cancelled and the queue is drained.
func (s *Scheduler) RunIngestWriters(ctx context.Context, n int) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					s.drainResults()
					return
				case r, ok := <-s.results:
					if !ok {
						return
					}
					if err := s.store.InsertCheckResult(ctx, r); err != nil {
						log.WithCheckID(r.CheckID.String()).Error().Err(err).Msg("result write failed")
					}
				}
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) drainResults() {
	for {
		select {
		case r, ok := <-s.results:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.store.InsertCheckResult(ctx, r); err != nil {
				log.WithCheckID(r.CheckID.String()).Error().Err(err).Msg("result write failed during drain")
			}
			cancel()
		default:
			return
		}
	}
}
