package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/region"
	"github.com/Gioppix/uptime-monitor/internal/store"
)

// ErrInvalidRange is returned when from >= to, the span exceeds maxDays, or
// (for graph metrics) from/to are not aligned to the granularity boundary.
var ErrInvalidRange = errors.New("invalid metrics range")

// RangeMetricsResult is the output of one range-metrics query: an overall
// summary across all requested regions plus a per-region breakdown.
type RangeMetricsResult struct {
	Overall  Summary
	ByRegion map[region.Region]Summary
}

// Reader executes range and graph metrics queries against a store.
type Reader struct {
	store              *store.Store
	concurrentRequests int
	maxDays            int
}

// NewReader constructs a Reader. concurrentRequests bounds concurrent
// per-date/per-region store fetches; maxDays bounds query span per
// spec.md §4.G.
func NewReader(st *store.Store, concurrentRequests, maxDays int) *Reader {
	return &Reader{store: st, concurrentRequests: concurrentRequests, maxDays: maxDays}
}

func (r *Reader) validateRange(from, to time.Time) error {
	if !from.Before(to) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidRange)
	}
	if to.Sub(from) > time.Duration(r.maxDays)*24*time.Hour {
		return fmt.Errorf("%w: span exceeds max of %d days", ErrInvalidRange, r.maxDays)
	}
	return nil
}

func datesBetween(from, to time.Time) []time.Time {
	var days []time.Time
	cur := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour)
	for !cur.After(end) {
		days = append(days, cur)
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}

// fetchRaw fetches and filters raw results for one check across the given
// regions and the dates intersecting [from, to), bounded concurrency per
// (region, date) pair.
func (r *Reader) fetchRaw(ctx context.Context, checkID uuid.UUID, regions []region.Region, from, to time.Time) (map[region.Region][]domain.CheckResult, error) {
	days := datesBetween(from, to)

	type job struct {
		region region.Region
		day    time.Time
	}
	var jobs []job
	for _, reg := range regions {
		for _, d := range days {
			jobs = append(jobs, job{region: reg, day: d})
		}
	}

	sem := make(chan struct{}, r.concurrentRequests)
	var wg sync.WaitGroup
	var mu sync.Mutex
	out := make(map[region.Region][]domain.CheckResult, len(regions))
	var firstErr error

	for _, j := range jobs {
		j := j
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			rows, err := r.store.FetchRawResults(ctx, checkID, j.region, j.day)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for _, row := range rows {
				if !row.CheckStartedAt.Before(from) && row.CheckStartedAt.Before(to) {
					out[j.region] = append(out[j.region], row)
				}
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// RangeMetrics implements the range-metrics read path (spec.md §4.G): no
// granularity, a single summary per requested region plus overall.
func (r *Reader) RangeMetrics(ctx context.Context, checkID uuid.UUID, regions []region.Region, from, to time.Time) (RangeMetricsResult, error) {
	if err := r.validateRange(from, to); err != nil {
		return RangeMetricsResult{}, err
	}

	byRegionRaw, err := r.fetchRaw(ctx, checkID, regions, from, to)
	if err != nil {
		return RangeMetricsResult{}, err
	}

	result := RangeMetricsResult{ByRegion: make(map[region.Region]Summary, len(regions))}
	var all []domain.CheckResult
	for _, reg := range regions {
		rows := byRegionRaw[reg]
		result.ByRegion[reg] = Summarize(rows)
		all = append(all, rows...)
	}
	result.Overall = Summarize(all)
	return result, nil
}

// GraphBucket is one bucketed time series point for a single region.
type GraphBucket struct {
	PeriodStart time.Time
	Summary     Summary
}

// GraphMetrics implements the graph-metrics read path (spec.md §4.G):
// bucketed at the given granularity, reading from the rollup cache where
// possible and writing back newly-computed, completed buckets.
func (r *Reader) GraphMetrics(ctx context.Context, checkID uuid.UUID, reg region.Region, from, to time.Time, granularity domain.Granularity) ([]GraphBucket, error) {
	if err := r.validateRange(from, to); err != nil {
		return nil, err
	}
	width := granularity.Duration()
	if !from.Equal(from.Truncate(width)) || !to.Equal(to.Truncate(width)) {
		return nil, fmt.Errorf("%w: from/to must align to %s granularity boundary", ErrInvalidRange, granularity)
	}

	var starts []time.Time
	for b := from; b.Before(to); b = b.Add(width) {
		starts = append(starts, b)
	}

	sem := make(chan struct{}, r.concurrentRequests)
	var wg sync.WaitGroup
	results := make([]GraphBucket, len(starts))
	var mu sync.Mutex
	var firstErr error
	now := time.Now()

	for i, start := range starts {
		i, start := i, start
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			bucket, err := r.resolveBucket(ctx, checkID, reg, start, width, granularity, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[i] = bucket
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (r *Reader) resolveBucket(ctx context.Context, checkID uuid.UUID, reg region.Region, start time.Time, width time.Duration, granularity domain.Granularity, now time.Time) (GraphBucket, error) {
	if rollup, ok, err := r.store.FetchRollup(ctx, granularity, checkID, reg, start); err != nil {
		return GraphBucket{}, err
	} else if ok {
		return GraphBucket{PeriodStart: start, Summary: rollupToSummary(rollup)}, nil
	}

	end := start.Add(width)
	byRegionRaw, err := r.fetchRaw(ctx, checkID, []region.Region{reg}, start, end)
	if err != nil {
		return GraphBucket{}, err
	}
	summary := Summarize(byRegionRaw[reg])

	if !end.After(now) {
		rollup := summaryToRollup(checkID, reg, start, summary, now)
		if err := r.store.InsertRollup(ctx, granularity, rollup); err != nil {
			return GraphBucket{}, fmt.Errorf("write back rollup: %w", err)
		}
	}

	return GraphBucket{PeriodStart: start, Summary: summary}, nil
}

func rollupToSummary(r domain.Rollup) Summary {
	total := r.Successful + r.Failed
	return Summary{
		Count:         total,
		UptimePercent: r.UptimePercent,
		MeanMicros:    r.AvgResponseMicros,
		P50Micros:     r.P50ResponseMicros,
		P95Micros:     r.P95ResponseMicros,
		P99Micros:     r.P99ResponseMicros,
		MinMicros:     r.MinResponseMicros,
		MaxMicros:     r.MaxResponseMicros,
	}
}

func summaryToRollup(checkID uuid.UUID, reg region.Region, periodStart time.Time, s Summary, computedAt time.Time) domain.Rollup {
	successes := int(s.UptimePercent / 100 * float64(s.Count))
	return domain.Rollup{
		CheckID:           checkID,
		Region:            reg,
		PeriodStart:       periodStart,
		Successful:        successes,
		Failed:            s.Count - successes,
		AvgResponseMicros: s.MeanMicros,
		MinResponseMicros: s.MinMicros,
		MaxResponseMicros: s.MaxMicros,
		P50ResponseMicros: s.P50Micros,
		P95ResponseMicros: s.P95Micros,
		P99ResponseMicros: s.P99Micros,
		UptimePercent:     s.UptimePercent,
		ComputedAt:        computedAt,
	}
}
