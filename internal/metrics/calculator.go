// Package metrics implements component G: time-weighted uptime and
// latency-percentile computation over raw probe results, and the
// rollup-cache-aware graph metrics read path.
package metrics

import (
	"sort"

	"github.com/Gioppix/uptime-monitor/internal/domain"
)

// Summary is one region's (or the overall) computed metrics over a time
// span.
type Summary struct {
	Count          int
	UptimePercent  float64
	MeanMicros     float64
	P50Micros      float64
	P95Micros      float64
	P99Micros      float64
	MinMicros      int64
	MaxMicros      int64
}

// computeUptime implements spec.md §4.G's time-weighted uptime: edge cases
// for zero or one samples, else duration-weighted by the gap to the next
// sample, falling back to a simple success ratio when the span has zero
// duration (all samples share one timestamp).
func computeUptime(results []domain.CheckResult) float64 {
	n := len(results)
	if n == 0 {
		return 0
	}
	if n == 1 {
		if results[0].MatchesExpected {
			return 100
		}
		return 0
	}

	total := results[n-1].CheckStartedAt.Sub(results[0].CheckStartedAt)
	if total <= 0 {
		successes := 0
		for _, r := range results {
			if r.MatchesExpected {
				successes++
			}
		}
		return float64(successes) / float64(n) * 100
	}

	var up float64
	for i := 0; i < n-1; i++ {
		if results[i].MatchesExpected {
			up += results[i+1].CheckStartedAt.Sub(results[i].CheckStartedAt).Seconds()
		}
	}
	return up / total.Seconds() * 100
}

// percentile returns the value at rank p (0-100] over a slice already
// sorted ascending, using the nearest-rank method.
func percentile(sorted []int64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(p/100*float64(n) + 0.999999) // ceil
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return float64(sorted[rank-1])
}

// Summarize computes a Summary over an arbitrary (not necessarily sorted)
// set of raw results; it sorts a copy internally by CheckStartedAt.
func Summarize(results []domain.CheckResult) Summary {
	if len(results) == 0 {
		return Summary{}
	}

	sorted := make([]domain.CheckResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CheckStartedAt.Before(sorted[j].CheckStartedAt)
	})

	latencies := make([]int64, len(sorted))
	var sum int64
	min, max := sorted[0].ResponseTimeMicros, sorted[0].ResponseTimeMicros
	for i, r := range sorted {
		latencies[i] = r.ResponseTimeMicros
		sum += r.ResponseTimeMicros
		if r.ResponseTimeMicros < min {
			min = r.ResponseTimeMicros
		}
		if r.ResponseTimeMicros > max {
			max = r.ResponseTimeMicros
		}
	}
	sortedLatencies := make([]int64, len(latencies))
	copy(sortedLatencies, latencies)
	sort.Slice(sortedLatencies, func(i, j int) bool { return sortedLatencies[i] < sortedLatencies[j] })

	return Summary{
		Count:         len(sorted),
		UptimePercent: computeUptime(sorted),
		MeanMicros:    float64(sum) / float64(len(sorted)),
		P50Micros:     percentile(sortedLatencies, 50),
		P95Micros:     percentile(sortedLatencies, 95),
		P99Micros:     percentile(sortedLatencies, 99),
		MinMicros:     min,
		MaxMicros:     max,
	}
}
