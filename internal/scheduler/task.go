package scheduler

import (
	"time"

	"github.com/Gioppix/uptime-monitor/internal/domain"
)

// schedulingTolerance bounds how far behind a task's theoretical next
// execution may drift before the dispatcher treats it as "now" instead of
// the stale scheduled time (spec.md §4.E, SCHEDULING_TOLERANCE_MILLIS).
const schedulingTolerance = 2 * time.Second

// Task is the scheduler's in-memory view of one ServiceCheck.
type Task struct {
	Details             domain.ServiceCheck
	LastExecutionStart  *time.Time
}

// GetNextExecution implements spec.md §4.E's get_next_execution(now): a
// never-yet-run task is always due; a previously-run task is due at
// last_start + frequency, unless that point has drifted more than
// schedulingTolerance into the past, in which case it is due now (catch-up
// without unbounded drift).
func (t *Task) GetNextExecution(now time.Time) time.Time {
	if t.LastExecutionStart == nil {
		return now
	}
	candidate := t.LastExecutionStart.Add(time.Duration(t.Details.CheckFrequencySeconds) * time.Second)
	if candidate.Before(now.Add(-schedulingTolerance)) {
		return now
	}
	return candidate
}
