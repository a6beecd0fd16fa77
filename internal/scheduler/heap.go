package scheduler

import (
	"container/heap"
	"time"
)

// taskHeap is a container/heap.Interface over *Task, ordered by
// GetNextExecution evaluated against a shared "now" set immediately before
// each heap operation by the scheduler (which always holds the heap's
// mutex while mutating it, so this is race-free).
type taskHeap struct {
	tasks []*Task
	now   time.Time
}

func (h *taskHeap) Len() int { return len(h.tasks) }

func (h *taskHeap) Less(i, j int) bool {
	return h.tasks[i].GetNextExecution(h.now).Before(h.tasks[j].GetNextExecution(h.now))
}

func (h *taskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
}

func (h *taskHeap) Push(x any) {
	h.tasks = append(h.tasks, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := h.tasks
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.tasks = old[:n-1]
	return item
}

func (h *taskHeap) setNow(now time.Time) { h.now = now }

func (h *taskHeap) peek() *Task {
	if len(h.tasks) == 0 {
		return nil
	}
	return h.tasks[0]
}

var _ heap.Interface = (*taskHeap)(nil)
