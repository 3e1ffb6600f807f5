package rangemap

import (
	"sync/atomic"

	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
)

// Task is a cancellable unit of work scoped to a range.
type Task struct {
	cancel func()
	done   atomic.Bool
}

// NewTask wraps a cancel function. MarkDone should be called by the task
// owner once the task has actually stopped running, independent of
// whether Cancel was ever called (a task can finish on its own).
func NewTask(cancel func()) *Task {
	return &Task{cancel: cancel}
}

// Cancel requests the task stop. Safe to call multiple times.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// MarkDone records that the task has actually stopped.
func (t *Task) MarkDone() {
	t.done.Store(true)
}

// Live reports whether the task has not yet reported completion.
func (t *Task) Live() bool {
	return !t.done.Load()
}

// TaskMap associates a running Task handle with each tile of a range
// map, so that superseding work can cancel every task whose range
// intersects the new work's range.
type TaskMap struct {
	m *Map[*Task]
}

// NewTaskMap creates a TaskMap tiling the single range [full) with no
// running task.
func NewTaskMap(full keyrange.Range) *TaskMap {
	return &TaskMap{m: New[*Task](full, nil)}
}

// Set assigns a task to exactly r, splitting/overwriting tiles as Insert
// does. It does not cancel whatever task previously occupied r; callers
// that need cancel-before-overwrite semantics should call Cancel(r)
// first.
func (t *TaskMap) Set(r keyrange.Range, task *Task) {
	t.m.Insert(r, task)
}

// Cancel aborts every task whose range intersects r.
func (t *TaskMap) Cancel(r keyrange.Range) {
	for _, e := range t.m.IntersectingRanges(r) {
		if e.Value != nil {
			e.Value.Cancel()
		}
	}
}

// LiveAt reports whether a task is still running at point k.
func (t *TaskMap) LiveAt(k string) bool {
	e, ok := t.m.RangeContaining(k)
	return ok && e.Value != nil && e.Value.Live()
}

// IntersectingTasks returns the distinct tasks whose tiles intersect r.
func (t *TaskMap) IntersectingTasks(r keyrange.Range) []*Task {
	entries := t.m.IntersectingRanges(r)
	seen := make(map[*Task]bool, len(entries))
	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		if e.Value == nil || seen[e.Value] {
			continue
		}
		seen[e.Value] = true
		out = append(out, e.Value)
	}
	return out
}
