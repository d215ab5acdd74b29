package dispatch

import (
	"sort"
	"sync"
	"time"
)

// registry is the shared map of task id -> record. It is the only structure
// mutated by multiple workers concurrently; per-task transitions are guarded
// by the task's own mutex, the map itself by this one.
type registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*Task)}
}

func (r *registry) add(t *Task) {
	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()
}

func (r *registry) get(id string) *Task {
	r.mu.RLock()
	t := r.tasks[id]
	r.mu.RUnlock()
	return t
}

func (r *registry) len() int {
	r.mu.RLock()
	n := len(r.tasks)
	r.mu.RUnlock()
	return n
}

func (r *registry) snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.snapshot())
	}
	r.mu.RUnlock()
	return out
}

// active returns Pending and Running tasks, newest first.
func (r *registry) active() []Snapshot {
	all := r.snapshots()
	out := all[:0]
	for _, s := range all {
		if s.Status == StatusPending || s.Status == StatusRunning {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out
}

// recent returns up to limit tasks, newest first.
func (r *registry) recent(limit int) []Snapshot {
	all := r.snapshots()
	sortNewestFirst(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func sortNewestFirst(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.After(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}

func (r *registry) stats() Statistics {
	all := r.snapshots()
	st := Statistics{Total: len(all)}
	var durSum time.Duration
	for _, s := range all {
		switch s.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
			durSum += s.Duration
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	if st.Completed > 0 {
		st.AvgDuration = durSum / time.Duration(st.Completed)
	}
	return st
}

// pending returns the live records still waiting to run.
func (r *registry) pending() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		t.mu.Lock()
		p := t.status == StatusPending
		t.mu.Unlock()
		if p {
			out = append(out, t)
		}
	}
	return out
}

// sweep removes terminal tasks whose completion is older than the cutoff,
// releasing their resources exactly once. Returns the number removed.
func (r *registry) sweep(cutoff time.Time) int {
	r.mu.Lock()
	var removed []*Task
	for id, t := range r.tasks {
		t.mu.Lock()
		expired := t.status.Terminal() && !t.completedAt.IsZero() && t.completedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(r.tasks, id)
			removed = append(removed, t)
		}
	}
	r.mu.Unlock()

	for _, t := range removed {
		t.release()
	}
	return len(removed)
}

// clear removes everything, releasing resources. Used at Stop().
func (r *registry) clear() {
	r.mu.Lock()
	all := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()

	for _, t := range all {
		t.release()
	}
}
