package dispatch

import "sync"

// fifoQueue hands ready tasks from the scheduling paths to the workers.
//
// It is intentionally a plain FIFO: Enqueue never blocks and never drops,
// TryDequeue never blocks. Priority is the admission policy's job, not the
// queue's (a throttled low-priority task is dequeued, denied, and re-queued).
type fifoQueue struct {
	mu    sync.Mutex
	items []*Task
	head  int
}

func (q *fifoQueue) Enqueue(t *Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *fifoQueue) TryDequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return nil, false
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Compact once the dead prefix dominates, so the slice doesn't grow
	// without bound under churn.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return t, true
}

func (q *fifoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
