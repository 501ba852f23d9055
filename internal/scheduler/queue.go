package scheduler

import (
	"container/heap"

	"conductor/internal/task"
)

// queueItem is one READY task waiting for a worker.
type queueItem struct {
	id       string
	priority task.Priority
	critical bool
	seq      uint64 // Monotonic submission order; FIFO within a class
}

// readyQueue orders READY tasks by (priority desc, critical-path membership
// desc, submission order asc). Submission order is a sequence number rather
// than a timestamp so equal-time submissions stay strictly FIFO.
type readyQueue struct {
	items []queueItem
	seq   uint64
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.critical != b.critical {
		return a.critical
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x interface{}) { q.items = append(q.items, x.(queueItem)) }

func (q *readyQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// Submit enqueues a task, stamping its submission sequence.
func (q *readyQueue) Submit(id string, priority task.Priority, critical bool) {
	q.seq++
	heap.Push(q, queueItem{id: id, priority: priority, critical: critical, seq: q.seq})
}

// pushItem re-enqueues an item popped but not dispatched, keeping its
// original submission sequence so FIFO order survives role-cap skips.
func (q *readyQueue) pushItem(item queueItem) {
	heap.Push(q, item)
}

// Next pops the highest-ranked task, or false when empty.
func (q *readyQueue) Next() (queueItem, bool) {
	if q.Len() == 0 {
		return queueItem{}, false
	}
	return heap.Pop(q).(queueItem), true
}

// Remove drops a task from the queue if present, preserving heap order.
func (q *readyQueue) Remove(id string) bool {
	for i, item := range q.items {
		if item.id == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
