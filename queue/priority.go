// Package queue implements EverTask's in-memory scheduling primitives: a
// due-time-ordered priority queue feeding the time scheduler, and bounded
// per-queue channels feeding the worker pool.
package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Handle is the lightweight in-memory reference a Scheduler and Queue pass
// around; the full PersistedTask payload stays in storage.
type Handle struct {
	TaskID    string
	QueueName string
	Due       time.Time
}

type heapItem struct {
	handle Handle
	seq    int64
}

type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if !h[i].handle.Due.Equal(h[j].handle.Due) {
		return h[i].handle.Due.Before(h[j].handle.Due)
	}
	return h[i].seq < h[j].seq
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a thread-safe min-heap of Handles ordered by
// (due_time, insertion_sequence). Enqueue raises a wake signal consumed by
// the scheduler's event loop, giving it zero idle CPU.
type PriorityQueue struct {
	mu      sync.Mutex
	heap    minHeap
	nextSeq int64
	wake    chan struct{}
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{wake: make(chan struct{}, 1)}
}

// Wake returns the channel the scheduler loop selects on; a buffered slot
// of size 1 means repeated wake-ups before the loop drains one coalesce
// into a single wake rather than blocking the enqueuing goroutine.
func (q *PriorityQueue) Wake() <-chan struct{} { return q.wake }

func (q *PriorityQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue inserts handle at due and raises the wake signal.
func (q *PriorityQueue) Enqueue(handle Handle, due time.Time) {
	handle.Due = due
	q.mu.Lock()
	heap.Push(&q.heap, heapItem{handle: handle, seq: q.nextSeq})
	q.nextSeq++
	q.mu.Unlock()
	q.signal()
}

// TryPeek returns the earliest-due handle without removing it.
func (q *PriorityQueue) TryPeek() (Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Handle{}, false
	}
	return q.heap[0].handle, true
}

// DequeueReadyBefore removes and returns every handle with Due <= t, in
// due-time order.
func (q *PriorityQueue) DequeueReadyBefore(t time.Time) []Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []Handle
	for len(q.heap) > 0 && !q.heap[0].handle.Due.After(t) {
		item := heap.Pop(&q.heap).(heapItem)
		ready = append(ready, item.handle)
	}
	return ready
}

// Len reports the current number of pending handles.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Remove drops the first handle matching taskID, if present. Used when a
// task is cancelled before its due time.
func (q *PriorityQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.heap {
		if item.handle.TaskID == taskID {
			heap.Remove(&q.heap, i)
			return true
		}
	}
	return false
}
