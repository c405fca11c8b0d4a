// Package queue implements the per-device bounded priority queue that
// orders pending Modbus requests strictly by priority and, within a
// priority tier, by enqueue order: priority descending, then enqueue time
// ascending.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// ErrQueueFull is returned by Push when the queue is at capacity.
var ErrQueueFull = errors.New("queue: full")

// heapItem wraps a QueuedRequest with a monotonic sequence number so the
// heap can break enqueue-time ties deterministically even when two
// requests land in the same millisecond.
type heapItem struct {
	req QueuedEntry
	seq uint64
}

// QueuedEntry is a domain.QueuedRequest ready for heap ordering.
type QueuedEntry = domain.QueuedRequest

type innerHeap []heapItem

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if a.req.EnqueueTimeMs != b.req.EnqueueTimeMs {
		return a.req.EnqueueTimeMs < b.req.EnqueueTimeMs
	}
	return a.seq < b.seq
}

func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *innerHeap) Push(x any) {
	*h = append(*h, x.(heapItem))
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a bounded, thread-safe priority queue of QueuedRequests.
type PriorityQueue struct {
	mu       sync.Mutex
	items    innerHeap
	capacity int
	nextSeq  uint64
	notify   chan struct{}
}

// New builds a PriorityQueue bounded at capacity entries.
func New(capacity int) *PriorityQueue {
	return &PriorityQueue{
		items:    make(innerHeap, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues req, returning ErrQueueFull once capacity is reached.
func (q *PriorityQueue) Push(req domain.QueuedRequest) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	heap.Push(&q.items, heapItem{req: req, seq: q.nextSeq})
	q.nextSeq++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Notify returns a channel that receives a value whenever an entry is
// pushed, so a worker blocked executing an in-flight request can wake up
// and re-check HasHigherThan instead of polling.
func (q *PriorityQueue) Notify() <-chan struct{} { return q.notify }

// Pop removes and returns the highest-priority, earliest-enqueued request.
// ok is false when the queue is empty.
func (q *PriorityQueue) Pop() (domain.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return domain.QueuedRequest{}, false
	}
	item := heap.Pop(&q.items).(heapItem)
	return item.req, true
}

// Len reports the number of queued requests.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasHigherThan reports whether any queued request outranks p, used by the
// worker to decide whether to preempt an interruptible in-flight request.
func (q *PriorityQueue) HasHigherThan(p domain.RequestPriority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.req.Priority > p {
			return true
		}
	}
	return false
}

// Clear empties the queue, returning the requests that were discarded so
// the caller can emit Interrupted events for each.
func (q *PriorityQueue) Clear() []domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]domain.QueuedRequest, 0, len(q.items))
	for _, it := range q.items {
		drained = append(drained, it.req)
	}
	q.items = q.items[:0]
	return drained
}
