package runloop

import (
	"container/heap"
	"time"
)

// delayedQueue is a min-heap of records, ordered by target time, with the
// sequence number breaking ties so same-deadline records run in post order.
type delayedQueue []pendingTask

// Implement heap.Interface for delayedQueue
func (h delayedQueue) Len() int { return len(h) }

func (h delayedQueue) Less(i, j int) bool {
	if h[i].target.Equal(h[j].target) {
		return h[i].seq < h[j].seq
	}
	return h[i].target.Before(h[j].target)
}

func (h delayedQueue) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedQueue) Push(x any) {
	*h = append(*h, x.(pendingTask))
}

func (h *delayedQueue) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = pendingTask{} // release the closure
	*h = old[:n-1]
	return x
}

func (h *delayedQueue) add(t pendingTask) {
	heap.Push(h, t)
}

// peek returns the earliest target, if any.
func (h delayedQueue) peek() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].target, true
}

func (h *delayedQueue) pop() pendingTask {
	return heap.Pop(h).(pendingTask)
}

// clear drops every record, passing each to fn (if non-nil) first.
func (h *delayedQueue) clear(fn func(pendingTask)) int {
	n := len(*h)
	for i := range *h {
		if fn != nil {
			fn((*h)[i])
		}
		(*h)[i] = pendingTask{}
	}
	*h = (*h)[:0]
	return n
}
