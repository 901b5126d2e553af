package runloop

import (
	"sync"
	"time"
)

// chunkSize is the number of records per node in the taskQueue linked list.
const chunkSize = 128

// taskQueue is a chunked linked-list FIFO of records.
//
// Thread Safety: This struct is NOT thread-safe. The immediate and deferred
// queues are touched only by the owning goroutine; the inbox wraps one in a
// mutex.
//
// Fixed-size chunks give cache locality and amortize allocations, and
// sync.Pool recycling keeps a busy loop from churning the GC.
type taskQueue struct { // betteralign:ignore
	head   *chunk
	tail   *chunk
	length int
}

// chunkPool recycles exhausted chunks.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk struct {
	tasks   [chunkSize]pendingTask
	next    *chunk
	readPos int // First unread slot
	pos     int // First unused slot
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears any slots still holding records, so pooled chunks never
// retain closures, then returns c to the pool.
func returnChunk(c *chunk) {
	for i := c.readPos; i < c.pos; i++ {
		c.tasks[i] = pendingTask{}
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push appends a record.
func (q *taskQueue) Push(t pendingTask) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.tasks) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

// Pop removes and returns the oldest record, or false if the queue is empty.
func (q *taskQueue) Pop() (pendingTask, bool) {
	if q.length == 0 {
		return pendingTask{}, false
	}

	if q.head.readPos >= q.head.pos {
		oldHead := q.head
		q.head = q.head.next
		returnChunk(oldHead)
	}

	t := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = pendingTask{}
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			// only chunk, rewind the cursors for reuse
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			oldHead := q.head
			q.head = q.head.next
			returnChunk(oldHead)
		}
	}

	return t, true
}

// Len returns the number of queued records.
func (q *taskQueue) Len() int {
	return q.length
}

// Clear drops every record, passing each to fn (if non-nil) first.
func (q *taskQueue) Clear(fn func(pendingTask)) int {
	n := 0
	for {
		t, ok := q.Pop()
		if !ok {
			break
		}
		n++
		if fn != nil {
			fn(t)
		}
	}
	if q.head != nil {
		returnChunk(q.head)
		q.head, q.tail = nil, nil
	}
	return n
}

// inbox is the only structure shared between goroutines: producers push
// under mu, the owning goroutine takes everything at once.
type inbox struct {
	mu      sync.Mutex
	queue   *taskQueue
	nextSeq uint64
	closed  bool
}

func newInbox() *inbox {
	return &inbox{queue: new(taskQueue)}
}

// push stamps t with the next sequence number and appends it.
//
// wake reports the transition from empty to non-empty, which is when the
// pump must be woken. accepted is false once the inbox has been closed, in
// which case t is dropped.
func (x *inbox) push(t pendingTask) (wake, accepted bool) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return false, false
	}
	x.nextSeq++
	t.seq = x.nextSeq
	wake = x.queue.Len() == 0
	x.queue.Push(t)
	x.mu.Unlock()
	return wake, true
}

// take swaps out the pending records, leaving spare (which must be empty)
// in their place. It returns nil if there was nothing to take.
func (x *inbox) take(spare *taskQueue) *taskQueue {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.queue.Len() == 0 {
		return nil
	}
	q := x.queue
	x.queue = spare
	return q
}

// close rejects future pushes and returns whatever was still pending.
func (x *inbox) close() *taskQueue {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	q := x.queue
	x.queue = new(taskQueue)
	return q
}

// stamp fills in the timing fields of a record about to be pushed.
func stamp(t *pendingTask, now time.Time, delay time.Duration) {
	t.posted = now
	if delay > 0 {
		t.target = now.Add(delay)
	}
}
