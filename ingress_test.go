package runloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestTaskQueue_ChunkTransition verifies the queue correctly handles chunk
// boundary transitions during push/pop operations.
func TestTaskQueue_ChunkTransition(t *testing.T) {
	const cycles = 3
	total := chunkSize * cycles

	var q taskQueue
	for i := 0; i < total; i++ {
		q.Push(pendingTask{seq: uint64(i), run: func() {}})
	}
	require.Equal(t, total, q.Len())

	for i := 0; i < total; i++ {
		task, ok := q.Pop()
		if !ok {
			t.Fatalf("Premature exhaustion at index %d", i)
		}
		if task.seq != uint64(i) || task.run == nil {
			t.Fatalf("unexpected task at index %d: seq=%d", i, task.seq)
		}
	}

	_, ok := q.Pop()
	assert.False(t, ok, "queue should be empty")
	assert.Zero(t, q.Len())
}

// TestTaskQueue_Interleaved pushes and pops around the chunk boundary,
// where the single-chunk rewind and the chunk hand-off both happen.
func TestTaskQueue_Interleaved(t *testing.T) {
	var q taskQueue
	var next, want uint64
	for round := 0; round < 10; round++ {
		for i := 0; i < chunkSize-1; i++ {
			next++
			q.Push(pendingTask{seq: next})
		}
		for i := 0; i < chunkSize/2; i++ {
			task, ok := q.Pop()
			require.True(t, ok)
			want++
			require.Equal(t, want, task.seq)
		}
	}
	for q.Len() > 0 {
		task, _ := q.Pop()
		want++
		require.Equal(t, want, task.seq)
	}
	assert.Equal(t, next, want)
}

func TestTaskQueue_Clear(t *testing.T) {
	var q taskQueue
	for i := 0; i < chunkSize+5; i++ {
		q.Push(pendingTask{seq: uint64(i + 1)})
	}

	var seen []uint64
	n := q.Clear(func(task pendingTask) {
		seen = append(seen, task.seq)
	})

	assert.Equal(t, chunkSize+5, n)
	require.Len(t, seen, chunkSize+5)
	assert.Equal(t, uint64(1), seen[0])
	assert.Equal(t, uint64(chunkSize+5), seen[len(seen)-1])
	assert.Zero(t, q.Len())
	assert.Nil(t, q.head)

	// still usable
	q.Push(pendingTask{seq: 42})
	task, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(42), task.seq)
}

func TestReturnChunk_ClearsPendingSlots(t *testing.T) {
	c := newChunk()
	c.tasks[0] = pendingTask{run: func() {}}
	c.tasks[1] = pendingTask{run: func() {}}
	c.pos = 2
	c.readPos = 1
	returnChunk(c)
	assert.Nil(t, c.tasks[1].run)
	assert.Zero(t, c.pos)
	assert.Zero(t, c.readPos)
}

func TestInbox_WakeOnlyWhenEmpty(t *testing.T) {
	x := newInbox()

	wake, accepted := x.push(pendingTask{})
	assert.True(t, wake)
	assert.True(t, accepted)

	wake, accepted = x.push(pendingTask{})
	assert.False(t, wake)
	assert.True(t, accepted)

	spare := new(taskQueue)
	q := x.take(spare)
	require.NotNil(t, q)
	assert.Equal(t, 2, q.Len())
	assert.Same(t, spare, x.queue)

	assert.Nil(t, x.take(new(taskQueue)), "nothing to take")

	wake, _ = x.push(pendingTask{})
	assert.True(t, wake, "empty again after take")
}

func TestInbox_SequenceNumbers(t *testing.T) {
	x := newInbox()
	for i := 0; i < 5; i++ {
		x.push(pendingTask{})
	}
	q := x.take(new(taskQueue))
	for i := uint64(1); i <= 5; i++ {
		task, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, task.seq)
	}
}

func TestInbox_Close(t *testing.T) {
	x := newInbox()
	x.push(pendingTask{seq: 1})

	q := x.close()
	assert.Equal(t, 1, q.Len())

	wake, accepted := x.push(pendingTask{})
	assert.False(t, wake)
	assert.False(t, accepted)
	assert.Nil(t, x.take(new(taskQueue)))
}

// TestInbox_PerProducerFIFO checks that concurrent producers each see their
// own records come out in the order they pushed them.
func TestInbox_PerProducerFIFO(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	x := newInbox()
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				// from and posted carry the producer and index through the queue
				x.push(pendingTask{from: uintptr(p), posted: time.Unix(0, int64(i))})
			}
			return nil
		})
	}

	var mu sync.Mutex
	last := make(map[uintptr]int64)
	total := 0
	check := func(q *taskQueue) {
		mu.Lock()
		defer mu.Unlock()
		for {
			task, ok := q.Pop()
			if !ok {
				return
			}
			i := task.posted.UnixNano()
			if prev, ok := last[task.from]; ok && i <= prev {
				t.Errorf("producer %d: %d after %d", task.from, i, prev)
			}
			last[task.from] = i
			total++
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		spare := new(taskQueue)
		for {
			if q := x.take(spare); q != nil {
				check(q)
				spare = q
				continue
			}
			mu.Lock()
			n := total
			mu.Unlock()
			if n == producers*perProducer {
				return
			}
		}
	}()

	require.NoError(t, g.Wait())
	<-done
	assert.Len(t, last, producers)
}

func TestStamp(t *testing.T) {
	now := time.Now()

	var immediate pendingTask
	stamp(&immediate, now, 0)
	assert.Equal(t, now, immediate.posted)
	assert.False(t, immediate.delayed())

	var negative pendingTask
	stamp(&negative, now, -time.Second)
	assert.False(t, negative.delayed())

	var delayed pendingTask
	stamp(&delayed, now, time.Second)
	assert.True(t, delayed.delayed())
	assert.Equal(t, now.Add(time.Second), delayed.target)
}
