package runloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// observerFunc adapts a func to LifecycleObserver. Use a pointer, so it is
// comparable.
type observerFunc func(l *Loop)

func (f *observerFunc) LoopClosing(l *Loop) { (*f)(l) }

func newObserver(fn func(l *Loop)) *observerFunc {
	f := observerFunc(fn)
	return &f
}

// closer counts Close calls.
type closer struct {
	calls atomic.Int32
	err   error
}

func (c *closer) Close() error {
	c.calls.Add(1)
	return c.err
}

func TestClose_DiscardsPendingWithoutRunning(t *testing.T) {
	loop := newTestLoop(t, WithMetrics(true))

	var ran atomic.Int32
	run := func() { ran.Add(1) }

	// immediate, delayed, and still in the inbox
	require.NoError(t, loop.PostTask(run))
	require.NoError(t, loop.PostDelayedTask(run, time.Hour))
	loop.reloadWorkQueue()
	require.NoError(t, loop.PostTask(run))
	require.NoError(t, loop.PostNonNestableDelayedTask(run, time.Hour))

	// and one deferred
	loop.deferred.Push(pendingTask{run: run})

	require.NoError(t, loop.Close())

	assert.Zero(t, ran.Load())
	assert.Equal(t, uint64(5), loop.Metrics().DiscardedTasks)
	assert.Zero(t, loop.immediate.Len())
	assert.Zero(t, loop.delayed.Len())
	assert.Zero(t, loop.deferred.Len())
}

func TestClose_ObserversNotifiedOnceInOrderBeforeDiscard(t *testing.T) {
	loop := newTestLoop(t)
	var rec recorder

	res := &closer{}
	require.NoError(t, loop.ReleaseSoon(closerFunc(func() error {
		rec.add("discarded")
		return res.Close()
	})))

	for _, label := range []string{"a", "b", "c"} {
		loop.AddLifecycleObserver(newObserver(func(l *Loop) {
			assert.Same(t, loop, l)
			assert.Equal(t, StateTerminating, l.State())
			rec.add(label)
		}))
	}

	require.NoError(t, loop.Close())
	assert.Equal(t, []string{"a", "b", "c", "discarded"}, rec.get())
	assert.Equal(t, int32(1), res.calls.Load())

	// nothing happens on a second close
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
	assert.Equal(t, []string{"a", "b", "c", "discarded"}, rec.get())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestClose_TasksPostedByObserverAreDiscarded(t *testing.T) {
	loop := newTestLoop(t)

	var ran atomic.Bool
	var postErr error
	loop.AddLifecycleObserver(newObserver(func(l *Loop) {
		postErr = l.PostTask(func() { ran.Store(true) })
	}))

	require.NoError(t, loop.Close())
	assert.NoError(t, postErr, "accepted, then discarded")
	assert.False(t, ran.Load())

	assert.ErrorIs(t, loop.PostTask(func() { ran.Store(true) }), ErrLoopTerminated)
	assert.ErrorIs(t, loop.PostQuit(), ErrLoopTerminated)
	assert.False(t, ran.Load())
}

func TestObservers_MutationDuringNotify(t *testing.T) {
	loop := newTestLoop(t)
	var rec recorder

	late := newObserver(func(*Loop) { rec.add("added during notify") })
	removed := newObserver(func(*Loop) { rec.add("removed") })
	first := newObserver(func(l *Loop) {
		rec.add("first")
		l.RemoveLifecycleObserver(removed)
		l.AddLifecycleObserver(late)
	})
	self := new(observerFunc)
	*self = func(l *Loop) {
		rec.add("self")
		l.RemoveLifecycleObserver(self)
	}

	loop.AddLifecycleObserver(first)
	loop.AddLifecycleObserver(self)
	loop.AddLifecycleObserver(removed)
	loop.AddLifecycleObserver(first) // duplicate, ignored
	loop.AddLifecycleObserver(nil)   // ignored
	assert.Equal(t, 3, loop.observers.len())

	require.NoError(t, loop.Close())
	assert.Equal(t, []string{"first", "self", "added during notify"}, rec.get())
}

func TestObservers_Remove(t *testing.T) {
	loop := newTestLoop(t)
	called := false
	o := newObserver(func(*Loop) { called = true })

	loop.AddLifecycleObserver(o)
	loop.RemoveLifecycleObserver(o)
	loop.RemoveLifecycleObserver(o)
	loop.RemoveLifecycleObserver(nil)
	assert.Zero(t, loop.observers.len())

	require.NoError(t, loop.Close())
	assert.False(t, called)
}

func TestObservers_PanicDoesNotAbortTeardown(t *testing.T) {
	logger, buf := newTestLogger()
	loop := newTestLoop(t, WithLogger(logger))

	second := false
	loop.AddLifecycleObserver(newObserver(func(*Loop) { panic("observer") }))
	loop.AddLifecycleObserver(newObserver(func(*Loop) { second = true }))

	require.NoError(t, loop.Close())
	assert.True(t, second)
	assert.Equal(t, StateTerminated, loop.State())
	assert.Contains(t, buf.String(), "observer")
	assert.Contains(t, buf.String(), `"msg":"runloop: loop closed"`)
}

// TestClose_ConcurrentPosts races producers against teardown; every post
// either runs nothing (discarded) or fails with ErrLoopTerminated.
func TestClose_ConcurrentPosts(t *testing.T) {
	loop := newTestLoop(t)

	var ran atomic.Int32
	var accepted, rejected atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := loop.PostTask(func() { ran.Add(1) })
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrLoopTerminated):
					rejected.Add(1)
				default:
					t.Error(err)
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, loop.Close())
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, ran.Load())
	assert.Positive(t, accepted.Load())
	assert.Positive(t, rejected.Load())
}

func TestReleaseSoon_ClosedOnLoop(t *testing.T) {
	logger, buf := newTestLogger()
	loop := newTestLoop(t, WithLogger(logger))

	ok := &closer{}
	failing := &closer{err: errors.New("close failed")}
	require.NoError(t, loop.ReleaseSoon(ok))
	require.NoError(t, loop.ReleaseSoon(failing))

	require.NoError(t, loop.RunUntilIdle())
	assert.Equal(t, int32(1), ok.calls.Load())
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Contains(t, buf.String(), `"err":"close failed"`)

	require.NoError(t, loop.Close())
	assert.Equal(t, int32(1), ok.calls.Load(), "not closed twice")
}

func TestReleaseSoon_NotFromNestedFrame(t *testing.T) {
	loop := newTestLoop(t)
	c := &closer{}

	require.NoError(t, loop.PostTask(func() {
		require.NoError(t, loop.ReleaseSoon(c))
		defer loop.AllowReentrancy()()
		require.NoError(t, loop.RunUntilIdle())
		assert.Zero(t, c.calls.Load())
	}))
	require.NoError(t, loop.RunUntilIdle())
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestReleaseSoon_AfterClose(t *testing.T) {
	loop := newTestLoop(t)
	require.NoError(t, loop.Close())

	c := &closer{}
	assert.ErrorIs(t, loop.ReleaseSoon(c), ErrLoopTerminated)
	assert.Zero(t, c.calls.Load(), "still owned by the caller")
}
