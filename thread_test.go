package runloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThread_RunsPostedTasks(t *testing.T) {
	th, err := StartThread("worker")
	require.NoError(t, err)
	defer th.Stop()

	assert.Equal(t, "worker", th.Name())
	assert.Equal(t, "worker", th.Loop().Name())

	var rec recorder
	done := make(chan struct{})
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, th.Loop().PostTask(rec.task(s)))
	}
	require.NoError(t, th.Loop().PostTask(func() {
		assert.Same(t, th.Loop(), Current())
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, []string{"a", "b", "c"}, rec.get())
}

func TestThread_Stop(t *testing.T) {
	th, err := StartThread("worker", WithMetrics(true))
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, th.Loop().PostTask(rec.task("before")))
	require.NoError(t, th.Stop())

	// tasks posted before Stop still run
	assert.Equal(t, []string{"before"}, rec.get())

	select {
	case <-th.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, th.Err())
	assert.Equal(t, StateTerminated, th.Loop().State())

	// again
	require.NoError(t, th.Stop())
	assert.ErrorIs(t, th.Loop().PostTask(func() {}), ErrLoopTerminated)
}

func TestThread_DiscardsAfterStop(t *testing.T) {
	th, err := StartThread("worker")
	require.NoError(t, err)

	discarded := make(chan struct{})
	require.NoError(t, th.Loop().PostTask(func() {
		// never runs: the loop stops first
		assert.NoError(t, th.Loop().ReleaseSoon(closerFunc(func() error {
			close(discarded)
			return nil
		})))
		th.Loop().RequestStop()
	}))
	<-th.Done()
	require.NoError(t, th.Stop())

	select {
	case <-discarded:
	default:
		t.Fatal("pending release not closed during teardown")
	}
}

func TestThread_NewError(t *testing.T) {
	want := errors.New("bad option")
	th, err := StartThread("worker", &loopOptionImpl{func(*loopOptions) error { return want }})
	assert.Nil(t, th)
	assert.ErrorIs(t, err, want)
}

func TestThread_StopFromOwnThreadPanics(t *testing.T) {
	th, err := StartThread("worker")
	require.NoError(t, err)
	defer th.Stop()

	recovered := make(chan any, 1)
	require.NoError(t, th.Loop().PostTask(func() {
		defer func() { recovered <- recover() }()
		_ = th.Stop()
	}))

	var r any
	select {
	case r = <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on its own thread")
	}
	err, _ = r.(error)
	assert.ErrorIs(t, err, ErrWrongGoroutine)

	// the thread is unaffected
	assert.Equal(t, StateRunning, th.Loop().State())
}
