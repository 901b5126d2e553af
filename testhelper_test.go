package runloop

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// newTestLoop creates a loop owned by the calling test goroutine, closed
// when the test ends.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if loop.State() != StateTerminated {
			_ = loop.Close()
		}
	})
	return loop
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

// newTestLogger returns a JSON logger, with all levels enabled, writing to
// the returned buffer.
func newTestLogger() (*logiface.Logger[logiface.Event], *syncBuffer) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
	return logger, &buf
}

// recorder collects labels from tasks, in the order they ran.
type recorder struct {
	mu     sync.Mutex
	labels []string
}

func (x *recorder) add(label string) {
	x.mu.Lock()
	x.labels = append(x.labels, label)
	x.mu.Unlock()
}

// task returns a task recording label.
func (x *recorder) task(label string) func() {
	return func() { x.add(label) }
}

func (x *recorder) get() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.labels...)
}

// runFor runs loop on the calling goroutine until it has been idle long
// enough for every task due within d to have run.
func runFor(t *testing.T, loop *Loop, d time.Duration) {
	t.Helper()
	require.NoError(t, loop.PostDelayedTask(loop.RequestStop, d))
	require.NoError(t, loop.Run(t.Context()))
}

// requirePanicsWithErrorIs asserts fn panics with an error matching target.
func requirePanicsWithErrorIs(t *testing.T, target error, fn func()) {
	t.Helper()
	var r any
	func() {
		defer func() { r = recover() }()
		fn()
	}()
	require.NotNil(t, r, "expected a panic")
	err, ok := r.(error)
	require.Truef(t, ok, "panic value %v is not an error", r)
	require.ErrorIs(t, err, target)
}
