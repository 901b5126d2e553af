package runloop

import (
	"context"
	"errors"
	"runtime"
)

// Thread is a goroutine, locked to its own OS thread, that owns and runs a
// [Loop] until stopped.
type Thread struct {
	loop *Loop
	done chan struct{}
	err  error
	name string
}

// StartThread starts a Thread, returning once its loop exists and can accept
// tasks. The loop is created with WithName(name) followed by opts.
func StartThread(name string, opts ...LoopOption) (*Thread, error) {
	t := &Thread{
		done: make(chan struct{}),
		name: name,
	}
	ready := make(chan error, 1)
	go t.main(append([]LoopOption{WithName(name)}, opts...), ready)
	if err := <-ready; err != nil {
		<-t.done
		return nil, err
	}
	return t, nil
}

func (t *Thread) main(opts []LoopOption, ready chan<- error) {
	defer close(t.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop, err := New(opts...)
	if err != nil {
		ready <- err
		return
	}
	t.loop = loop
	ready <- nil

	t.err = loop.Run(context.Background())
	if err := loop.Close(); err != nil && t.err == nil {
		t.err = err
	}
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	return t.name
}

// Loop returns the thread's loop. Other than posting tasks, its methods may
// only be called from tasks running on it.
func (t *Thread) Loop() *Loop {
	return t.loop
}

// Done is closed once the thread has stopped and its loop has been closed.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Err returns the error the thread's loop stopped with. Only valid after Done
// is closed.
func (t *Thread) Err() error {
	return t.err
}

// Stop quits the thread's loop, after the tasks already posted to it, and
// waits for the thread to exit. Safe to call more than once, but not from the
// thread itself, which panics (wrapping [ErrWrongGoroutine]).
func (t *Thread) Stop() error {
	if getGoroutineID() == t.loop.owner {
		contractViolation("runloop: Thread.Stop called on its own thread", ErrWrongGoroutine)
	}
	if err := t.loop.PostQuit(); err != nil && !errors.Is(err, ErrLoopTerminated) {
		return err
	}
	<-t.done
	return t.err
}
