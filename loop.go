package runloop

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Loop is a per-goroutine cooperative task scheduler.
//
// Any goroutine may post tasks; only the goroutine that called [New] (the
// owning goroutine) runs them, via [Loop.Run] or [Loop.RunUntilIdle]. Run may
// be re-entered from within a task, forming nested frames: nestable tasks
// may then run inside the nested frame, non-nestable ones are deferred until
// control is back in the outermost frame.
//
// Unless documented otherwise, methods must be called on the owning
// goroutine, and panic (wrapping [ErrWrongGoroutine]) if they are not.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	state fastState

	pump    Pump
	pumpErr interface{ Err() error }
	logger  *logiface.Logger[logiface.Event]
	metrics *loopMetrics
	now     func() time.Time

	// inbox is shared with producers; spare is the empty queue swapped into
	// it on each reload.
	inbox *inbox
	spare *taskQueue

	// Owner-only queues.
	immediate taskQueue
	deferred  taskQueue
	delayed   delayedQueue

	// frame is the innermost active Run frame.
	frame *runFrame

	observers observerList

	name  string
	id    uint64
	owner uint64

	reentrancyAllowed bool
}

var loopIDCounter atomic.Uint64

// New creates a loop owned by the calling goroutine, registering it as that
// goroutine's [Current] loop.
//
// It fails with [ErrLoopExists] if the calling goroutine already owns a loop
// that has not been closed.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		pump:              cfg.pump,
		logger:            cfg.logger,
		now:               time.Now,
		inbox:             newInbox(),
		spare:             new(taskQueue),
		name:              cfg.name,
		id:                loopIDCounter.Add(1),
		owner:             getGoroutineID(),
		reentrancyAllowed: true,
	}
	if cfg.metricsEnabled {
		l.metrics = newLoopMetrics()
	}
	l.pumpErr, _ = cfg.pump.(interface{ Err() error })

	if err := bindCurrent(l.owner, l); err != nil {
		return nil, err
	}

	return l, nil
}

// ID returns a process-unique identifier for the loop. Safe from any goroutine.
func (l *Loop) ID() uint64 {
	return l.id
}

// Name returns the name configured by WithName. Safe from any goroutine.
func (l *Loop) Name() string {
	return l.name
}

// State returns the current loop state. Safe from any goroutine.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns a snapshot of the loop's metrics, or nil if the loop was
// not created with WithMetrics(true). Safe from any goroutine.
func (l *Loop) Metrics() *Metrics {
	if l.metrics == nil {
		return nil
	}
	return l.metrics.snapshot()
}

// Depth returns the number of active Run frames.
func (l *Loop) Depth() int {
	l.assertOwner("runloop: Depth")
	return l.depth()
}

// ----------------------------------------------------------------------------
// Posting. Safe from any goroutine.
// ----------------------------------------------------------------------------

// Enqueue posts task to run on the owning goroutine once delay has elapsed
// (as soon as possible if delay <= 0). If nestable is false, the task never
// runs from a nested Run frame.
//
// Tasks with the same delay, posted from the same goroutine, run in post
// order. Enqueue returns [ErrLoopTerminated], dropping task, if the loop has
// already been closed. A nil task panics.
func (l *Loop) Enqueue(task func(), delay time.Duration, nestable bool) error {
	return l.post(pendingTask{run: task, nestable: nestable, from: callerPC(1)}, delay)
}

// PostTask posts a nestable task to run as soon as possible.
func (l *Loop) PostTask(task func()) error {
	return l.post(pendingTask{run: task, nestable: true, from: callerPC(1)}, 0)
}

// PostDelayedTask posts a nestable task to run no earlier than delay from now.
func (l *Loop) PostDelayedTask(task func(), delay time.Duration) error {
	return l.post(pendingTask{run: task, nestable: true, from: callerPC(1)}, delay)
}

// PostNonNestableTask posts a task that only runs from the outermost Run frame.
func (l *Loop) PostNonNestableTask(task func()) error {
	return l.post(pendingTask{run: task, from: callerPC(1)}, 0)
}

// PostNonNestableDelayedTask combines PostDelayedTask and PostNonNestableTask.
func (l *Loop) PostNonNestableDelayedTask(task func(), delay time.Duration) error {
	return l.post(pendingTask{run: task, from: callerPC(1)}, delay)
}

// ReleaseSoon closes c on the owning goroutine, from the outermost Run frame.
// If the loop is closed before that happens, c is closed during teardown
// instead. Close errors are logged.
//
// If ReleaseSoon returns an error, c was not taken and the caller still owns it.
func (l *Loop) ReleaseSoon(c io.Closer) error {
	release := func() {
		if err := c.Close(); err != nil {
			l.logReleaseError(err)
		}
	}
	return l.post(pendingTask{run: release, discard: release, from: callerPC(1)}, 0)
}

// PostQuit asks the loop to stop, from any goroutine. It posts a
// non-nestable task calling [Loop.RequestStop], so it always stops the
// outermost Run frame, after everything posted before it.
func (l *Loop) PostQuit() error {
	return l.post(pendingTask{run: l.RequestStop, from: callerPC(1)}, 0)
}

func (l *Loop) post(t pendingTask, delay time.Duration) error {
	if t.run == nil {
		contractViolation("runloop: post", ErrNilTask)
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	stamp(&t, l.now(), delay)
	wake, accepted := l.inbox.push(t)
	if !accepted {
		return ErrLoopTerminated
	}
	if wake {
		l.pump.ScheduleWork()
	}
	return nil
}

// ----------------------------------------------------------------------------
// Running. Owning goroutine only.
// ----------------------------------------------------------------------------

// Run processes tasks, blocking in the pump while there are none, until
// [Loop.RequestStop] is called for this frame (returns nil), ctx is done
// (returns ctx.Err()), or the pump fails (returns the pump's error).
//
// Calling Run from within a task starts a nested frame. Note that a task runs
// with reentrancy disallowed, so a nested Run holds all work until
// [Loop.SetReentrancyAllowed] (or [Loop.AllowReentrancy]) re-enables it.
func (l *Loop) Run(ctx context.Context) error {
	l.assertOwner("runloop: Run")
	if l.state.IsTerminal() {
		return ErrLoopTerminated
	}
	return l.run(ctx, false)
}

// RunUntilIdle processes every task that is currently runnable, including
// due delayed tasks and tasks those post, then returns without blocking.
func (l *Loop) RunUntilIdle() error {
	l.assertOwner("runloop: RunUntilIdle")
	if l.state.IsTerminal() {
		return ErrLoopTerminated
	}
	return l.run(context.Background(), true)
}

func (l *Loop) run(ctx context.Context, quitWhenIdle bool) error {
	f := l.pushFrame(quitWhenIdle)
	defer l.popFrame(f)

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, l.pump.ScheduleWork)
		defer stop()
	}

	d := (*loopDelegate)(l)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// a stop may come from an event dispatched while waiting
		if f.exitRequested {
			return nil
		}

		didWork := l.pump.DoImmediateWork(d)
		if f.exitRequested {
			return nil
		}

		didDelayed, next := l.pump.DoDelayedWork(d)
		if f.exitRequested {
			return nil
		}
		if didWork || didDelayed {
			continue
		}

		didIdle := l.pump.DoIdleWork(d)
		if f.exitRequested {
			return nil
		}
		if didIdle {
			continue
		}

		l.pump.WaitUntil(next)

		if l.pumpErr != nil {
			if err := l.pumpErr.Err(); err != nil {
				l.logPumpError("wait", err)
				return err
			}
		}
	}
}

// RequestStop makes the innermost active Run (or RunUntilIdle) return at its
// next iteration boundary. Outer frames are unaffected. It panics (wrapping
// [ErrNoActiveFrame]) if the loop is not running.
//
// To stop the loop from another goroutine use [Loop.PostQuit].
func (l *Loop) RequestStop() {
	l.assertOwner("runloop: RequestStop")
	if l.frame == nil {
		contractViolation("runloop: RequestStop", ErrNoActiveFrame)
	}
	l.frame.exitRequested = true
}

// RequestStopWhenIdle makes the innermost active Run return once it has run
// out of runnable work.
func (l *Loop) RequestStopWhenIdle() {
	l.assertOwner("runloop: RequestStopWhenIdle")
	if l.frame == nil {
		contractViolation("runloop: RequestStopWhenIdle", ErrNoActiveFrame)
	}
	l.frame.quitWhenIdle = true
}

// SetReentrancyAllowed sets whether tasks may run from the current point
// on, returning the previous setting. It is cleared while each task runs,
// and restored once the task returns, so it only needs setting around a
// known-safe nested Run (or foreign call that pumps the loop).
//
// Non-nestable tasks are deferred from nested frames regardless.
func (l *Loop) SetReentrancyAllowed(allowed bool) bool {
	l.assertOwner("runloop: SetReentrancyAllowed")
	prev := l.reentrancyAllowed
	l.reentrancyAllowed = allowed
	if allowed && !prev {
		// held work may be waiting
		l.pump.ScheduleWork()
	}
	return prev
}

// IsReentrancyAllowed reports the current reentrancy setting.
func (l *Loop) IsReentrancyAllowed() bool {
	l.assertOwner("runloop: IsReentrancyAllowed")
	return l.reentrancyAllowed
}

// AllowReentrancy allows reentrancy until the returned func is called, which
// restores the previous setting:
//
//	defer loop.AllowReentrancy()()
//	_ = loop.Run(ctx) // nested
func (l *Loop) AllowReentrancy() (restore func()) {
	prev := l.SetReentrancyAllowed(true)
	return func() {
		l.SetReentrancyAllowed(prev)
	}
}

// ----------------------------------------------------------------------------
// Delegate implementation, called by the pump.
// ----------------------------------------------------------------------------

// loopDelegate is the [Delegate] handed to the pump, keeping the work
// methods off the exported API of Loop.
type loopDelegate Loop

func (x *loopDelegate) DoWork() bool { return (*Loop)(x).doWork() }

func (x *loopDelegate) DoDelayedWork() (bool, time.Time) { return (*Loop)(x).doDelayedWork() }

func (x *loopDelegate) DoIdleWork() bool { return (*Loop)(x).doIdleWork() }

// stopping reports whether the innermost frame has been asked to exit, in
// which case no further task may run in it.
func (l *Loop) stopping() bool {
	return l.frame != nil && l.frame.exitRequested
}

func (l *Loop) doWork() bool {
	l.reloadWorkQueue()
	if l.metrics != nil {
		l.metrics.recordQueues(l.immediate.Len(), l.delayed.Len(), l.deferred.Len())
	}

	if !l.reentrancyAllowed || l.stopping() {
		return false
	}

	if l.depth() <= 1 {
		if t, ok := l.deferred.Pop(); ok {
			l.runTask(&t)
			return true
		}
	}

	for {
		t, ok := l.immediate.Pop()
		if !ok {
			return false
		}
		if l.deferOrRun(&t) {
			return true
		}
	}
}

func (l *Loop) doDelayedWork() (bool, time.Time) {
	l.reloadWorkQueue()

	if !l.reentrancyAllowed {
		return false, time.Time{}
	}
	if l.stopping() {
		return false, l.nextTarget()
	}

	if l.depth() <= 1 && l.deferred.Len() > 0 {
		// deferred work goes first, DoWork will pick it up
		return false, l.nextTarget()
	}

	now := l.now()
	for {
		target, ok := l.delayed.peek()
		if !ok {
			return false, time.Time{}
		}
		if target.After(now) {
			return false, target
		}
		t := l.delayed.pop()
		if l.deferOrRun(&t) {
			return true, l.nextTarget()
		}
	}
}

func (l *Loop) doIdleWork() bool {
	if l.frame != nil && l.frame.quitWhenIdle {
		l.frame.exitRequested = true
	}
	return false
}

func (l *Loop) nextTarget() time.Time {
	target, _ := l.delayed.peek()
	return target
}

// reloadWorkQueue routes everything in the inbox into the immediate and
// delayed queues.
func (l *Loop) reloadWorkQueue() {
	q := l.inbox.take(l.spare)
	if q == nil {
		return
	}
	for {
		t, ok := q.Pop()
		if !ok {
			break
		}
		if t.delayed() {
			l.delayed.add(t)
		} else {
			l.immediate.Push(t)
		}
	}
	l.spare = q
}

// deferOrRun runs t, unless it is non-nestable and we are nested, in which
// case it is parked in the deferred queue. Reports whether t ran.
func (l *Loop) deferOrRun(t *pendingTask) bool {
	if !t.nestable && l.depth() > 1 {
		l.deferred.Push(*t)
		if l.metrics != nil {
			l.metrics.deferredTasks.Add(1)
		}
		return false
	}
	l.runTask(t)
	return true
}

// runTask runs t with reentrancy disallowed, restoring the previous setting
// however the task exits.
func (l *Loop) runTask(t *pendingTask) {
	prev := l.reentrancyAllowed
	l.reentrancyAllowed = false
	defer func() {
		l.reentrancyAllowed = prev
	}()

	if l.metrics != nil {
		ready := t.posted
		if t.delayed() {
			ready = t.target
		}
		l.metrics.recordRun(l.now().Sub(ready), t.delayed())
	}

	l.safeExecute(t, t.run)
}

// safeExecute calls fn, recovering and logging any panic, except for
// contract violations, which are re-raised.
func (l *Loop) safeExecute(t *pendingTask, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if isContractViolation(r) {
				panic(r)
			}
			if l.metrics != nil {
				l.metrics.panickedTasks.Add(1)
			}
			l.logTaskPanic(t, PanicError{Value: r})
		}
	}()
	fn()
}

func isContractViolation(r any) bool {
	err, ok := r.(error)
	return ok && (errors.Is(err, ErrWrongGoroutine) ||
		errors.Is(err, ErrNoActiveFrame) ||
		errors.Is(err, ErrNilTask))
}

// ----------------------------------------------------------------------------
// Lifecycle.
// ----------------------------------------------------------------------------

// AddLifecycleObserver subscribes o to the loop's teardown notification.
// Safe from any goroutine, including from within a notification.
func (l *Loop) AddLifecycleObserver(o LifecycleObserver) {
	l.observers.add(o)
}

// RemoveLifecycleObserver unsubscribes o. Safe from any goroutine, including
// from within a notification, in which case o is not notified if it had not
// been already.
func (l *Loop) RemoveLifecycleObserver(o LifecycleObserver) {
	l.observers.remove(o)
}

// Close tears the loop down: it notifies every lifecycle observer, in
// subscription order, then discards every pending task without running it
// (closing anything passed to [Loop.ReleaseSoon]), then closes the pump.
// Tasks posted from this point on are dropped, and posting returns
// [ErrLoopTerminated].
//
// Close returns [ErrLoopRunning] if called from within Run, and
// [ErrLoopTerminated] if the loop was already closed.
func (l *Loop) Close() error {
	l.assertOwner("runloop: Close")
	if l.state.IsTerminal() {
		return ErrLoopTerminated
	}
	if l.frame != nil {
		return ErrLoopRunning
	}
	l.state.Store(StateTerminating)

	notified := l.observers.notify(func(o LifecycleObserver) {
		l.safeExecute(&pendingTask{}, func() { o.LoopClosing(l) })
	})
	l.observers.reset()

	unbindCurrent(l.owner, l)

	discarded := l.discardPending()

	if err := l.pump.Close(); err != nil {
		l.logPumpError("close", err)
	}

	l.state.Store(StateTerminated)
	l.logTeardown(notified, discarded)
	return nil
}

// discardPending empties every queue without running anything, returning the
// number of tasks dropped.
func (l *Loop) discardPending() int {
	discard := func(t pendingTask) {
		if t.discard != nil {
			l.safeExecute(&t, t.discard)
		}
	}
	n := l.inbox.close().Clear(discard)
	n += l.immediate.Clear(discard)
	n += l.deferred.Clear(discard)
	n += l.delayed.clear(discard)
	l.spare = nil
	if l.metrics != nil {
		l.metrics.discardedTasks.Add(uint64(n))
	}
	return n
}

func (l *Loop) assertOwner(op string) {
	if getGoroutineID() != l.owner {
		contractViolation(op, ErrWrongGoroutine)
	}
}
