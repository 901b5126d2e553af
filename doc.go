// Package runloop provides a per-goroutine cooperative task scheduler: a
// message loop, in the style of a UI or I/O thread, that any goroutine may
// post work to, and that runs that work one task at a time on the single
// goroutine that owns it.
//
// # Architecture
//
// A [Loop] keeps four queues:
//   - a mutex-guarded inbox, the only state shared with other goroutines,
//     which the owner drains in one O(1) swap
//   - the immediate queue, in post order
//   - the delayed queue, a min-heap keyed by due time, then post order
//   - the deferred queue, holding non-nestable tasks that came up while the
//     loop was nested
//
// Waiting is delegated to a [Pump], which also lets a loop service an
// external event source: [DefaultPump] waits on posted work alone,
// [EventPump] also dispatches events from a channel, and [IOPump] waits on
// file descriptor readiness (epoll on Linux, kqueue on Darwin).
//
// # Nesting and Reentrancy
//
// A task may call [Loop.Run] again, typically through code that blocks the
// goroutine while still needing the loop to make progress (a modal dialog).
// This forms a nested frame. Two rules keep nesting safe:
//   - tasks posted as non-nestable ([Loop.PostNonNestableTask]) never run
//     from a nested frame; they wait, in order, for the outermost frame
//   - reentrancy is disallowed while a task runs, so a nested frame holds
//     all work until [Loop.SetReentrancyAllowed] or [Loop.AllowReentrancy]
//     re-enables it
//
// [Loop.RequestStop] only ever stops the innermost frame. [Loop.PostQuit]
// stops the outermost one, from any goroutine.
//
// # Thread Safety
//
// [Loop.Enqueue], the Post* methods, [Loop.ReleaseSoon], [Loop.PostQuit],
// observer registration and the accessors are safe to call from any
// goroutine. Everything else must be called on the owning goroutine, the one
// that called [New]; calls from elsewhere panic with an error wrapping
// [ErrWrongGoroutine]. Each goroutine owns at most one loop, returned by
// [Current].
//
// # Teardown
//
// [Loop.Close] notifies each [LifecycleObserver], then discards everything
// still pending without running it. Tasks posted during or after teardown
// are discarded too.
//
// # Usage
//
//	loop, err := runloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	go func() {
//	    _ = loop.PostTask(func() { fmt.Println("hello") })
//	    _ = loop.PostQuit()
//	}()
//
//	if err := loop.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Use [StartThread] to run a loop on a dedicated goroutine.
package runloop
