package runloop

import (
	"time"
)

// Delegate is the loop, as seen by a [Pump]. Pumps receive it as an argument
// on every call and must not retain it.
//
// All methods must be called on the loop's owning goroutine.
type Delegate interface {
	// DoWork runs at most one immediate (or deferred non-nestable) task,
	// reporting whether it did.
	DoWork() bool

	// DoDelayedWork runs at most one due delayed task. next is the target
	// time of the earliest remaining delayed task, or the zero time if there
	// is none, or if work is currently being held.
	DoDelayedWork() (didWork bool, next time.Time)

	// DoIdleWork is called when there was nothing else to do, before the
	// pump blocks. It reports whether it did anything that warrants another
	// pass before blocking.
	DoIdleWork() bool
}

// Pump is the event source a [Loop] runs on. The Run driver calls, in order,
// DoImmediateWork, DoDelayedWork and DoIdleWork, then WaitUntil once none of
// them did any work.
//
// A pump that integrates an external event source dispatches its own events
// from any of these calls, interleaved with the delegate's. Every method
// except ScheduleWork is called only on the owning goroutine.
type Pump interface {
	DoImmediateWork(d Delegate) bool
	DoDelayedWork(d Delegate) (didWork bool, next time.Time)
	DoIdleWork(d Delegate) bool

	// WaitUntil blocks until deadline (forever, if zero), or until
	// ScheduleWork is called, or until an external event arrives.
	WaitUntil(deadline time.Time)

	// ScheduleWork wakes a pending or future WaitUntil. It may be called from
	// any goroutine, and repeated wake-ups may be coalesced.
	ScheduleWork()

	// Close releases the pump's resources. The owning loop calls it exactly
	// once, during teardown.
	Close() error
}

// DefaultPump is a [Pump] with no external event source: it runs posted work
// and sleeps until the next delayed deadline or the next wake-up.
type DefaultPump struct {
	wake  chan struct{}
	timer *time.Timer
}

// NewDefaultPump creates a DefaultPump.
func NewDefaultPump() *DefaultPump {
	return &DefaultPump{wake: make(chan struct{}, 1)}
}

func (p *DefaultPump) DoImmediateWork(d Delegate) bool {
	return d.DoWork()
}

func (p *DefaultPump) DoDelayedWork(d Delegate) (bool, time.Time) {
	return d.DoDelayedWork()
}

func (p *DefaultPump) DoIdleWork(d Delegate) bool {
	return d.DoIdleWork()
}

func (p *DefaultPump) WaitUntil(deadline time.Time) {
	if deadline.IsZero() {
		<-p.wake
		return
	}
	delay := time.Until(deadline)
	if delay <= 0 {
		// consume a pending wake-up, if any, so it is not seen twice
		select {
		case <-p.wake:
		default:
		}
		return
	}
	timer := p.resetTimer(delay)
	select {
	case <-p.wake:
		timer.Stop()
	case <-timer.C:
	}
}

// resetTimer reuses a single timer across waits.
func (p *DefaultPump) resetTimer(delay time.Duration) *time.Timer {
	if p.timer == nil {
		p.timer = time.NewTimer(delay)
	} else {
		p.timer.Reset(delay)
	}
	return p.timer
}

func (p *DefaultPump) ScheduleWork() {
	select {
	case p.wake <- struct{}{}:
	default:
		// a wake-up is already pending
	}
}

func (p *DefaultPump) Close() error {
	if p.timer != nil {
		p.timer.Stop()
	}
	return nil
}
