package runloop

import (
	"slices"
	"sync"
	"time"
)

// EventObserver is notified around each event an [EventPump] dispatches, on
// the loop's owning goroutine. DidProcessEvent is skipped if dispatch panics.
//
// Implementations must be comparable (typically a pointer).
type EventObserver[E any] interface {
	WillProcessEvent(e E)
	DidProcessEvent(e E)
}

// EventPump is a [Pump] that also services an external event source, such as
// a UI toolkit's message queue, delivered over a channel. Events are handed to
// dispatch on the owning goroutine, interleaved with the loop's tasks: at most
// one event before each immediate task, plus any event that arrives while the
// loop is waiting.
//
// Because dispatch runs on the loop goroutine, it may itself re-enter the loop
// (a modal dialog, for example), subject to the loop's reentrancy setting.
type EventPump[E any] struct {
	DefaultPump
	events   <-chan E
	dispatch func(E)

	observersMu sync.Mutex
	observers   []EventObserver[E]
}

// NewEventPump creates an EventPump. Once events is closed, the pump behaves
// as a [DefaultPump].
func NewEventPump[E any](events <-chan E, dispatch func(E)) *EventPump[E] {
	if dispatch == nil {
		panic("runloop: nil event dispatch func")
	}
	return &EventPump[E]{
		DefaultPump: DefaultPump{wake: make(chan struct{}, 1)},
		events:      events,
		dispatch:    dispatch,
	}
}

func (p *EventPump[E]) DoImmediateWork(d Delegate) bool {
	dispatched := p.dispatchPending()
	return d.DoWork() || dispatched
}

func (p *EventPump[E]) WaitUntil(deadline time.Time) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		delay := time.Until(deadline)
		if delay <= 0 {
			select {
			case <-p.wake:
			default:
			}
			return
		}
		timer := p.resetTimer(delay)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.wake:
	case <-timeout:
	case e, ok := <-p.events:
		p.handle(e, ok)
	}
}

// dispatchPending dispatches a single event, if one is ready.
func (p *EventPump[E]) dispatchPending() bool {
	select {
	case e, ok := <-p.events:
		return p.handle(e, ok)
	default:
		return false
	}
}

func (p *EventPump[E]) handle(e E, ok bool) bool {
	if !ok {
		// a nil channel blocks forever in select
		p.events = nil
		return false
	}
	p.observersMu.Lock()
	observers := p.observers
	p.observersMu.Unlock()

	for _, o := range observers {
		o.WillProcessEvent(e)
	}
	p.dispatch(e)
	for _, o := range observers {
		o.DidProcessEvent(e)
	}
	return true
}

// AddEventObserver subscribes o to every event dispatched from now on. Safe
// from any goroutine.
func (p *EventPump[E]) AddEventObserver(o EventObserver[E]) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	// copy on write, dispatch iterates a snapshot
	p.observers = append(slices.Clip(p.observers), o)
}

// RemoveEventObserver unsubscribes o. Safe from any goroutine. An event
// already being dispatched still completes its notifications.
func (p *EventPump[E]) RemoveEventObserver(o EventObserver[E]) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	if i := slices.Index(p.observers, o); i >= 0 {
		p.observers = slices.Delete(slices.Clone(p.observers), i, i+1)
	}
}
