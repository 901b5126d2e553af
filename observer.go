package runloop

import (
	"sync"
)

// LifecycleObserver is notified, on the owning goroutine, when the loop is
// about to be torn down. Observers can use the notification to drop their
// references to the loop.
//
// Tasks posted during the notification are discarded, never run.
//
// Implementations must be comparable (typically a pointer), as
// [Loop.RemoveLifecycleObserver] matches by equality.
type LifecycleObserver interface {
	LoopClosing(l *Loop)
}

// observerList is a subscription-ordered list that tolerates mutation during
// notify: removed observers are nil'd out (compacted afterwards) and appended
// ones are picked up by the in-progress notify.
type observerList struct {
	mu        sync.Mutex
	observers []LifecycleObserver
	notifying int
}

func (x *observerList) add(o LifecycleObserver) {
	if o == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, v := range x.observers {
		if v == o {
			return
		}
	}
	x.observers = append(x.observers, o)
}

func (x *observerList) remove(o LifecycleObserver) {
	if o == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, v := range x.observers {
		if v != o {
			continue
		}
		if x.notifying > 0 {
			x.observers[i] = nil
		} else {
			x.observers = append(x.observers[:i], x.observers[i+1:]...)
		}
		return
	}
}

// notify calls fn once for every observer, in subscription order, without
// holding the lock during the call. It returns the number notified.
func (x *observerList) notify(fn func(LifecycleObserver)) int {
	x.mu.Lock()
	x.notifying++
	n := 0
	for i := 0; i < len(x.observers); i++ {
		o := x.observers[i]
		if o == nil {
			continue
		}
		x.mu.Unlock()
		fn(o)
		n++
		x.mu.Lock()
	}
	x.notifying--
	if x.notifying == 0 {
		x.observers = compactObservers(x.observers)
	}
	x.mu.Unlock()
	return n
}

func (x *observerList) reset() {
	x.mu.Lock()
	x.observers = nil
	x.mu.Unlock()
}

func (x *observerList) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, v := range x.observers {
		if v != nil {
			n++
		}
	}
	return n
}

func compactObservers(s []LifecycleObserver) []LifecycleObserver {
	out := s[:0]
	for _, v := range s {
		if v != nil {
			out = append(out, v)
		}
	}
	clear(s[len(out):])
	return out
}
