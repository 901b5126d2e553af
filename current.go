package runloop

import (
	"runtime"
	"sync"
	"weak"
)

// currentLoops maps goroutine id to a non-owning handle on the loop that
// goroutine owns. Entries are added by New and removed by Close.
var currentLoops sync.Map // map[uint64]weak.Pointer[Loop]

// Current returns the loop owned by the calling goroutine, or nil if there is
// none (never created, already closed, or collected).
func Current() *Loop {
	v, ok := currentLoops.Load(getGoroutineID())
	if !ok {
		return nil
	}
	return v.(weak.Pointer[Loop]).Value()
}

// bindCurrent registers l as the loop of goroutine gid, failing if that
// goroutine already owns a live loop.
func bindCurrent(gid uint64, l *Loop) error {
	wp := weak.Make(l)
	for {
		prev, loaded := currentLoops.LoadOrStore(gid, wp)
		if !loaded {
			return nil
		}
		if prev.(weak.Pointer[Loop]).Value() != nil {
			return ErrLoopExists
		}
		// stale entry: its loop was dropped without Close
		if currentLoops.CompareAndSwap(gid, prev, wp) {
			return nil
		}
	}
}

// unbindCurrent removes the registration of gid, if it still refers to l.
func unbindCurrent(gid uint64, l *Loop) {
	currentLoops.CompareAndDelete(gid, weak.Make(l))
}

// getGoroutineID returns the current goroutine's ID, parsed from the header
// of its stack trace ("goroutine 123 [running]:").
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
