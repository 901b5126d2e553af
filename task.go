package runloop

import (
	"runtime"
	"strconv"
	"time"
)

// pendingTask is one unit of posted work plus its scheduling metadata.
//
// Records are moved by value between queues; the queue slot a record leaves
// is always zeroed, so exactly one queue owns it at a time.
type pendingTask struct {
	// run is invoked at most once, on the owning goroutine.
	run func()
	// discard, if set, is invoked instead of run when the loop is torn down
	// with the record still pending.
	discard func()
	// target is the earliest time the record may run, zero for immediate work.
	target time.Time
	// posted is when the record was enqueued, used for latency metrics.
	posted time.Time
	// seq orders records sharing the same target.
	seq uint64
	// from is the program counter of the call site that posted the record.
	from uintptr
	// nestable records may run from a nested Run frame.
	nestable bool
}

// delayed reports whether the record belongs in the delayed queue.
func (t *pendingTask) delayed() bool {
	return !t.target.IsZero()
}

// location resolves the posting call site as "file:line", or "" if unknown.
func (t *pendingTask) location() string {
	if t.from == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{t.from})
	frame, _ := frames.Next()
	if frame.File == "" {
		return ""
	}
	return frame.File + ":" + strconv.Itoa(frame.Line)
}

// callerPC returns the program counter skip frames above its caller.
func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}
