package runloop

// runFrame is one level of Run nesting. Frames form a stack through prev,
// with the loop pointing at the innermost.
type runFrame struct {
	prev *runFrame
	// depth is 1 for the outermost Run.
	depth int
	// exitRequested makes the driver return at the next iteration boundary.
	exitRequested bool
	// quitWhenIdle converts the next idle pass into an exit request.
	quitWhenIdle bool
}

// pushFrame enters a new Run level. It must be paired with popFrame, by
// defer, so that a frame is popped exactly once however Run unwinds:
//
//	f := l.pushFrame(false)
//	defer l.popFrame(f)
func (l *Loop) pushFrame(quitWhenIdle bool) *runFrame {
	f := &runFrame{
		prev:         l.frame,
		depth:        1,
		quitWhenIdle: quitWhenIdle,
	}
	if l.frame != nil {
		f.depth = l.frame.depth + 1
	} else {
		l.state.TryTransition(StateAwake, StateRunning)
	}
	l.frame = f
	if l.metrics != nil {
		l.metrics.recordDepth(f.depth)
	}
	l.logFrame(f.depth, true)
	return f
}

func (l *Loop) popFrame(f *runFrame) {
	if l.frame != f {
		panic("runloop: run frames popped out of order")
	}
	l.logFrame(f.depth, false)
	l.frame = f.prev
	if l.frame == nil {
		l.state.TryTransition(StateRunning, StateAwake)
	}
}

// depth returns the current nesting depth, 0 when not running.
func (l *Loop) depth() int {
	if l.frame == nil {
		return 0
	}
	return l.frame.depth
}
