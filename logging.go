package runloop

import (
	"github.com/joeycumines/logiface"
)

// Log categories, attached as the "category" field.
const (
	categoryTask     = "task"
	categoryFrame    = "frame"
	categoryTeardown = "teardown"
	categoryPump     = "pump"
)

// event starts a log event at level, pre-populated with the loop identity.
// It returns nil (a valid, no-op builder) when logging is disabled.
func (l *Loop) event(level logiface.Level, category string) *logiface.Builder[logiface.Event] {
	b := l.logger.Build(level)
	if !b.Enabled() {
		return nil
	}
	b = b.Uint64("loop", l.id).Str("category", category)
	if l.name != "" {
		b = b.Str("name", l.name)
	}
	return b
}

// logTaskPanic reports a recovered task panic. Limit rate limits these as a
// single category (the caller of Log is always this function), so a burst of
// panics is capped as a whole; "from" still names each posting call site.
func (l *Loop) logTaskPanic(t *pendingTask, err PanicError) {
	b := l.event(logiface.LevelError, categoryTask)
	if !b.Enabled() {
		return
	}
	if from := t.location(); from != "" {
		b = b.Str("from", from)
	}
	b.Err(err).
		Limit().
		Log("runloop: task panicked")
}

func (l *Loop) logFrame(depth int, entering bool) {
	if depth <= 1 {
		return
	}
	msg := "runloop: leaving nested run"
	if entering {
		msg = "runloop: entering nested run"
	}
	l.event(logiface.LevelTrace, categoryFrame).
		Int("depth", depth).
		Log(msg)
}

func (l *Loop) logTeardown(observers, discarded int) {
	l.event(logiface.LevelDebug, categoryTeardown).
		Int("observers", observers).
		Int("discarded", discarded).
		Log("runloop: loop closed")
}

func (l *Loop) logReleaseError(err error) {
	l.event(logiface.LevelWarning, categoryTask).
		Err(err).
		Log("runloop: release failed")
}

func (l *Loop) logPumpError(op string, err error) {
	l.event(logiface.LevelCritical, categoryPump).
		Str("op", op).
		Err(err).
		Log("runloop: pump failure")
}
