package runloop

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback is called, on the loop's owning goroutine, with the events that
// are ready on a registered file descriptor.
type IOCallback func(IOEvents)

// Maximum file descriptor we support with direct indexing.
const maxFDs = 1024

// maxFDLimit is the maximum FD value we support for dynamic growth.
const maxFDLimit = 100000000

var (
	ErrFDOutOfRange        = errors.New("runloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("runloop: fd already registered")
	ErrFDNotRegistered     = errors.New("runloop: fd not registered")
	ErrPumpClosed          = errors.New("runloop: pump closed")
	ErrIOPumpUnsupported   = errors.New("runloop: io pump is not supported on this platform")
)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	active   bool
	// internal fds (the wake-up fd) don't count as work
	internal bool
}

// fdTable is the registration table shared by the platform pollers.
type fdTable struct {
	fds  []fdInfo
	fdMu sync.RWMutex
}

// reserve claims fd, growing the table as needed. Must hold fdMu.
func (x *fdTable) reserve(fd int, info fdInfo) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	if fd >= len(x.fds) {
		newSize := max(fd*2+1, maxFDs)
		if newSize > maxFDLimit {
			newSize = maxFDLimit + 1
		}
		newFds := make([]fdInfo, newSize)
		copy(newFds, x.fds)
		x.fds = newFds
	}
	if x.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	x.fds[fd] = info
	return nil
}

// lookup returns the registration of fd. Must hold fdMu.
func (x *fdTable) lookup(fd int) (*fdInfo, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	if fd >= len(x.fds) || !x.fds[fd].active {
		return nil, ErrFDNotRegistered
	}
	return &x.fds[fd], nil
}

// dispatch calls the callback registered for fd, outside the lock. Reports
// whether a user callback ran.
func (x *fdTable) dispatch(fd int, events IOEvents) bool {
	if fd < 0 {
		return false
	}
	x.fdMu.RLock()
	var info fdInfo
	if fd < len(x.fds) {
		info = x.fds[fd]
	}
	x.fdMu.RUnlock()
	if !info.active || info.callback == nil {
		return false
	}
	info.callback(events)
	return !info.internal
}

// IOPump is a [Pump] that waits on file descriptor readiness (epoll on Linux,
// kqueue on Darwin) as well as on posted work. Callbacks registered with
// [IOPump.RegisterFD] run on the loop's owning goroutine: ready descriptors
// are checked without blocking before each immediate task, and waited on
// whenever the loop is idle.
//
// UnregisterFD does not wait for a callback that is already being dispatched,
// so close a descriptor only from the owning goroutine, or once its callback
// can no longer run.
type IOPump struct { // betteralign:ignore
	poller poller

	err atomic.Pointer[error]

	// closeMu orders ScheduleWork against Close, so a wake-up is never
	// written to a closed (and possibly reused) fd.
	closeMu sync.RWMutex
	closed  bool

	wakePending atomic.Bool
	wakeRead    int
	wakeWrite   int
}

// NewIOPump creates an IOPump. It returns [ErrIOPumpUnsupported] on platforms
// other than Linux and Darwin.
func NewIOPump() (*IOPump, error) {
	p := &IOPump{}
	if err := p.poller.init(); err != nil {
		return nil, err
	}
	r, w, err := createWakeFd()
	if err != nil {
		_ = p.poller.close()
		return nil, err
	}
	p.wakeRead, p.wakeWrite = r, w
	if err := p.poller.register(r, fdInfo{callback: p.drainWakeUp, events: EventRead, active: true, internal: true}); err != nil {
		_ = p.poller.close()
		p.closeWakeFds()
		return nil, err
	}
	return p, nil
}

// RegisterFD starts monitoring fd for events. Safe from any goroutine.
func (p *IOPump) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if cb == nil {
		panic("runloop: nil io callback")
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.poller.register(fd, fdInfo{callback: cb, events: events, active: true})
}

// UnregisterFD stops monitoring fd. Safe from any goroutine.
func (p *IOPump) UnregisterFD(fd int) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.poller.unregister(fd)
}

// ModifyFD changes the events monitored for fd. Safe from any goroutine.
func (p *IOPump) ModifyFD(fd int, events IOEvents) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.poller.modify(fd, events)
}

func (p *IOPump) DoImmediateWork(d Delegate) bool {
	polled := p.poll(0)
	return d.DoWork() || polled
}

func (p *IOPump) DoDelayedWork(d Delegate) (bool, time.Time) {
	return d.DoDelayedWork()
}

func (p *IOPump) DoIdleWork(d Delegate) bool {
	return d.DoIdleWork()
}

func (p *IOPump) WaitUntil(deadline time.Time) {
	p.poll(timeoutMs(deadline))
}

func (p *IOPump) ScheduleWork() {
	if !p.wakePending.CompareAndSwap(false, true) {
		return
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if !p.closed {
		// errors mean the fd is full (a wake-up is pending anyway)
		_ = p.signalWakeUp()
	}
}

// Err returns the error that stopped the pump from polling, if any.
func (p *IOPump) Err() error {
	if err := p.err.Load(); err != nil {
		return *err
	}
	return nil
}

func (p *IOPump) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	err := p.poller.close()
	p.closeWakeFds()
	return err
}

func (p *IOPump) checkOpen() error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPumpClosed
	}
	return nil
}

// poll dispatches ready fds, blocking for up to timeout milliseconds (-1 for
// no limit). Reports whether any user callback ran.
func (p *IOPump) poll(timeout int) bool {
	if p.err.Load() != nil {
		return false
	}
	n, err := p.poller.poll(timeout)
	if err != nil {
		p.err.CompareAndSwap(nil, &err)
		return false
	}
	return n > 0
}

// drainWakeUp is the wake fd callback.
func (p *IOPump) drainWakeUp(IOEvents) {
	p.wakePending.Store(false)
	p.drainWakeFd()
}

func (p *IOPump) closeWakeFds() {
	_ = closeFD(p.wakeRead)
	if p.wakeWrite != p.wakeRead {
		_ = closeFD(p.wakeWrite)
	}
}

// timeoutMs converts a deadline to a poll timeout, rounding up so the loop
// never wakes just before a delayed task is due.
func timeoutMs(deadline time.Time) int {
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
