//go:build darwin

package runloop

import (
	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using kqueue (Darwin).
type poller struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte     // Cache line padding //nolint:unused
	kq       int32                     // kqueue file descriptor
	_        [sizeOfCacheLine - 4]byte // Pad to cache line //nolint:unused
	eventBuf [256]unix.Kevent_t        // Preallocated event buffer
	fdTable
}

func (p *poller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	return nil
}

func (p *poller) close() error {
	if p.kq <= 0 {
		return nil
	}
	err := unix.Close(int(p.kq))
	p.kq = -1
	return err
}

func (p *poller) register(fd int, info fdInfo) error {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if err := p.reserve(fd, info); err != nil {
		return err
	}
	// Hold lock across Kevent to prevent race with concurrent unregister.
	if kevents := eventsToKevents(fd, info.events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fds[fd] = fdInfo{} // Rollback
			return err
		}
	}
	return nil
}

func (p *poller) unregister(fd int) error {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	info, err := p.lookup(fd)
	if err != nil {
		return err
	}
	if kevents := eventsToKevents(fd, info.events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(int(p.kq), kevents, nil, nil) // Ignore errors on delete
	}
	*info = fdInfo{}
	return nil
}

func (p *poller) modify(fd int, events IOEvents) error {
	p.fdMu.Lock()
	info, err := p.lookup(fd)
	if err != nil {
		p.fdMu.Unlock()
		return err
	}
	oldEvents := info.events
	info.events = events
	p.fdMu.Unlock()

	if removed := oldEvents &^ events; removed != 0 {
		_, _ = unix.Kevent(int(p.kq), eventsToKevents(fd, removed, unix.EV_DELETE), nil, nil)
	}
	if added := events &^ oldEvents; added != 0 {
		if _, err := unix.Kevent(int(p.kq), eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// poll waits up to timeoutMs for events, dispatching them inline. Returns the
// number of user callbacks run.
func (p *poller) poll(timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	ran := 0
	for i := 0; i < n; i++ {
		if p.dispatch(int(p.eventBuf[i].Ident), keventToEvents(&p.eventBuf[i])) {
			ran++
		}
	}
	return ran, nil
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}

// createWakeFd creates a non-blocking self-pipe, returning its read and write
// ends.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}
