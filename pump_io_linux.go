//go:build linux

package runloop

import (
	"golang.org/x/sys/unix"
)

// poller manages I/O event registration using epoll (Linux).
type poller struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte     // Cache line padding //nolint:unused
	epfd     int32                     // epoll file descriptor
	_        [sizeOfCacheLine - 4]byte // Pad to cache line //nolint:unused
	eventBuf [256]unix.EpollEvent      // Preallocated event buffer
	fdTable
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

func (p *poller) close() error {
	if p.epfd <= 0 {
		return nil
	}
	err := unix.Close(int(p.epfd))
	p.epfd = -1
	return err
}

func (p *poller) register(fd int, info fdInfo) error {
	p.fdMu.Lock()
	if err := p.reserve(fd, info); err != nil {
		p.fdMu.Unlock()
		return err
	}
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(info.events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{} // Rollback
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *poller) unregister(fd int) error {
	p.fdMu.Lock()
	info, err := p.lookup(fd)
	if err != nil {
		p.fdMu.Unlock()
		return err
	}
	*info = fdInfo{}
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) modify(fd int, events IOEvents) error {
	p.fdMu.Lock()
	info, err := p.lookup(fd)
	if err != nil {
		p.fdMu.Unlock()
		return err
	}
	info.events = events
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// poll waits up to timeoutMs for events, dispatching them inline. Returns the
// number of user callbacks run.
func (p *poller) poll(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	ran := 0
	for i := 0; i < n; i++ {
		if p.dispatch(int(p.eventBuf[i].Fd), epollToEvents(p.eventBuf[i].Events)) {
			ran++
		}
	}
	return ran, nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

// createWakeFd creates a non-blocking eventfd, used as both the read and
// write end of the wake-up channel.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
