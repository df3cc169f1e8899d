//go:build linux

package hub

import (
	"golang.org/x/sys/unix"
)

// EventType is a readiness bitmask, scoped to the hub package since
// nothing else in contun needs an event-loop abstraction.
type EventType uint32

const (
	EventRead  EventType = unix.EPOLLIN
	EventWrite EventType = unix.EPOLLOUT
)

// readyEvent is one fd's readiness result for the current tick.
type readyEvent struct {
	fd    int
	event EventType
}

// pollTimeoutMillis bounds each EpollWait call so the loop can notice
// context cancellation promptly without needing a self-pipe wakeup.
const pollTimeoutMillis = 500

// eventLoop is a single-threaded, level-triggered epoll wrapper. It runs
// level-triggered rather than edge-triggered (EPOLLET): the hub's
// per-socket state machine does partial, non-draining reads (it stops once
// a buffer fills or a protocol stage completes), so edge-triggered mode
// would silently stop delivering readiness for bytes left unread in the
// kernel socket buffer.
type eventLoop struct {
	epollFD int
}

func newEventLoop() (*eventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &eventLoop{epollFD: fd}, nil
}

func (l *eventLoop) register(fd int, events EventType) error {
	evt := &unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *eventLoop) modify(fd int, events EventType) error {
	evt := &unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *eventLoop) unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// poll waits up to pollTimeoutMillis for readiness and returns the ready
// set. The caller drives the two-phase "all readable, then all writable"
// tick discipline over this slice; poll itself does not dispatch.
func (l *eventLoop) poll() ([]readyEvent, error) {
	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(l.epollFD, raw, pollTimeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	ready := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		evMask := raw[i].Events
		var ev EventType
		if evMask&unix.EPOLLIN != 0 || evMask&unix.EPOLLHUP != 0 || evMask&unix.EPOLLERR != 0 {
			ev |= EventRead
		}
		if evMask&unix.EPOLLOUT != 0 {
			ev |= EventWrite
		}
		ready = append(ready, readyEvent{fd: int(raw[i].Fd), event: ev})
	}
	return ready, nil
}

func (l *eventLoop) close() {
	unix.Close(l.epollFD)
}
