package tpc

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tpc/internal/nio"
)

// epollReactor is the readiness backend: epoll with level-triggered
// dispatch, an eventfd for cross-thread wakeups, and park timeouts derived
// from the loop's timer set.
type epollReactor struct {
	loop    *EventLoop
	epfd    int
	eventFd int
	arena   fdArena
	events  [256]unix.EpollEvent
}

func newEpollReactor(l *EventLoop) (reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newIOError("epoll_create", -1, err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, newIOError("eventfd", -1, err)
	}
	r := &epollReactor{loop: l, epfd: epfd, eventFd: efd}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, newIOError("epoll_ctl", efd, err)
	}
	return r, nil
}

const (
	sockInterest  = uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	writeInterest = sockInterest | unix.EPOLLOUT
)

func (r *epollReactor) ctl(op int, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, op, fd, &ev)
}

func (r *epollReactor) registerSocket(s *AsyncSocket) error {
	if err := r.ctl(unix.EPOLL_CTL_ADD, s.fd, sockInterest); err != nil {
		return newIOError("register", s.fd, err)
	}
	r.arena.put(s.fd, fdEntry{sock: s})
	return nil
}

func (r *epollReactor) registerServer(srv *AsyncServerSocket) error {
	if err := r.ctl(unix.EPOLL_CTL_ADD, srv.fd, uint32(unix.EPOLLIN)); err != nil {
		return newIOError("register", srv.fd, err)
	}
	r.arena.put(srv.fd, fdEntry{srv: srv})
	return nil
}

func (r *epollReactor) submitConnect(s *AsyncSocket) error {
	err := unix.Connect(s.fd, s.connectSA)
	if err == nil {
		if cerr := r.registerSocket(s); cerr != nil {
			return cerr
		}
		s.finishConnect(nil)
		return nil
	}
	if err != unix.EINPROGRESS {
		return newIOError("connect", s.fd, err)
	}
	if cerr := r.ctl(unix.EPOLL_CTL_ADD, s.fd, writeInterest); cerr != nil {
		return newIOError("register", s.fd, cerr)
	}
	s.writeArmed = true
	r.arena.put(s.fd, fdEntry{sock: s})
	return nil
}

func (r *epollReactor) armWrite(s *AsyncSocket) {
	if s.closed.Load() || s.connecting {
		return
	}
	still := s.writeReadiness()
	if s.closed.Load() {
		return
	}
	if still && !s.writeArmed {
		if err := r.ctl(unix.EPOLL_CTL_MOD, s.fd, writeInterest); err == nil {
			s.writeArmed = true
		}
	} else if !still && s.writeArmed {
		if err := r.ctl(unix.EPOLL_CTL_MOD, s.fd, sockInterest); err == nil {
			s.writeArmed = false
		}
	}
}

func (r *epollReactor) deregister(fd int) {
	_ = r.ctl(unix.EPOLL_CTL_DEL, fd, 0)
	r.arena.del(fd)
}

func (r *epollReactor) poll(timeoutNanos int64) (bool, error) {
	ms := 0
	switch {
	case timeoutNanos < 0:
		ms = -1
	case timeoutNanos > 0:
		ms = int(timeoutNanos / 1e6)
		if ms == 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(r.epfd, r.events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, newIOError("epoll_wait", r.epfd, err)
	}
	for i := 0; i < n; i++ {
		r.dispatch(&r.events[i])
	}
	if n > 0 {
		r.loop.metrics.IOEvents.Add(uint64(n))
	}
	return n > 0, nil
}

func (r *epollReactor) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == r.eventFd {
		r.drainEventFd()
		return
	}
	e := r.arena.get(fd)
	if e.sock == nil && e.srv == nil {
		// stale registration; drop it
		_ = r.ctl(unix.EPOLL_CTL_DEL, fd, 0)
		return
	}
	if e.srv != nil {
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR) != 0 {
			e.srv.acceptReadiness()
		}
		return
	}
	s := e.sock
	if s.connecting {
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			// drop write interest before the socket decides to re-arm
			if err := r.ctl(unix.EPOLL_CTL_MOD, s.fd, sockInterest); err == nil {
				s.writeArmed = false
			}
			cerr := nio.SocketError(s.fd)
			if cerr != nil {
				cerr = newIOError("connect", s.fd, cerr)
			}
			s.finishConnect(cerr)
		}
		return
	}
	if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.readReadiness()
	}
	if s.closed.Load() {
		return
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		still := s.writeReadiness()
		if !still && !s.closed.Load() && s.writeArmed {
			if err := r.ctl(unix.EPOLL_CTL_MOD, s.fd, sockInterest); err == nil {
				s.writeArmed = false
			}
		}
	}
}

func (r *epollReactor) drainEventFd() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.eventFd, buf[:])
		if err != nil {
			break
		}
	}
	r.loop.metrics.Wakeups.Add(1)
}

func (r *epollReactor) wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.eventFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return newIOError("wakeup", r.eventFd, err)
	}
	return nil
}

func (r *epollReactor) close() error {
	_ = unix.Close(r.eventFd)
	return unix.Close(r.epfd)
}
