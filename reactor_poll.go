package tpc

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tpc/internal/nio"
)

// pollReactor is the portable backend: poll(2) over the registered fds
// with a self-pipe wakeup. It rebuilds the pollfd array each wait, which
// keeps it simple at the cost of throughput; the completion and readiness
// backends are the ones meant for production loops.
type pollReactor struct {
	loop  *EventLoop
	pipeR int
	pipeW int
	arena fdArena
	fds   []int
	pfds  []unix.PollFd
}

func newPollReactor(l *EventLoop) (reactor, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, newIOError("pipe", -1, err)
	}
	return &pollReactor{loop: l, pipeR: p[0], pipeW: p[1]}, nil
}

func (r *pollReactor) registerSocket(s *AsyncSocket) error {
	r.arena.put(s.fd, fdEntry{sock: s})
	r.fds = append(r.fds, s.fd)
	return nil
}

func (r *pollReactor) registerServer(srv *AsyncServerSocket) error {
	r.arena.put(srv.fd, fdEntry{srv: srv})
	r.fds = append(r.fds, srv.fd)
	return nil
}

func (r *pollReactor) submitConnect(s *AsyncSocket) error {
	err := unix.Connect(s.fd, s.connectSA)
	if err == nil {
		_ = r.registerSocket(s)
		s.finishConnect(nil)
		return nil
	}
	if err != unix.EINPROGRESS {
		return newIOError("connect", s.fd, err)
	}
	return r.registerSocket(s) // connecting flag drives write interest
}

func (r *pollReactor) armWrite(s *AsyncSocket) {
	if s.closed.Load() || s.connecting {
		return
	}
	s.writeArmed = s.writeReadiness()
}

func (r *pollReactor) deregister(fd int) {
	r.arena.del(fd)
	for i, f := range r.fds {
		if f == fd {
			r.fds = append(r.fds[:i], r.fds[i+1:]...)
			break
		}
	}
}

func (r *pollReactor) poll(timeoutNanos int64) (bool, error) {
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
	r.pfds = r.pfds[:0]
	r.pfds = append(r.pfds, unix.PollFd{Fd: int32(r.pipeR), Events: unix.POLLIN})
	for _, fd := range r.fds {
		e := r.arena.get(fd)
		events := int16(unix.POLLIN)
		if e.sock != nil && (e.sock.writeArmed || e.sock.connecting) {
			events |= unix.POLLOUT
		}
		r.pfds = append(r.pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	n, err := unix.Poll(r.pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, newIOError("poll", -1, err)
	}
	if n == 0 {
		return false, nil
	}
	for i := range r.pfds {
		pfd := &r.pfds[i]
		if pfd.Revents == 0 {
			continue
		}
		r.dispatch(int(pfd.Fd), pfd.Revents)
	}
	r.loop.metrics.IOEvents.Add(uint64(n))
	return true, nil
}

func (r *pollReactor) dispatch(fd int, revents int16) {
	if fd == r.pipeR {
		var buf [64]byte
		for {
			if _, err := unix.Read(r.pipeR, buf[:]); err != nil {
				break
			}
		}
		r.loop.metrics.Wakeups.Add(1)
		return
	}
	e := r.arena.get(fd)
	if e.sock == nil && e.srv == nil {
		return
	}
	if e.srv != nil {
		if revents&(unix.POLLIN|unix.POLLERR) != 0 {
			e.srv.acceptReadiness()
		}
		return
	}
	s := e.sock
	if s.connecting {
		if revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
			cerr := nio.SocketError(fd)
			if cerr != nil {
				cerr = newIOError("connect", fd, cerr)
			}
			s.finishConnect(cerr)
		}
		return
	}
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		s.readReadiness()
	}
	if s.closed.Load() {
		return
	}
	if revents&unix.POLLOUT != 0 {
		s.writeArmed = s.writeReadiness()
	}
}

func (r *pollReactor) wakeup() error {
	_, err := unix.Write(r.pipeW, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return newIOError("wakeup", r.pipeW, err)
	}
	return nil
}

func (r *pollReactor) close() error {
	_ = unix.Close(r.pipeR)
	return unix.Close(r.pipeW)
}
