package tpc

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tpc/internal/logging"
	"github.com/ehrlich-b/go-tpc/internal/nio"
)

// AcceptHandler receives each accepted connection on the server's loop.
// The handler owns the socket: it must set a read handler and activate it
// (typically onto a different loop), or close it.
type AcceptHandler func(s *AsyncSocket)

// AsyncServerSocket listens and accepts on one event loop.
type AsyncServerSocket struct {
	logger *logging.Logger
	opts   *Options

	fd      int
	loop    *EventLoop
	addr    string
	backlog int

	acceptHandler AcceptHandler
	closed        atomic.Bool
}

// OpenServerSocket creates a server socket bound to the given loop. The
// listening fd is created at Bind, once the address domain is known.
func OpenServerSocket(loop *EventLoop) *AsyncServerSocket {
	return &AsyncServerSocket{
		logger:  loop.logger,
		opts:    loop.opts,
		fd:      -1,
		loop:    loop,
		backlog: defaultBacklog,
	}
}

// Fd returns the listening fd, -1 before Bind.
func (srv *AsyncServerSocket) Fd() int { return srv.fd }

// Addr returns the bound address.
func (srv *AsyncServerSocket) Addr() string { return srv.addr }

// Bind creates the listening socket and binds it to addr ("host:port").
func (srv *AsyncServerSocket) Bind(addr string) error {
	sa, domain, err := nio.ResolveTCPAddr(addr)
	if err != nil {
		return &Error{Op: "bind", Loop: srv.loop.idx, Fd: -1, Code: ErrCodeIO, Msg: err.Error(), Inner: err}
	}
	fd, err := nio.StreamSocket(domain)
	if err != nil {
		return newIOError("bind", -1, err)
	}
	if err := nio.SetReuseAddr(fd, true); err != nil {
		_ = unix.Close(fd)
		return newIOError("bind", fd, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return newIOError("bind", fd, err)
	}
	srv.fd = fd
	srv.addr = addr
	return nil
}

// Listen starts listening with the given backlog (≤ 0 uses the default).
func (srv *AsyncServerSocket) Listen(backlog int) error {
	if srv.fd < 0 {
		return NewError("listen", ErrCodeState, "server socket not bound")
	}
	if backlog > 0 {
		srv.backlog = backlog
	}
	if err := unix.Listen(srv.fd, srv.backlog); err != nil {
		return newIOError("listen", srv.fd, err)
	}
	return nil
}

// Accept installs the handler and registers the listener with the loop's
// reactor. In-flight accepts at close time are dropped with the fd.
func (srv *AsyncServerSocket) Accept(handler AcceptHandler) error {
	if srv.fd < 0 {
		return NewError("accept", ErrCodeState, "server socket not listening")
	}
	if handler == nil {
		return NewError("accept", ErrCodeState, "nil accept handler")
	}
	srv.acceptHandler = handler
	register := func() {
		if srv.closed.Load() {
			return
		}
		if err := srv.loop.reactor.registerServer(srv); err != nil {
			srv.logger.Error("server registration failed", "loop", srv.loop.idx, "fd", srv.fd, "err", err)
			srv.closeOnLoop()
		}
	}
	if srv.loop.inLoop() {
		register()
		return nil
	}
	return srv.loop.Execute(register)
}

// Close releases the listening fd. Idempotent.
func (srv *AsyncServerSocket) Close() {
	if srv.closed.Load() {
		return
	}
	if srv.loop.inLoop() {
		srv.closeOnLoop()
		return
	}
	if err := srv.loop.Execute(srv.closeOnLoop); err != nil {
		// loop already gone; close inline
		if srv.closed.CompareAndSwap(false, true) && srv.fd >= 0 {
			_ = unix.Close(srv.fd)
			srv.fd = -1
		}
	}
}

func (srv *AsyncServerSocket) closeOnLoop() {
	if !srv.closed.CompareAndSwap(false, true) {
		return
	}
	if srv.fd >= 0 {
		srv.loop.reactor.deregister(srv.fd)
		_ = unix.Close(srv.fd)
		srv.fd = -1
	}
	srv.logger.Debug("server socket closed", "loop", srv.loop.idx, "addr", srv.addr)
}

// acceptReadiness drains the accept queue on a readiness event.
func (srv *AsyncServerSocket) acceptReadiness() {
	for !srv.closed.Load() {
		nfd, sa, err := unix.Accept4(srv.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN {
				srv.logger.Warn("accept failed", "loop", srv.loop.idx, "fd", srv.fd, "err", err)
			}
			return
		}
		srv.deliverAccepted(nfd, nio.SockaddrString(sa))
	}
}

// completeAccept handles a completion-ring accept carrying the new fd.
func (srv *AsyncServerSocket) completeAccept(nfd int) {
	remote := ""
	if sa, err := unix.Getpeername(nfd); err == nil {
		remote = nio.SockaddrString(sa)
	}
	srv.deliverAccepted(nfd, remote)
}

func (srv *AsyncServerSocket) deliverAccepted(nfd int, remote string) {
	srv.loop.metrics.Accepted.Add(1)
	srv.logger.Debug("accepted", "loop", srv.loop.idx, "fd", nfd, "remote", remote)
	srv.acceptHandler(newAcceptedSocket(nfd, remote, srv))
}
