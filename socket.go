package tpc

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tpc/internal/logging"
	"github.com/ehrlich-b/go-tpc/internal/nio"
)

// ReadHandler consumes bytes delivered on the owning loop. recv is the
// socket's receive buffer in read mode; the handler must decode zero or
// more complete frames and leave any partial frame unconsumed.
type ReadHandler func(s *AsyncSocket, recv *IOBuffer)

// ClosedHandler observes the socket's one-shot closed event. cause is nil
// for a deliberate local close.
type ClosedHandler func(s *AsyncSocket, cause error)

const maxWriteIovecs = 16

// AsyncSocket is a connection-oriented byte duplex bound to exactly one
// event loop. Reads, writes, and every callback execute on that loop;
// Write/Flush/Close may be called from any thread and hop onto the loop
// when needed.
type AsyncSocket struct {
	logger *logging.Logger
	opts   *Options

	fd     int
	loop   *EventLoop
	remote string

	noDelay       bool
	readHandler   ReadHandler
	closedHandler ClosedHandler

	activated atomic.Bool
	closed    atomic.Bool

	// outbound queue; writeMu orders producers against the loop's drain
	writeMu        sync.Mutex
	pendingHead    *IOBuffer
	pendingTail    *IOBuffer
	pendingBytes   int
	flushScheduled atomic.Bool

	// loop-thread-only state
	recvBuf       *IOBuffer
	views         [][]byte
	iovs          []syscall.Iovec
	writeArmed    bool // readiness: write interest registered
	writeInFlight bool // completion ring: writev submitted
	recvInFlight  bool // completion ring: recv submitted

	connecting bool
	connectFut *ConnectFuture
	connectSA  unix.Sockaddr
	rawSA      any // keeps the raw sockaddr alive for the kernel
	rawSAPtr   unsafe.Pointer
	rawSASize  uint32
}

// NewAsyncSocket creates an unconnected socket. Set the read handler, then
// activate it onto a loop before connecting.
func NewAsyncSocket() *AsyncSocket {
	return &AsyncSocket{fd: -1, logger: logging.Default()}
}

func newAcceptedSocket(fd int, remote string, srv *AsyncServerSocket) *AsyncSocket {
	// io_uring accept does not inherit non-blocking mode
	_ = unix.SetNonblock(fd, true)
	return &AsyncSocket{fd: fd, remote: remote, logger: srv.logger}
}

// Fd returns the socket's file descriptor, -1 before connect/accept.
func (s *AsyncSocket) Fd() int { return s.fd }

// Loop returns the owning loop, nil before activation.
func (s *AsyncSocket) Loop() *EventLoop { return s.loop }

// Remote returns the peer address when known.
func (s *AsyncSocket) Remote() string { return s.remote }

// Closed reports whether the socket is closed.
func (s *AsyncSocket) Closed() bool { return s.closed.Load() }

// SetTCPNoDelay toggles Nagle. Takes effect at registration; on an
// already-registered socket it applies immediately.
func (s *AsyncSocket) SetTCPNoDelay(v bool) {
	s.noDelay = v
	if s.activated.Load() && s.fd >= 0 {
		_ = nio.SetNoDelay(s.fd, v)
	}
}

// SetReadHandler installs the read handler. Must be called before
// activation.
func (s *AsyncSocket) SetReadHandler(h ReadHandler) {
	s.readHandler = h
}

// SetClosedHandler installs the one-shot closed observer. Must be called
// before activation.
func (s *AsyncSocket) SetClosedHandler(h ClosedHandler) {
	s.closedHandler = h
}

// Activate binds the socket to its loop. For accepted sockets the fd is
// registered with the loop's reactor (posted to the loop when called from
// elsewhere); for client sockets registration happens during Connect.
func (s *AsyncSocket) Activate(loop *EventLoop) error {
	if s.readHandler == nil {
		return NewError("activate", ErrCodeState, "read handler not set")
	}
	if !s.activated.CompareAndSwap(false, true) {
		return NewError("activate", ErrCodeState, "socket already activated")
	}
	s.loop = loop
	s.opts = loop.opts
	s.logger = loop.logger
	s.recvBuf = NewIOBuffer(loop.opts.RecvBufferSize)
	if s.fd < 0 {
		return nil // client socket; fd exists after Connect
	}
	if loop.inLoop() {
		s.registerOnLoop()
		return nil
	}
	if err := loop.Execute(s.registerOnLoop); err != nil {
		return err
	}
	return nil
}

func (s *AsyncSocket) registerOnLoop() {
	if s.closed.Load() {
		return
	}
	_ = nio.SetNoDelay(s.fd, s.noDelay)
	if err := s.loop.reactor.registerSocket(s); err != nil {
		s.closeOnLoop(err)
	}
}

// Connect dials addr from the owning loop. The returned future completes
// once the connection is established or failed. Requires a prior Activate.
func (s *AsyncSocket) Connect(addr string) *ConnectFuture {
	fut := newConnectFuture()
	if !s.activated.Load() || s.loop == nil {
		fut.complete(NewError("connect", ErrCodeState, "socket not activated"))
		return fut
	}
	err := s.loop.Execute(func() { s.connectOnLoop(addr, fut) })
	if err != nil {
		fut.complete(err)
	}
	return fut
}

func (s *AsyncSocket) connectOnLoop(addr string, fut *ConnectFuture) {
	if s.closed.Load() {
		fut.complete(newShutdownError("connect"))
		return
	}
	sa, domain, err := nio.ResolveTCPAddr(addr)
	if err != nil {
		fut.complete(&Error{Op: "connect", Loop: s.loop.idx, Fd: -1, Code: ErrCodeIO, Msg: err.Error(), Inner: err})
		return
	}
	fd, err := nio.StreamSocket(domain)
	if err != nil {
		fut.complete(newIOError("connect", -1, err))
		return
	}
	s.fd = fd
	s.remote = addr
	s.connecting = true
	s.connectFut = fut
	s.connectSA = sa
	_ = nio.SetNoDelay(fd, s.noDelay)
	if err := s.loop.reactor.submitConnect(s); err != nil {
		s.connecting = false
		fut.complete(err)
		s.closeOnLoop(err)
	}
}

// finishConnect runs on the loop when the backend resolved the connect.
func (s *AsyncSocket) finishConnect(err error) {
	s.connecting = false
	fut := s.connectFut
	if err != nil {
		if fut != nil {
			fut.complete(err)
		}
		s.closeOnLoop(err)
		return
	}
	s.logger.Debug("connected", "loop", s.loop.idx, "fd", s.fd, "remote", s.remote)
	if fut != nil {
		fut.complete(nil)
	}
	if s.hasPending() {
		s.loop.reactor.armWrite(s)
	}
}

// Write appends a frame buffer (in read mode, after ConstructComplete) to
// the outbound queue, taking over the caller's reference. Returns false —
// and leaves the reference with the caller — when the socket is closed or
// the queue is past its soft byte limit.
func (s *AsyncSocket) Write(buf *IOBuffer) bool {
	s.writeMu.Lock()
	if s.closed.Load() || s.opts == nil {
		s.writeMu.Unlock()
		return false
	}
	if s.pendingBytes > s.opts.OutboundLimit {
		s.writeMu.Unlock()
		return false
	}
	buf.next = nil
	if s.pendingTail != nil {
		s.pendingTail.next = buf
	} else {
		s.pendingHead = buf
	}
	s.pendingTail = buf
	s.pendingBytes += buf.Remaining()
	s.writeMu.Unlock()
	return true
}

// Flush asks the loop to drain the pending queue. From the owning thread
// the drain happens inline; from any other thread a drain task is posted
// (coalesced while one is already queued).
func (s *AsyncSocket) Flush() {
	if s.closed.Load() || s.loop == nil {
		return
	}
	if s.loop.inLoop() {
		s.loop.reactor.armWrite(s)
		return
	}
	if !s.flushScheduled.CompareAndSwap(false, true) {
		return
	}
	err := s.loop.Execute(func() {
		s.flushScheduled.Store(false)
		if !s.closed.Load() {
			s.loop.reactor.armWrite(s)
		}
	})
	if err != nil {
		s.flushScheduled.Store(false)
	}
}

// WriteAndFlush is the Write + Flush composition.
func (s *AsyncSocket) WriteAndFlush(buf *IOBuffer) bool {
	if !s.Write(buf) {
		return false
	}
	s.Flush()
	return true
}

// UnsafeWriteAndFlush skips the cross-thread hop. Only legal on the
// owning loop thread.
func (s *AsyncSocket) UnsafeWriteAndFlush(buf *IOBuffer) bool {
	s.loop.assertInLoop("unsafeWriteAndFlush")
	if !s.Write(buf) {
		return false
	}
	s.loop.reactor.armWrite(s)
	return true
}

// Close shuts the socket down. Idempotent; the actual teardown runs on the
// owning loop. After Close, writes return false and no further callbacks
// fire beyond the one-shot closed event.
func (s *AsyncSocket) Close() {
	if s.closed.Load() {
		return
	}
	if s.loop == nil || !s.activated.Load() {
		s.closeDirect(nil)
		return
	}
	if s.loop.inLoop() {
		s.closeOnLoop(nil)
		return
	}
	if err := s.loop.Execute(func() { s.closeOnLoop(nil) }); err != nil {
		s.closeDirect(nil)
	}
}

// closeDirect tears down a socket that never reached a loop.
func (s *AsyncSocket) closeDirect(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
	s.failPending()
	s.notifyClosed(cause)
}

// closeOnLoop is the owning-loop teardown path.
func (s *AsyncSocket) closeOnLoop(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.fd >= 0 {
		s.loop.reactor.deregister(s.fd)
		_ = unix.Close(s.fd)
		s.fd = -1
	}
	s.failPending()
	s.loop.metrics.SocketsClosed.Add(1)
	if s.connecting && s.connectFut != nil {
		err := cause
		if err == nil {
			err = newShutdownError("connect")
		}
		s.connectFut.complete(err)
		s.connecting = false
	}
	if cause != nil {
		s.logger.Debug("socket closed", "loop", s.loop.idx, "remote", s.remote, "cause", cause)
	}
	s.notifyClosed(cause)
}

func (s *AsyncSocket) notifyClosed(cause error) {
	if h := s.closedHandler; h != nil {
		s.closedHandler = nil
		h(s, cause)
	}
}

// failPending releases every queued outbound buffer exactly once.
func (s *AsyncSocket) failPending() {
	s.writeMu.Lock()
	head := s.pendingHead
	s.pendingHead, s.pendingTail = nil, nil
	s.pendingBytes = 0
	s.writeMu.Unlock()
	for head != nil {
		next := head.next
		head.Release()
		head = next
	}
}

func (s *AsyncSocket) hasPending() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.pendingHead != nil
}

// gather snapshots up to maxWriteIovecs unwritten regions of the pending
// chain. Loop thread only; the views stay valid until advance.
func (s *AsyncSocket) gather() [][]byte {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.views = s.views[:0]
	for b := s.pendingHead; b != nil && len(s.views) < maxWriteIovecs; b = b.next {
		s.views = append(s.views, b.Bytes())
	}
	return s.views
}

// advance consumes n written bytes from the head of the pending chain,
// releasing each fully-written buffer exactly once.
func (s *AsyncSocket) advance(n int) {
	s.writeMu.Lock()
	var done *IOBuffer
	for n > 0 && s.pendingHead != nil {
		head := s.pendingHead
		r := head.Remaining()
		if n >= r {
			n -= r
			s.pendingBytes -= r
			s.pendingHead = head.next
			if s.pendingHead == nil {
				s.pendingTail = nil
			}
			head.next = done
			done = head
			s.loop.metrics.FramesWritten.Add(1)
		} else {
			head.SetPosition(head.Position() + n)
			s.pendingBytes -= n
			n = 0
		}
	}
	s.writeMu.Unlock()
	for done != nil {
		next := done.next
		done.Release()
		done = next
	}
}

// readReadiness drains the fd on a readiness event: read until EAGAIN or a
// short read, delivering the bytes to the read handler after each chunk.
// Bytes arriving after a short read are picked up on the next readiness
// event.
func (s *AsyncSocket) readReadiness() {
	for !s.closed.Load() {
		rb := s.recvBuf
		region := rb.b[rb.pos:len(rb.b)]
		n, err := unix.Read(s.fd, region)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			s.closeOnLoop(newIOError("read", s.fd, err))
			return
		}
		if n == 0 {
			s.closeOnLoop(nil) // peer closed
			return
		}
		rb.pos += n
		s.loop.metrics.BytesRead.Add(uint64(n))
		s.deliver()
		if n < len(region) {
			return
		}
	}
}

// completeRecv handles a completion-ring recv of n bytes already placed in
// the receive buffer.
func (s *AsyncSocket) completeRecv(n int) {
	s.recvBuf.pos += n
	s.loop.metrics.BytesRead.Add(uint64(n))
	s.deliver()
}

// deliver flips the receive buffer, runs the read handler over the
// complete frames it holds, and compacts the leftover partial frame back
// to the front. A partial frame larger than the buffer grows it.
func (s *AsyncSocket) deliver() {
	rb := s.recvBuf
	rb.Flip()
	if h := s.readHandler; h != nil {
		h(s, rb)
	}
	rb.Compact()
	if rb.Remaining() == 0 {
		rb.ensure(rb.Capacity())
	}
}

// writeReadiness pushes pending bytes with gathered writev until EAGAIN
// or the queue drains. Returns true while bytes remain queued.
func (s *AsyncSocket) writeReadiness() bool {
	for !s.closed.Load() {
		views := s.gather()
		if len(views) == 0 {
			return false
		}
		n, err := unix.Writev(s.fd, views)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return true
			}
			s.closeOnLoop(newIOError("write", s.fd, err))
			return false
		}
		s.loop.metrics.BytesWritten.Add(uint64(n))
		s.advance(n)
	}
	return false
}

// completeWrite handles a completion-ring writev of n bytes. Returns true
// while bytes remain queued.
func (s *AsyncSocket) completeWrite(n int) bool {
	s.loop.metrics.BytesWritten.Add(uint64(n))
	s.advance(n)
	return s.hasPending()
}
