package tpc

import (
	"encoding/binary"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tpc/internal/nio"
)

// Completion userdata encoding: operation in the top byte, fd in the low
// 32 bits, so a CQE routes straight to its endpoint without a lookup map.
const (
	udOpWake uint64 = iota + 1
	udOpAccept
	udOpRecv
	udOpSend
	udOpConnect
	udOpCancel
)

func encodeUD(op uint64, fd int) uint64 {
	return op<<56 | uint64(uint32(fd))
}

func decodeUD(ud uint64) (op uint64, fd int) {
	return ud >> 56, int(uint32(ud))
}

const cqeBatch = 128

// uringReactor is the completion backend: a submission/completion ring
// carrying recv, writev, multishot accept, and connect opcodes, with an
// always-armed eventfd read providing the cross-thread wakeup. Parked
// waits ride the ring itself via a timed CQE wait.
type uringReactor struct {
	loop     *EventLoop
	ring     *giouring.Ring
	eventFd  int
	eventBuf [8]byte
	arena    fdArena
	cqes     [cqeBatch]*giouring.CompletionQueueEvent
	overflow []func(*giouring.SubmissionQueueEntry)
}

func newUringReactor(l *EventLoop) (reactor, error) {
	ring, err := giouring.CreateRing(l.opts.RingEntries)
	if err != nil {
		return nil, &Error{Op: "ring_setup", Loop: l.idx, Fd: -1, Code: ErrCodeIO, Msg: err.Error(), Inner: err}
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		return nil, newIOError("eventfd", -1, err)
	}
	r := &uringReactor{loop: l, ring: ring, eventFd: efd}
	r.armWakeRead()
	return r, nil
}

// prepare grabs an SQE, flushing the ring once when full and spilling to
// the overflow list if it still is.
func (r *uringReactor) prepare(op func(*giouring.SubmissionQueueEntry)) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		_, _ = r.ring.SubmitAndWait(0)
		sqe = r.ring.GetSQE()
	}
	if sqe == nil {
		r.overflow = append(r.overflow, op)
		return
	}
	op(sqe)
}

func (r *uringReactor) drainOverflow() {
	prepared := 0
	for _, op := range r.overflow {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			break
		}
		op(sqe)
		prepared++
	}
	if prepared == len(r.overflow) {
		r.overflow = r.overflow[:0]
	} else {
		r.overflow = r.overflow[prepared:]
	}
}

func (r *uringReactor) armWakeRead() {
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(r.eventFd, uintptr(unsafe.Pointer(&r.eventBuf[0])), 8, 0)
		sqe.UserData = encodeUD(udOpWake, r.eventFd)
	})
}

func (r *uringReactor) armRecv(s *AsyncSocket) {
	if s.closed.Load() || s.recvInFlight {
		return
	}
	rb := s.recvBuf
	region := rb.b[rb.pos:len(rb.b)]
	fd := s.fd
	s.recvInFlight = true
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRecv(fd, uintptr(unsafe.Pointer(&region[0])), uint32(len(region)), 0)
		sqe.UserData = encodeUD(udOpRecv, fd)
	})
}

func (r *uringReactor) registerSocket(s *AsyncSocket) error {
	r.arena.put(s.fd, fdEntry{sock: s})
	r.armRecv(s)
	return nil
}

func (r *uringReactor) registerServer(srv *AsyncServerSocket) error {
	r.arena.put(srv.fd, fdEntry{srv: srv})
	r.armAccept(srv)
	return nil
}

func (r *uringReactor) armAccept(srv *AsyncServerSocket) {
	fd := srv.fd
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareMultishotAccept(fd, 0, 0, 0)
		sqe.UserData = encodeUD(udOpAccept, fd)
	})
}

func (r *uringReactor) submitConnect(s *AsyncSocket) error {
	holder, ptr, size, err := nio.RawSockaddr(s.connectSA)
	if err != nil {
		return &Error{Op: "connect", Loop: r.loop.idx, Fd: s.fd, Code: ErrCodeIO, Msg: err.Error(), Inner: err}
	}
	s.rawSA = holder
	s.rawSAPtr = ptr
	s.rawSASize = size
	r.arena.put(s.fd, fdEntry{sock: s})
	fd := s.fd
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareConnect(fd, uintptr(s.rawSAPtr), uint64(s.rawSASize))
		sqe.UserData = encodeUD(udOpConnect, fd)
	})
	return nil
}

func (r *uringReactor) armWrite(s *AsyncSocket) {
	if s.closed.Load() || s.connecting || s.writeInFlight {
		return
	}
	views := s.gather()
	if len(views) == 0 {
		return
	}
	s.iovs = s.iovs[:0]
	total := 0
	for _, v := range views {
		s.iovs = append(s.iovs, syscall.Iovec{Base: &v[0], Len: uint64(len(v))})
		total += len(v)
	}
	fd := s.fd
	async := r.loop.opts.IoseqAsyncThreshold > 0 && total >= r.loop.opts.IoseqAsyncThreshold
	s.writeInFlight = true
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWritev(fd, uintptr(unsafe.Pointer(&s.iovs[0])), uint32(len(s.iovs)), 0)
		if async {
			sqe.Flags |= giouring.SqeAsync
		}
		sqe.UserData = encodeUD(udOpSend, fd)
	})
}

func (r *uringReactor) deregister(fd int) {
	r.arena.del(fd)
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancelFd(fd, 0)
		sqe.UserData = encodeUD(udOpCancel, fd)
	})
}

func (r *uringReactor) poll(timeoutNanos int64) (bool, error) {
	r.drainOverflow()
	switch {
	case timeoutNanos == 0:
		if _, err := r.ring.SubmitAndWait(0); err != nil && !temporarySubmitError(err) {
			return false, newIOError("ring_submit", -1, err)
		}
	case timeoutNanos < 0:
		if _, err := r.ring.SubmitAndWait(1); err != nil && !temporarySubmitError(err) {
			return false, newIOError("ring_wait", -1, err)
		}
	default:
		if _, err := r.ring.SubmitAndWait(0); err != nil && !temporarySubmitError(err) {
			return false, newIOError("ring_submit", -1, err)
		}
		ts := syscall.NsecToTimespec(timeoutNanos)
		if _, err := r.ring.WaitCQEs(1, &ts, nil); err != nil && !temporarySubmitError(err) {
			return false, newIOError("ring_wait", -1, err)
		}
	}
	return r.flushCompletions(), nil
}

func temporarySubmitError(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == syscall.EINTR || errno == syscall.EAGAIN ||
		errno == syscall.ETIME || errno == syscall.EBUSY
}

func (r *uringReactor) flushCompletions() bool {
	dispatched := false
	for {
		peeked := r.ring.PeekBatchCQE(r.cqes[:])
		if peeked == 0 {
			return dispatched
		}
		for _, cqe := range r.cqes[:peeked] {
			r.dispatch(cqe)
		}
		r.ring.CQAdvance(peeked)
		r.loop.metrics.IOEvents.Add(uint64(peeked))
		dispatched = true
		if peeked < uint32(len(r.cqes)) {
			return dispatched
		}
	}
}

func (r *uringReactor) dispatch(cqe *giouring.CompletionQueueEvent) {
	op, fd := decodeUD(cqe.UserData)
	switch op {
	case udOpWake:
		r.loop.metrics.Wakeups.Add(1)
		r.armWakeRead()

	case udOpAccept:
		srv := r.arena.get(fd).srv
		if srv == nil {
			if cqe.Res >= 0 {
				_ = unix.Close(int(cqe.Res)) // raced a server close
			}
			return
		}
		if cqe.Res >= 0 {
			srv.completeAccept(int(cqe.Res))
		} else if !temporaryErrno(syscall.Errno(-cqe.Res)) {
			r.loop.logger.Warn("accept failed", "loop", r.loop.idx, "fd", fd, "errno", -cqe.Res)
		}
		// multishot stops delivering once CQE_F_MORE is absent
		if cqe.Flags&giouring.CQEFMore == 0 && !srv.closed.Load() {
			r.armAccept(srv)
		}

	case udOpRecv:
		s := r.arena.get(fd).sock
		if s == nil || s.fd != fd {
			return
		}
		s.recvInFlight = false
		switch {
		case cqe.Res > 0:
			s.completeRecv(int(cqe.Res))
			if !s.closed.Load() {
				r.armRecv(s)
			}
		case cqe.Res == 0:
			s.closeOnLoop(nil) // peer closed
		default:
			errno := syscall.Errno(-cqe.Res)
			if temporaryErrno(errno) {
				r.armRecv(s)
				return
			}
			if errno == syscall.ECANCELED {
				return
			}
			s.closeOnLoop(newIOError("recv", fd, errno))
		}

	case udOpSend:
		s := r.arena.get(fd).sock
		if s == nil || s.fd != fd {
			return
		}
		s.writeInFlight = false
		if cqe.Res < 0 {
			errno := syscall.Errno(-cqe.Res)
			if temporaryErrno(errno) {
				r.armWrite(s)
				return
			}
			if errno == syscall.ECANCELED {
				return
			}
			s.closeOnLoop(newIOError("writev", fd, errno))
			return
		}
		if s.completeWrite(int(cqe.Res)) {
			r.armWrite(s)
		}

	case udOpConnect:
		s := r.arena.get(fd).sock
		if s == nil || s.fd != fd {
			return
		}
		s.rawSA, s.rawSAPtr, s.rawSASize = nil, nil, 0
		if cqe.Res < 0 {
			s.finishConnect(newIOError("connect", fd, syscall.Errno(-cqe.Res)))
			return
		}
		s.finishConnect(nil)
		if !s.closed.Load() {
			r.armRecv(s)
		}

	case udOpCancel:
		// nothing to do; cancelled ops surface ECANCELED on their own CQEs
	}
}

func (r *uringReactor) wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.eventFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return newIOError("wakeup", r.eventFd, err)
	}
	return nil
}

func (r *uringReactor) close() error {
	r.ring.QueueExit()
	return unix.Close(r.eventFd)
}
