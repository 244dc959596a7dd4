package tpc

// reactor is the OS interface an event loop multiplexes I/O with. One
// reactor belongs to exactly one loop; every method except wakeup and
// close may only be called from the owning loop thread.
//
// Readiness backends translate kernel readiness into readReadiness/
// writeReadiness calls on the registered endpoint; the completion backend
// performs the byte movement itself and invokes the endpoint's completion
// hooks. Either way, all callbacks run on the loop thread.
type reactor interface {
	// registerSocket begins driving reads for a connected socket.
	registerSocket(s *AsyncSocket) error
	// registerServer begins driving accepts for a listening socket.
	registerServer(srv *AsyncServerSocket) error
	// submitConnect drives a non-blocking connect on an activated socket
	// whose fd holds an in-progress connect.
	submitConnect(s *AsyncSocket) error
	// armWrite requests that the socket's pending queue be drained when
	// the kernel allows progress. Idempotent.
	armWrite(s *AsyncSocket)
	// deregister forgets an fd. Safe to call for unknown fds.
	deregister(fd int)
	// poll processes completions or readiness. timeoutNanos < 0 blocks
	// indefinitely, 0 returns immediately, > 0 bounds the wait. Reports
	// whether any event was dispatched. A returned error is fatal for
	// the loop.
	poll(timeoutNanos int64) (bool, error)
	// wakeup makes a concurrent or future poll return promptly. Safe
	// from any thread; idempotent.
	wakeup() error
	// close releases kernel resources. Called last, on the loop thread.
	close() error
}

func newReactor(l *EventLoop) (reactor, error) {
	switch l.opts.Reactor {
	case ReactorCompletionRing:
		return newUringReactor(l)
	case ReactorReadiness:
		return newEpollReactor(l)
	case ReactorPortable:
		return newPollReactor(l)
	default:
		return nil, NewError("reactor", ErrCodeState, "unknown reactor type")
	}
}

// fdEntry is one slot of the per-loop dispatch arena. Exactly one of the
// pointers is set.
type fdEntry struct {
	sock *AsyncSocket
	srv  *AsyncServerSocket
}

// fdArena maps fd → endpoint with O(1) dense indexing. Owned by the loop.
type fdArena struct {
	entries []fdEntry
}

func (a *fdArena) put(fd int, e fdEntry) {
	for fd >= len(a.entries) {
		grown := make([]fdEntry, max(64, len(a.entries)*2))
		copy(grown, a.entries)
		a.entries = grown
	}
	a.entries[fd] = e
}

func (a *fdArena) get(fd int) fdEntry {
	if fd < 0 || fd >= len(a.entries) {
		return fdEntry{}
	}
	return a.entries[fd]
}

func (a *fdArena) del(fd int) {
	if fd >= 0 && fd < len(a.entries) {
		a.entries[fd] = fdEntry{}
	}
}

// each collects the registered endpoints, used for shutdown sweeps.
func (a *fdArena) each(fn func(fd int, e fdEntry)) {
	for fd, e := range a.entries {
		if e.sock != nil || e.srv != nil {
			fn(fd, e)
		}
	}
}
