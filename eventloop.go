package tpc

import (
	"runtime"
	"sync/atomic"
	"time"

	"code.hybscloud.com/lfq"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tpc/internal/logging"
)

// LoopState tracks the monotonic lifecycle of an event loop:
// NEW → RUNNING → SHUTDOWN → TERMINATED.
type LoopState int32

const (
	LoopNew LoopState = iota
	LoopRunning
	LoopShutdown
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopNew:
		return "NEW"
	case LoopRunning:
		return "RUNNING"
	case LoopShutdown:
		return "SHUTDOWN"
	case LoopTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

type task = func()

// EventLoop is a single-threaded cooperative scheduler bound to one OS
// thread. It multiplexes a reactor backend, a loop-local task deque, a
// cross-thread submission queue, and a deadline-ordered timer set.
//
// All mutable state other than the lifecycle state, the wakeup flag, and
// the concurrent queue is owned by the loop thread.
type EventLoop struct {
	idx     int
	opts    *Options
	logger  *logging.Logger
	metrics *LoopMetrics

	state        atomic.Int32
	wakeupNeeded atomic.Bool
	spin         bool

	concurrentQ       lfq.Queue[task]
	concurrentPending atomic.Int64

	// loop-thread-only fields
	tid       int32
	localQ    []task
	timers    timerSet
	scheduler Scheduler
	reactor   reactor
	allocator *PoolAllocator

	started    chan error
	terminated chan struct{}
}

func newEventLoop(idx int, opts *Options, metrics *LoopMetrics) *EventLoop {
	l := &EventLoop{
		idx:         idx,
		opts:        opts,
		logger:      opts.Logger,
		metrics:     metrics,
		spin:        opts.Spin,
		concurrentQ: lfq.NewMPSC[task](opts.ConcurrentQueueSize),
		allocator:   NewPoolAllocator(defaultBufferCapacity, defaultPoolMaxFree),
		started:     make(chan error, 1),
		terminated:  make(chan struct{}),
	}
	if opts.Scheduler != nil {
		l.scheduler = opts.Scheduler(idx)
	} else {
		l.scheduler = noopScheduler{}
	}
	return l
}

// Index returns the loop's position within its engine.
func (l *EventLoop) Index() int { return l.idx }

// State returns the current lifecycle state.
func (l *EventLoop) State() LoopState { return LoopState(l.state.Load()) }

// Allocator returns the loop-local pooled allocator. Only the loop thread
// may use it.
func (l *EventLoop) Allocator() *PoolAllocator { return l.allocator }

// inLoop reports whether the caller runs on the loop's pinned thread.
func (l *EventLoop) inLoop() bool {
	return l.tid != 0 && int32(unix.Gettid()) == l.tid
}

// start spawns the owning thread and blocks until the reactor is up.
func (l *EventLoop) start() error {
	if !l.state.CompareAndSwap(int32(LoopNew), int32(LoopRunning)) {
		return NewError("start", ErrCodeState, "loop already started")
	}
	go l.run()
	return <-l.started
}

// Execute enqueues a task on the concurrent run queue. Safe from any
// thread. The task runs on the loop thread, in submission order per
// producer. Fails with a shutdown error once the loop is stopping and
// with a full error when the bounded queue rejects the submission.
func (l *EventLoop) Execute(t func()) error {
	if l.State() >= LoopShutdown {
		return newShutdownError("execute")
	}
	if err := l.concurrentQ.Enqueue(&t); err != nil {
		return &Error{Op: "execute", Loop: l.idx, Fd: -1, Code: ErrCodeFull, Inner: err}
	}
	l.concurrentPending.Add(1)
	if l.wakeupNeeded.CompareAndSwap(true, false) {
		_ = l.reactor.wakeup()
	}
	return nil
}

// Offer hands a request buffer to the loop's scheduler, taking over the
// caller's buffer reference. On the owning thread the buffer is delivered
// inline; from any other thread it routes through Execute. Returns false,
// leaving the reference with the caller, when the loop rejects the task or,
// on the owning thread, when the scheduler rejects the buffer. On the
// Execute path a scheduler rejection comes after Offer returned true; the
// buffer is released then.
func (l *EventLoop) Offer(buf *IOBuffer) bool {
	if l.inLoop() {
		return l.scheduler.Schedule(buf)
	}
	err := l.Execute(func() {
		if !l.scheduler.Schedule(buf) {
			buf.Release()
		}
	})
	if err != nil {
		return false
	}
	return true
}

// Local enqueues a task on the loop-local deque. Only callable from the
// owning thread.
func (l *EventLoop) Local(t func()) {
	l.assertInLoop("local")
	l.localQ = append(l.localQ, t)
}

// Schedule inserts a task into the timer set, to run on the loop thread at
// deadlineNanos (unix nanos). Only callable from the owning thread; use
// Execute to schedule from elsewhere.
func (l *EventLoop) Schedule(t func(), deadlineNanos int64) {
	l.assertInLoop("schedule")
	l.timers.schedule(t, deadlineNanos)
}

// ScheduleAfter schedules a task after a delay. Owning thread only.
func (l *EventLoop) ScheduleAfter(t func(), d time.Duration) {
	l.Schedule(t, time.Now().UnixNano()+d.Nanoseconds())
}

// Wakeup nudges a parked loop. Idempotent, safe from any thread, and a
// no-op on the owning thread (the loop is by definition not parked).
func (l *EventLoop) Wakeup() {
	if l.inLoop() {
		return
	}
	if l.wakeupNeeded.CompareAndSwap(true, false) {
		_ = l.reactor.wakeup()
	}
}

// Shutdown asks the loop to terminate. Idempotent. A loop that never
// started terminates in place.
func (l *EventLoop) Shutdown() {
	for {
		s := l.state.Load()
		if s >= int32(LoopShutdown) {
			return
		}
		if s == int32(LoopNew) {
			if l.state.CompareAndSwap(s, int32(LoopTerminated)) {
				close(l.terminated)
				return
			}
			continue
		}
		if l.state.CompareAndSwap(s, int32(LoopShutdown)) {
			break
		}
	}
	if l.reactor != nil {
		_ = l.reactor.wakeup()
	}
}

// AwaitTermination blocks until the loop thread exits or the duration
// elapses, reporting whether termination happened.
func (l *EventLoop) AwaitTermination(d time.Duration) bool {
	select {
	case <-l.terminated:
		return true
	case <-time.After(d):
		return false
	}
}

func (l *EventLoop) assertInLoop(op string) {
	if !l.inLoop() {
		panic("tpc: " + op + " called off the eventloop thread")
	}
}

// run is the loop body. It owns every non-atomic field from here on.
func (l *EventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.tid = int32(unix.Gettid())
	l.pinThread()

	r, err := newReactor(l)
	if err != nil {
		l.state.Store(int32(LoopTerminated))
		l.started <- err
		close(l.terminated)
		return
	}
	l.reactor = r
	l.started <- nil
	l.logger.Debug("eventloop running", "loop", l.idx, "reactor", l.opts.Reactor)

	moreWork := false
	for l.State() == LoopRunning {
		dispatched, perr := l.reactor.poll(0)
		if perr != nil {
			l.logger.Error("reactor failed", "loop", l.idx, "err", perr)
			break
		}

		if !dispatched && !l.spin && !moreWork && len(l.localQ) == 0 {
			l.park()
		}

		l.drainConcurrent(taskDrainBatch)
		l.fireTimers()
		moreWork = l.scheduler.Tick()
		if moreWork {
			l.metrics.SchedulerTicks.Add(1)
		}
		l.drainLocal()
	}

	l.terminate()
}

// park blocks in the kernel until an event, a timer deadline, or a
// cross-thread wakeup. The wakeupNeeded handshake closes the race against
// Execute: the flag is set before the final emptiness check, so a producer
// that misses the CAS enqueued before the check and is observed without a
// wakeup, and a producer that wins the CAS writes the event-fd.
func (l *EventLoop) park() {
	l.wakeupNeeded.Store(true)
	if l.concurrentPending.Load() == 0 && l.State() == LoopRunning {
		timeout := int64(-1)
		if deadline, ok := l.timers.earliest(); ok {
			timeout = deadline - time.Now().UnixNano()
			if timeout < 0 {
				timeout = 0
			}
		}
		if timeout != 0 {
			l.metrics.Parks.Add(1)
			if _, err := l.reactor.poll(timeout); err != nil {
				l.logger.Error("reactor failed while parked", "loop", l.idx, "err", err)
				l.Shutdown()
			}
		}
	}
	l.wakeupNeeded.Store(false)
}

// drainConcurrent moves a bounded batch from the submit queue so a busy
// producer cannot starve I/O processing.
func (l *EventLoop) drainConcurrent(limit int) {
	for i := 0; i < limit; i++ {
		t, err := l.concurrentQ.Dequeue()
		if err != nil {
			return
		}
		l.concurrentPending.Add(-1)
		l.metrics.ConcurrentTasks.Add(1)
		l.metrics.TasksProcessed.Add(1)
		(*t)()
	}
}

func (l *EventLoop) fireTimers() {
	if l.timers.size() == 0 {
		return
	}
	now := time.Now().UnixNano()
	for {
		t, ok := l.timers.expired(now)
		if !ok {
			return
		}
		l.metrics.TimerFires.Add(1)
		t()
	}
}

// drainLocal runs the tasks queued at entry; tasks appended while draining
// run next iteration.
func (l *EventLoop) drainLocal() {
	n := len(l.localQ)
	for i := 0; i < n; i++ {
		t := l.localQ[i]
		l.localQ[i] = nil
		l.metrics.TasksProcessed.Add(1)
		t()
	}
	l.localQ = append(l.localQ[:0], l.localQ[n:]...)
}

// terminate closes every registered fd, drains straggler tasks, and flips
// the state to TERMINATED.
func (l *EventLoop) terminate() {
	l.state.Store(int32(LoopShutdown))

	// Close channels still registered with the reactor.
	shutdownErr := newShutdownError("terminate")
	l.reactorArena().each(func(fd int, e fdEntry) {
		if e.sock != nil {
			e.sock.closeOnLoop(shutdownErr)
		}
		if e.srv != nil {
			e.srv.closeOnLoop()
		}
	})

	// Straggler tasks raced Execute's state check; run them so their
	// effects (typically failure callbacks) are not lost.
	for {
		t, err := l.concurrentQ.Dequeue()
		if err != nil {
			break
		}
		l.concurrentPending.Add(-1)
		(*t)()
	}
	l.drainLocal()

	if err := l.reactor.close(); err != nil {
		l.logger.Warn("reactor close failed", "loop", l.idx, "err", err)
	}
	l.state.Store(int32(LoopTerminated))
	l.logger.Debug("eventloop terminated", "loop", l.idx)
	close(l.terminated)
}

// reactorArena exposes the backend's dispatch arena for the shutdown sweep.
func (l *EventLoop) reactorArena() *fdArena {
	switch r := l.reactor.(type) {
	case *epollReactor:
		return &r.arena
	case *pollReactor:
		return &r.arena
	case *uringReactor:
		return &r.arena
	default:
		return &fdArena{}
	}
}

// pinThread applies the configured CPU affinity, round-robin by loop
// index.
func (l *EventLoop) pinThread() {
	if len(l.opts.ThreadAffinity) == 0 {
		return
	}
	cpu := l.opts.ThreadAffinity[l.idx%len(l.opts.ThreadAffinity)]
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		l.logger.Warn("failed to pin eventloop thread", "loop", l.idx, "cpu", cpu, "err", err)
		return
	}
	l.logger.Debug("pinned eventloop thread", "loop", l.idx, "cpu", cpu)
}
