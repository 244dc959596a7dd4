package tpc

import (
	"runtime"
	"time"

	"github.com/ehrlich-b/go-tpc/internal/logging"
)

// ReactorType selects the OS interface an event loop multiplexes I/O with.
type ReactorType int

const (
	// ReactorCompletionRing uses an io_uring submission/completion ring.
	ReactorCompletionRing ReactorType = iota
	// ReactorReadiness uses epoll with level-triggered readiness dispatch.
	ReactorReadiness
	// ReactorPortable uses poll(2) with a self-pipe wakeup. Slowest, but
	// runs on any unix.
	ReactorPortable
)

func (t ReactorType) String() string {
	switch t {
	case ReactorCompletionRing:
		return "completion-ring"
	case ReactorReadiness:
		return "readiness"
	case ReactorPortable:
		return "portable"
	default:
		return "unknown"
	}
}

const (
	defaultRingEntries     = 1024
	defaultConcurrentQueue = 4096
	defaultLocalQueue      = 1024
	defaultBufferCapacity  = 16 * 1024
	defaultRecvBufferSize  = 128 * 1024
	defaultMaxFrameSize    = 4 * 1024 * 1024
	defaultOutboundLimit   = 1 * 1024 * 1024
	defaultSocketsPerPeer  = 1
	defaultPoolMaxFree     = 4096
	defaultBacklog         = 128
	taskDrainBatch         = 64

	// DefaultIORequestCapacity is the default capacity of the pluggable
	// file I/O request scheduler.
	DefaultIORequestCapacity = 512
)

// SchedulerFactory builds the per-loop user scheduler. idx is the loop
// index the scheduler is bound to.
type SchedulerFactory func(idx int) Scheduler

// Options configures an Engine. NewEngine fills an unset loop count, size,
// or logger with its default, but the zero Reactor value selects the
// completion ring rather than the readiness backend DefaultOptions picks.
type Options struct {
	// Eventloops is the number of loops; defaults to the CPU count.
	Eventloops int

	// Reactor selects the backend for every loop.
	Reactor ReactorType

	// Spin keeps loops busy-polling instead of parking.
	Spin bool

	// ThreadAffinity lists the CPUs loop threads are pinned to,
	// round-robin by loop index. Empty disables pinning.
	ThreadAffinity []int

	// RingEntries sizes the completion ring's submission queue.
	RingEntries uint32

	// IoseqAsyncThreshold forces writes at or above this many bytes onto
	// the ring's async worker pool. Zero disables the hint.
	IoseqAsyncThreshold int

	// ConcurrentQueueSize bounds each loop's cross-thread submit queue.
	ConcurrentQueueSize int

	// RecvBufferSize sizes each socket's receive buffer.
	RecvBufferSize int

	// MaxFrameSize bounds accepted frame sizes; larger headers are
	// protocol errors.
	MaxFrameSize int32

	// OutboundLimit is the soft byte limit on a socket's pending write
	// queue; writes past it are rejected until the queue drains.
	OutboundLimit int

	// SocketsPerPeer is the number of client sockets kept per remote
	// address.
	SocketsPerPeer int

	// RequestTimeout fails request futures that outlive it. Zero
	// disables timeouts.
	RequestTimeout time.Duration

	// Scheduler builds each loop's user scheduler; nil installs a no-op.
	Scheduler SchedulerFactory

	// Logger receives engine diagnostics; nil uses the process default.
	Logger *logging.Logger
}

// DefaultOptions returns the options the engine is tuned for out of the
// box: readiness reactor, one loop per CPU, no pinning.
func DefaultOptions() Options {
	return Options{
		Eventloops:          runtime.NumCPU(),
		Reactor:             ReactorReadiness,
		RingEntries:         defaultRingEntries,
		ConcurrentQueueSize: defaultConcurrentQueue,
		RecvBufferSize:      defaultRecvBufferSize,
		MaxFrameSize:        defaultMaxFrameSize,
		OutboundLimit:       defaultOutboundLimit,
		SocketsPerPeer:      defaultSocketsPerPeer,
	}
}

func (o *Options) normalize() {
	if o.Eventloops <= 0 {
		o.Eventloops = runtime.NumCPU()
	}
	if o.RingEntries == 0 {
		o.RingEntries = defaultRingEntries
	}
	if o.ConcurrentQueueSize <= 0 {
		o.ConcurrentQueueSize = defaultConcurrentQueue
	}
	if o.RecvBufferSize <= 0 {
		o.RecvBufferSize = defaultRecvBufferSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	if o.OutboundLimit <= 0 {
		o.OutboundLimit = defaultOutboundLimit
	}
	if o.SocketsPerPeer <= 0 {
		o.SocketsPerPeer = defaultSocketsPerPeer
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}
