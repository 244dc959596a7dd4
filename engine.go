package tpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-tpc/internal/logging"
)

// EngineState tracks the engine lifecycle: NEW → RUNNING → SHUTDOWN →
// TERMINATED.
type EngineState int32

const (
	EngineNew EngineState = iota
	EngineRunning
	EngineShutdown
	EngineTerminated
)

// Engine is the process-wide handle over a set of event loops. It
// constructs the loops, hands out eventloop(i), and coordinates startup
// and shutdown; everything else happens on the loops.
type Engine struct {
	opts    Options
	logger  *logging.Logger
	metrics *Metrics
	loops   []*EventLoop
	state   atomic.Int32

	reqMu    sync.Mutex
	requests []*Requests
}

// NewEngine builds an engine from opts. Loops exist but do not run until
// Start.
func NewEngine(opts Options) *Engine {
	opts.normalize()
	e := &Engine{
		opts:    opts,
		logger:  opts.Logger,
		metrics: newMetrics(opts.Eventloops),
	}
	e.loops = make([]*EventLoop, opts.Eventloops)
	for i := range e.loops {
		e.loops[i] = newEventLoop(i, &e.opts, e.metrics.Loop(i))
	}
	return e
}

// State returns the engine lifecycle state.
func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// EventloopCount returns the number of loops.
func (e *Engine) EventloopCount() int { return len(e.loops) }

// Eventloop returns loop i.
func (e *Engine) Eventloop(i int) *EventLoop { return e.loops[i] }

// Start spawns every loop thread and blocks until all reactors are up. A
// loop that fails to start shuts the others down again.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(EngineNew), int32(EngineRunning)) {
		return NewError("start", ErrCodeState, "engine already started")
	}
	e.logger.Info("starting engine",
		"loops", len(e.loops), "reactor", e.opts.Reactor, "spin", e.opts.Spin)
	for i, l := range e.loops {
		if err := l.start(); err != nil {
			e.logger.Error("eventloop failed to start", "loop", i, "err", err)
			e.Shutdown()
			return err
		}
	}
	return nil
}

// RegisterRequests subscribes a slot table to engine shutdown: its
// outstanding futures fail with a shutdown error when the engine stops.
// NewActorRuntime registers its table automatically.
func (e *Engine) RegisterRequests(r *Requests) {
	e.reqMu.Lock()
	e.requests = append(e.requests, r)
	e.reqMu.Unlock()
}

// Shutdown fails every registered in-flight request, then asks each loop
// to terminate. Idempotent; AwaitTermination observes completion.
func (e *Engine) Shutdown() {
	for {
		s := e.state.Load()
		if s >= int32(EngineShutdown) {
			return
		}
		if e.state.CompareAndSwap(s, int32(EngineShutdown)) {
			break
		}
	}
	e.reqMu.Lock()
	tables := e.requests
	e.reqMu.Unlock()
	for _, r := range tables {
		r.Shutdown()
	}
	for _, l := range e.loops {
		l.Shutdown()
	}
	e.logger.Info("engine shutdown requested")
}

// AwaitTermination blocks until every loop thread exited or d elapses,
// reporting whether full termination happened.
func (e *Engine) AwaitTermination(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for _, l := range e.loops {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !l.AwaitTermination(remaining) {
			return false
		}
	}
	e.state.Store(int32(EngineTerminated))
	return true
}
