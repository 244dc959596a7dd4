package tpc

import "sync/atomic"

// LoopMetrics tracks one event loop's activity. All fields are atomic so
// snapshots may be taken from any thread while the loop runs.
type LoopMetrics struct {
	TasksProcessed  atomic.Uint64 // concurrent + local tasks executed
	ConcurrentTasks atomic.Uint64 // tasks drained from the submit queue
	SchedulerTicks  atomic.Uint64
	Parks           atomic.Uint64 // blocking kernel waits entered
	Wakeups         atomic.Uint64 // event-fd wakeups received
	TimerFires      atomic.Uint64
	IOEvents        atomic.Uint64 // reactor completions/readiness events

	BytesRead      atomic.Uint64
	BytesWritten   atomic.Uint64
	FramesDecoded  atomic.Uint64
	FramesWritten  atomic.Uint64
	Accepted       atomic.Uint64
	SocketsClosed  atomic.Uint64
	ProtocolErrors atomic.Uint64
}

// Metrics aggregates per-loop metrics for an engine.
type Metrics struct {
	loops []*LoopMetrics
}

func newMetrics(loops int) *Metrics {
	m := &Metrics{loops: make([]*LoopMetrics, loops)}
	for i := range m.loops {
		m.loops[i] = &LoopMetrics{}
	}
	return m
}

// Loop returns the metrics of one loop.
func (m *Metrics) Loop(i int) *LoopMetrics {
	return m.loops[i]
}

// MetricsSnapshot is a point-in-time aggregate across all loops.
type MetricsSnapshot struct {
	TasksProcessed uint64
	Parks          uint64
	Wakeups        uint64
	TimerFires     uint64
	IOEvents       uint64
	BytesRead      uint64
	BytesWritten   uint64
	FramesDecoded  uint64
	FramesWritten  uint64
	Accepted       uint64
	SocketsClosed  uint64
	ProtocolErrors uint64
}

// Snapshot sums every loop's counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var s MetricsSnapshot
	for _, lm := range m.loops {
		s.TasksProcessed += lm.TasksProcessed.Load()
		s.Parks += lm.Parks.Load()
		s.Wakeups += lm.Wakeups.Load()
		s.TimerFires += lm.TimerFires.Load()
		s.IOEvents += lm.IOEvents.Load()
		s.BytesRead += lm.BytesRead.Load()
		s.BytesWritten += lm.BytesWritten.Load()
		s.FramesDecoded += lm.FramesDecoded.Load()
		s.FramesWritten += lm.FramesWritten.Load()
		s.Accepted += lm.Accepted.Load()
		s.SocketsClosed += lm.SocketsClosed.Load()
		s.ProtocolErrors += lm.ProtocolErrors.Load()
	}
	return s
}
