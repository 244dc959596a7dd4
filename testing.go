package tpc

import (
	"sync"
)

// StaticDirectory is a fixed partition directory for tests and demos. A
// default owner covers partitions without an explicit entry.
type StaticDirectory struct {
	mu     sync.RWMutex
	owners map[int32]Address
	def    Address
	hasDef bool
}

// NewStaticDirectory creates a directory whose unmapped partitions belong
// to def. Pass an empty address for no default (lookups then fail).
func NewStaticDirectory(def Address) *StaticDirectory {
	return &StaticDirectory{
		owners: make(map[int32]Address),
		def:    def,
		hasDef: def != "",
	}
}

// SetOwner maps one partition to an owner.
func (d *StaticDirectory) SetOwner(partitionID int32, owner Address) {
	d.mu.Lock()
	d.owners[partitionID] = owner
	d.mu.Unlock()
}

// RemoveOwner unmaps a partition, simulating an owner change in flight.
func (d *StaticDirectory) RemoveOwner(partitionID int32) {
	d.mu.Lock()
	delete(d.owners, partitionID)
	d.mu.Unlock()
}

// PartitionOwner implements PartitionDirectory.
func (d *StaticDirectory) PartitionOwner(partitionID int32) (Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if owner, ok := d.owners[partitionID]; ok {
		return owner, true
	}
	if d.hasDef {
		return d.def, true
	}
	return "", false
}

// EchoScheduler is a test scheduler that records delivered frames in
// arrival order and answers each one by echoing the payload back into the
// request table, standing in for the RPC application.
type EchoScheduler struct {
	loopIdx  int
	requests *Requests

	mu       sync.Mutex
	callIDs  []int64
	payloads [][]byte
}

// NewEchoScheduler builds a factory wiring every loop's scheduler to the
// same request table and returns the schedulers by loop index.
func NewEchoScheduler(requests *Requests) (SchedulerFactory, map[int]*EchoScheduler) {
	var mu sync.Mutex
	byLoop := make(map[int]*EchoScheduler)
	factory := func(idx int) Scheduler {
		s := &EchoScheduler{loopIdx: idx, requests: requests}
		mu.Lock()
		byLoop[idx] = s
		mu.Unlock()
		return s
	}
	return factory, byLoop
}

// Tick implements Scheduler; the echo work happens inline in Schedule.
func (s *EchoScheduler) Tick() bool { return false }

// Schedule records the frame and completes its slot with an echoed
// response.
func (s *EchoScheduler) Schedule(buf *IOBuffer) bool {
	callID := FrameCallID(buf)
	payload := make([]byte, buf.Limit()-FrameHeaderBytes)
	copy(payload, buf.b[FrameHeaderBytes:buf.Limit()])

	s.mu.Lock()
	s.callIDs = append(s.callIDs, callID)
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()

	if s.requests != nil && callID >= 0 {
		resp := NewFrame(nil, callID, len(payload))
		resp.WriteBytes(payload)
		ConstructComplete(resp)
		s.requests.Complete(callID, resp)
	}
	buf.Release()
	return true
}

// Observed returns the call ids and payloads seen so far, in order.
func (s *EchoScheduler) Observed() ([]int64, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, len(s.callIDs))
	copy(ids, s.callIDs)
	payloads := make([][]byte, len(s.payloads))
	copy(payloads, s.payloads)
	return ids, payloads
}

// StartEchoServer binds an echo service to addr on loop 0: every decoded
// frame is written back verbatim. Accepted connections are spread across
// the engine's loops round-robin.
func StartEchoServer(engine *Engine, addr string) (*AsyncServerSocket, error) {
	srv := OpenServerSocket(engine.Eventloop(0))
	if err := srv.Bind(addr); err != nil {
		return nil, err
	}
	if err := srv.Listen(0); err != nil {
		srv.Close()
		return nil, err
	}
	next := 0
	err := srv.Accept(func(s *AsyncSocket) {
		decoder := NewFrameDecoder(nil, engine.opts.MaxFrameSize)
		s.SetTCPNoDelay(true)
		s.SetReadHandler(func(sock *AsyncSocket, recv *IOBuffer) {
			for {
				frame, err := decoder.Decode(recv)
				if err != nil {
					sock.loop.metrics.ProtocolErrors.Add(1)
					sock.closeOnLoop(err)
					return
				}
				if frame == nil {
					return
				}
				sock.loop.metrics.FramesDecoded.Add(1)
				if !sock.UnsafeWriteAndFlush(frame) {
					frame.Release()
					return
				}
			}
		})
		loop := engine.Eventloop(next % engine.EventloopCount())
		next++
		if aerr := s.Activate(loop); aerr != nil {
			s.Close()
		}
	})
	if err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}
