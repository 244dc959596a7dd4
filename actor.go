package tpc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

// Address identifies an engine endpoint as "host:port".
type Address string

// PartitionDirectory is the external collaborator that knows which
// address currently owns a partition.
type PartitionDirectory interface {
	PartitionOwner(partitionID int32) (Address, bool)
}

// hashPartition stably hashes a partition id. The same id always lands on
// the same loop of a node and the same socket of a connection.
func hashPartition(partitionID int32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(partitionID))
	return xxhash.Checksum32(b[:])
}

// ActorRuntime owns the client side of remote dispatch: per peer address a
// fixed array of sockets, plus the response correlation wiring back into
// the request table.
type ActorRuntime struct {
	engine   *Engine
	requests *Requests

	mu    sync.Mutex
	peers map[Address]*PeerConnection
}

// PeerConnection is the socket array kept for one remote peer.
type PeerConnection struct {
	addr    Address
	sockets []*AsyncSocket
}

// NewActorRuntime creates a runtime completing responses into requests.
// The table is registered with the engine so shutdown fails what is left
// in flight.
func NewActorRuntime(engine *Engine, requests *Requests) *ActorRuntime {
	rt := &ActorRuntime{
		engine:   engine,
		requests: requests,
		peers:    make(map[Address]*PeerConnection),
	}
	engine.RegisterRequests(requests)
	return rt
}

// Connection returns the peer connection for addr, dialing its socket
// array on first use. Sockets are activated round-robin across the
// engine's loops; connects are in flight when this returns and writes
// queue behind them.
func (rt *ActorRuntime) Connection(addr Address) (*PeerConnection, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if conn, ok := rt.peers[addr]; ok {
		return conn, nil
	}
	if rt.engine.State() != EngineRunning {
		return nil, newShutdownError("connection")
	}
	count := rt.engine.opts.SocketsPerPeer
	conn := &PeerConnection{addr: addr, sockets: make([]*AsyncSocket, count)}
	for i := 0; i < count; i++ {
		s := NewAsyncSocket()
		s.SetTCPNoDelay(true)
		decoder := NewFrameDecoder(nil, rt.engine.opts.MaxFrameSize)
		s.SetReadHandler(func(sock *AsyncSocket, recv *IOBuffer) {
			rt.onResponseBytes(sock, recv, decoder)
		})
		s.SetClosedHandler(func(sock *AsyncSocket, cause error) {
			err := &Error{Op: "response", Loop: -1, Fd: -1, Code: ErrCodeConnectionLost, Inner: cause}
			if cause != nil {
				err.Msg = cause.Error()
			}
			rt.requests.FailSocket(sock, err)
			rt.dropSocket(addr, sock)
		})
		if err := s.Activate(rt.engine.Eventloop(i % rt.engine.EventloopCount())); err != nil {
			return nil, err
		}
		s.Connect(string(addr))
		conn.sockets[i] = s
	}
	rt.peers[addr] = conn
	return conn, nil
}

// onResponseBytes decodes response frames and completes their slots.
// Replies for vacated slots (timed out or failed) are dropped.
func (rt *ActorRuntime) onResponseBytes(sock *AsyncSocket, recv *IOBuffer, decoder *FrameDecoder) {
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
		callID := FrameCallID(frame)
		if callID < 0 {
			frame.Release() // unsolicited
			continue
		}
		rt.requests.Complete(callID, frame)
	}
}

// dropSocket forgets a closed socket's connection so the next submit
// redials instead of writing into a dead peer.
func (rt *ActorRuntime) dropSocket(addr Address, sock *AsyncSocket) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	conn, ok := rt.peers[addr]
	if !ok {
		return
	}
	for _, s := range conn.sockets {
		if s == sock {
			delete(rt.peers, addr)
			return
		}
	}
}

// Shutdown closes every peer socket.
func (rt *ActorRuntime) Shutdown() {
	rt.mu.Lock()
	peers := rt.peers
	rt.peers = make(map[Address]*PeerConnection)
	rt.mu.Unlock()
	for _, conn := range peers {
		for _, s := range conn.sockets {
			s.Close()
		}
	}
}

func (c *PeerConnection) socket(partitionID int32) *AsyncSocket {
	return c.sockets[hashPartition(partitionID)%uint32(len(c.sockets))]
}

// PartitionActorRef is the client-facing send primitive: it routes a
// request frame to the loop owning the partition locally, or to the right
// socket of the owning peer.
type PartitionActorRef struct {
	partitionID int32
	directory   PartitionDirectory
	engine      *Engine
	runtime     *ActorRuntime
	self        Address
	requests    *Requests
}

// NewPartitionActorRef binds a ref to one partition.
func NewPartitionActorRef(partitionID int32, directory PartitionDirectory, engine *Engine,
	runtime *ActorRuntime, self Address, requests *Requests) *PartitionActorRef {
	return &PartitionActorRef{
		partitionID: partitionID,
		directory:   directory,
		engine:      engine,
		runtime:     runtime,
		self:        self,
		requests:    requests,
	}
}

// PartitionID returns the partition this ref routes to.
func (r *PartitionActorRef) PartitionID() int32 { return r.partitionID }

// LoopIndex returns the engine loop that owns this partition locally.
func (r *PartitionActorRef) LoopIndex() int {
	return int(hashPartition(r.partitionID) % uint32(r.engine.EventloopCount()))
}

// Submit routes a request frame and returns its future. buf must be in
// write mode with the full header and payload written; Submit assigns the
// correlation id, seals the frame, and consumes the caller's buffer
// reference on every path. Failures (unknown owner, closed loop or
// socket, backpressure) surface on the future, never as panics.
func (r *PartitionActorRef) Submit(buf *IOBuffer) *RequestFuture {
	fut, err := r.requests.register(buf)
	if err != nil {
		buf.Release()
		failed := newRequestFuture(-1, nil)
		failed.complete(nil, err)
		return failed
	}
	callID := fut.callID
	buf.PutInt64(frameCallIDOffset, callID)
	ConstructComplete(buf)

	owner, ok := r.directory.PartitionOwner(r.partitionID)
	if !ok {
		buf.Release()
		r.requests.Fail(callID, newRoutingError("submit", r.partitionID))
		return fut
	}

	r.armTimeout(callID)

	if owner == r.self {
		loop := r.engine.Eventloop(r.LoopIndex())
		if !loop.Offer(buf) {
			buf.Release()
			r.requests.Fail(callID, newShutdownError("submit"))
		}
		return fut
	}

	conn, err := r.runtime.Connection(owner)
	if err != nil {
		buf.Release()
		r.requests.Fail(callID, err)
		return fut
	}
	sock := conn.socket(r.partitionID)
	fut.via = sock
	if !sock.WriteAndFlush(buf) {
		buf.Release()
		code := ErrCodeConnectionLost
		if !sock.Closed() {
			code = ErrCodeFull // backpressured
		}
		r.requests.Fail(callID, &Error{Op: "submit", Loop: -1, Fd: -1, Code: code})
	}
	return fut
}

// armTimeout schedules the future's deadline as a timer task on the
// partition's loop. A vacated slot makes the timer a no-op.
func (r *PartitionActorRef) armTimeout(callID int64) {
	timeout := r.engine.opts.RequestTimeout
	if timeout <= 0 {
		return
	}
	loop := r.engine.Eventloop(r.LoopIndex())
	deadline := time.Now().UnixNano() + timeout.Nanoseconds()
	_ = loop.Execute(func() {
		loop.Schedule(func() {
			r.requests.Fail(callID, NewError("request", ErrCodeTimeout, "request deadline exceeded"))
		}, deadline)
	})
}
