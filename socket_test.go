package tpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialEcho starts an echo server on addr and returns a connected client
// socket whose decoded response frames arrive on the returned channel.
func dialEcho(t *testing.T, e *Engine, addr string, buffered int) (*AsyncSocket, <-chan *IOBuffer) {
	t.Helper()
	srv, err := StartEchoServer(e, addr)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	responses := make(chan *IOBuffer, buffered)
	c := NewAsyncSocket()
	c.SetTCPNoDelay(true)
	decoder := NewFrameDecoder(nil, e.opts.MaxFrameSize)
	c.SetReadHandler(func(s *AsyncSocket, recv *IOBuffer) {
		for {
			frame, derr := decoder.Decode(recv)
			assert.NoError(t, derr)
			if frame == nil || derr != nil {
				return
			}
			responses <- frame
		}
	})
	require.NoError(t, c.Activate(e.Eventloop(e.EventloopCount()-1)))
	require.NoError(t, c.Connect(addr).Await(5*time.Second))
	t.Cleanup(c.Close)
	return c, responses
}

func TestEchoThousandFramesInOrder(t *testing.T) {
	e := startTestEngine(t, nil)
	c, responses := dialEcho(t, e, "127.0.0.1:6000", 4)

	for i := 0; i < 1000; i++ {
		req := NewFrame(nil, -1, 4)
		req.WriteInt32(-1)
		ConstructComplete(req)
		require.True(t, c.WriteAndFlush(req))

		select {
		case resp := <-responses:
			require.NotNil(t, resp)
			assert.Equal(t, int64(-1), FrameCallID(resp))
			resp.SetPosition(FrameHeaderBytes)
			assert.Equal(t, int32(-1), resp.ReadInt32())
			resp.Release()
		case <-time.After(5 * time.Second):
			t.Fatalf("no response for frame %d", i)
		}
	}
}

func TestPingPongCounterDecrement(t *testing.T) {
	e := startTestEngine(t, nil)
	srv, err := StartEchoServer(e, "127.0.0.1:6001")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	latch := make(chan struct{})
	c := NewAsyncSocket()
	c.SetTCPNoDelay(true)
	decoder := NewFrameDecoder(nil, e.opts.MaxFrameSize)
	c.SetReadHandler(func(s *AsyncSocket, recv *IOBuffer) {
		for {
			frame, derr := decoder.Decode(recv)
			assert.NoError(t, derr)
			if frame == nil || derr != nil {
				return
			}
			frame.SetPosition(FrameHeaderBytes)
			l := frame.ReadInt64()
			frame.Release()
			if l == 0 {
				close(latch)
				return
			}
			next := NewFrame(nil, -1, 8)
			next.WriteInt64(l - 1)
			ConstructComplete(next)
			assert.True(t, s.UnsafeWriteAndFlush(next))
		}
	})
	require.NoError(t, c.Activate(e.Eventloop(1)))
	require.NoError(t, c.Connect("127.0.0.1:6001").Await(5*time.Second))
	t.Cleanup(c.Close)

	first := NewFrame(nil, -1, 8)
	first.WriteInt64(1000)
	ConstructComplete(first)
	require.True(t, c.WriteAndFlush(first))

	select {
	case <-latch:
	case <-time.After(10 * time.Second):
		t.Fatal("counter did not reach zero within 10s")
	}
}

func TestWriteBackpressure(t *testing.T) {
	e := startTestEngine(t, func(o *Options) { o.OutboundLimit = 1024 })
	s := &AsyncSocket{fd: -1, loop: e.Eventloop(0), opts: e.Eventloop(0).opts, logger: e.Eventloop(0).logger}

	mkFrame := func() *IOBuffer {
		f := NewFrame(nil, -1, 600)
		f.WriteBytes(make([]byte, 600))
		ConstructComplete(f)
		return f
	}

	b1, b2, b3 := mkFrame(), mkFrame(), mkFrame()
	require.True(t, s.Write(b1))
	require.True(t, s.Write(b2)) // soft limit: the crossing write is admitted
	require.False(t, s.Write(b3), "past the limit writes must be rejected")
	require.Equal(t, int32(1), b3.Refs(), "rejected buffer stays with the caller")

	// drain one frame's worth; the queue accepts writes again
	s.advance(b1.Remaining())
	assert.Equal(t, int32(0), b1.Refs(), "fully-written buffer released exactly once")
	require.True(t, s.Write(b3))

	// teardown releases each queued buffer exactly once
	s.failPending()
	assert.Equal(t, int32(0), b2.Refs())
	assert.Equal(t, int32(0), b3.Refs())
	b3dup := b3.Refs()
	s.failPending()
	assert.Equal(t, b3dup, b3.Refs(), "failPending must be idempotent")
}

func TestWriteAfterClose(t *testing.T) {
	e := startTestEngine(t, nil)
	c, _ := dialEcho(t, e, "127.0.0.1:6002", 1)
	c.Close()
	require.Eventually(t, c.Closed, time.Second, time.Millisecond)

	buf := NewFrame(nil, -1, 0)
	ConstructComplete(buf)
	assert.False(t, c.WriteAndFlush(buf))
	assert.Equal(t, int32(1), buf.Refs())
	buf.Release()

	c.Close() // idempotent
}

func TestClosedHandlerFiresOnce(t *testing.T) {
	e := startTestEngine(t, nil)
	srv, err := StartEchoServer(e, "127.0.0.1:6003")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	fired := make(chan error, 2)
	c := NewAsyncSocket()
	c.SetReadHandler(func(s *AsyncSocket, recv *IOBuffer) { recv.SetPosition(recv.Limit()) })
	c.SetClosedHandler(func(s *AsyncSocket, cause error) { fired <- cause })
	require.NoError(t, c.Activate(e.Eventloop(0)))
	require.NoError(t, c.Connect("127.0.0.1:6003").Await(5*time.Second))

	c.Close()
	c.Close()
	select {
	case cause := <-fired:
		assert.NoError(t, cause, "local close carries no cause")
	case <-time.After(time.Second):
		t.Fatal("closed handler never fired")
	}
	select {
	case <-fired:
		t.Fatal("closed handler fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerSocketLifecycle(t *testing.T) {
	e := startTestEngine(t, nil)
	srv := OpenServerSocket(e.Eventloop(0))
	require.NoError(t, srv.Bind("127.0.0.1:6004"))
	require.NoError(t, srv.Listen(64))
	require.NoError(t, srv.Accept(func(s *AsyncSocket) { s.Close() }))
	require.GreaterOrEqual(t, srv.Fd(), 0)
	srv.Close()
	srv.Close() // idempotent
}

func TestConnectRefused(t *testing.T) {
	e := startTestEngine(t, nil)
	c := NewAsyncSocket()
	c.SetReadHandler(func(s *AsyncSocket, recv *IOBuffer) {})
	require.NoError(t, c.Activate(e.Eventloop(0)))
	err := c.Connect("127.0.0.1:1").Await(5 * time.Second)
	require.Error(t, err)
}

func TestActivateRequiresReadHandler(t *testing.T) {
	e := startTestEngine(t, nil)
	c := NewAsyncSocket()
	err := c.Activate(e.Eventloop(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCodeState)
}
