//go:build integration
// +build integration

package integration

import (
	"testing"
	"time"

	tpc "github.com/ehrlich-b/go-tpc"
)

// startURingEngine skips the test when the kernel cannot set up a ring.
func startURingEngine(t *testing.T, loops int) *tpc.Engine {
	t.Helper()
	opts := tpc.DefaultOptions()
	opts.Eventloops = loops
	opts.Reactor = tpc.ReactorCompletionRing
	e := tpc.NewEngine(opts)
	if err := e.Start(); err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() {
		e.Shutdown()
		if !e.AwaitTermination(5 * time.Second) {
			t.Errorf("engine did not terminate")
		}
	})
	return e
}

func TestIntegrationURingEcho(t *testing.T) {
	e := startURingEngine(t, 2)
	srv, err := tpc.StartEchoServer(e, "127.0.0.1:6200")
	if err != nil {
		t.Fatalf("echo server: %v", err)
	}
	defer srv.Close()

	responses := make(chan *tpc.IOBuffer, 16)
	c := tpc.NewAsyncSocket()
	c.SetTCPNoDelay(true)
	decoder := tpc.NewFrameDecoder(nil, 0)
	c.SetReadHandler(func(s *tpc.AsyncSocket, recv *tpc.IOBuffer) {
		for {
			frame, derr := decoder.Decode(recv)
			if derr != nil || frame == nil {
				return
			}
			responses <- frame
		}
	})
	if err := c.Activate(e.Eventloop(1)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := c.Connect("127.0.0.1:6200").Await(5 * time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	for i := 0; i < 1000; i++ {
		req := tpc.NewFrame(nil, -1, 4)
		req.WriteInt32(-1)
		tpc.ConstructComplete(req)
		if !c.WriteAndFlush(req) {
			t.Fatalf("write %d rejected", i)
		}
		select {
		case resp := <-responses:
			if got := tpc.FrameCallID(resp); got != -1 {
				t.Fatalf("frame %d: callId = %d, want -1", i, got)
			}
			resp.Release()
		case <-time.After(5 * time.Second):
			t.Fatalf("no response for frame %d", i)
		}
	}
}

func TestIntegrationURingPingPong(t *testing.T) {
	e := startURingEngine(t, 2)
	srv, err := tpc.StartEchoServer(e, "127.0.0.1:6201")
	if err != nil {
		t.Fatalf("echo server: %v", err)
	}
	defer srv.Close()

	latch := make(chan struct{})
	c := tpc.NewAsyncSocket()
	c.SetTCPNoDelay(true)
	decoder := tpc.NewFrameDecoder(nil, 0)
	c.SetReadHandler(func(s *tpc.AsyncSocket, recv *tpc.IOBuffer) {
		for {
			frame, derr := decoder.Decode(recv)
			if derr != nil || frame == nil {
				return
			}
			frame.SetPosition(tpc.FrameHeaderBytes)
			l := frame.ReadInt64()
			frame.Release()
			if l == 0 {
				close(latch)
				return
			}
			next := tpc.NewFrame(nil, -1, 8)
			next.WriteInt64(l - 1)
			tpc.ConstructComplete(next)
			s.UnsafeWriteAndFlush(next)
		}
	})
	if err := c.Activate(e.Eventloop(1)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := c.Connect("127.0.0.1:6201").Await(5 * time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	first := tpc.NewFrame(nil, -1, 8)
	first.WriteInt64(1000)
	tpc.ConstructComplete(first)
	if !c.WriteAndFlush(first) {
		t.Fatal("initial write rejected")
	}

	select {
	case <-latch:
	case <-time.After(10 * time.Second):
		t.Fatal("counter did not reach zero within 10s")
	}
}

func TestIntegrationURingActorRoundTrip(t *testing.T) {
	serverEngine := startURingEngine(t, 2)
	if _, err := tpc.StartEchoServer(serverEngine, "127.0.0.1:6202"); err != nil {
		t.Fatalf("echo server: %v", err)
	}

	clientEngine := startURingEngine(t, 2)
	requests := tpc.NewRequests(0)
	runtime := tpc.NewActorRuntime(clientEngine, requests)
	directory := tpc.NewStaticDirectory("127.0.0.1:6202")

	for i := 0; i < 100; i++ {
		ref := tpc.NewPartitionActorRef(int32(i%4), directory, clientEngine, runtime, "", requests)
		buf := tpc.NewFrame(nil, 0, 8)
		buf.WriteInt64(int64(i))
		fut := ref.Submit(buf)
		resp, err := fut.Await(10 * time.Second)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.SetPosition(tpc.FrameHeaderBytes)
		if got := resp.ReadInt64(); got != int64(i) {
			t.Fatalf("request %d echoed %d", i, got)
		}
		resp.Release()
	}
}
