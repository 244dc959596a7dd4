package tpc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServerEngine(t *testing.T, addr string) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Eventloops = 2
	e := NewEngine(opts)
	require.NoError(t, e.Start())
	srv, err := StartEchoServer(e, addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		e.Shutdown()
		require.True(t, e.AwaitTermination(5*time.Second))
	})
	return e
}

func TestRemoteSubmitRoundTrip(t *testing.T) {
	const serverAddr Address = "127.0.0.1:6100"
	startServerEngine(t, string(serverAddr))

	opts := DefaultOptions()
	opts.Eventloops = 2
	client := NewEngine(opts)
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		client.Shutdown()
		require.True(t, client.AwaitTermination(5*time.Second))
	})

	requests := NewRequests(0)
	runtime := NewActorRuntime(client, requests)
	directory := NewStaticDirectory(serverAddr)

	const n = 100
	futs := make([]*RequestFuture, 0, n)
	for i := 0; i < n; i++ {
		ref := NewPartitionActorRef(int32(i%8), directory, client, runtime, "127.0.0.1:6199", requests)
		buf := NewFrame(nil, 0, 8)
		buf.WriteInt64(int64(i))
		futs = append(futs, ref.Submit(buf))
	}
	for i, fut := range futs {
		resp, err := fut.Result()
		require.NoError(t, err, "request %d", i)
		require.Equal(t, fut.CallID(), FrameCallID(resp))
		resp.SetPosition(FrameHeaderBytes)
		assert.Equal(t, int64(i), resp.ReadInt64())
		resp.Release()
	}
	require.Equal(t, 0, requests.Size())
}

func TestRemoteSameSocketPerPartition(t *testing.T) {
	const serverAddr Address = "127.0.0.1:6101"
	startServerEngine(t, string(serverAddr))

	opts := DefaultOptions()
	opts.Eventloops = 2
	opts.SocketsPerPeer = 4
	client := NewEngine(opts)
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		client.Shutdown()
		require.True(t, client.AwaitTermination(5*time.Second))
	})

	requests := NewRequests(0)
	runtime := NewActorRuntime(client, requests)
	conn, err := runtime.Connection(serverAddr)
	require.NoError(t, err)
	require.Len(t, conn.sockets, 4)
	first := conn.socket(42)
	for i := 0; i < 10; i++ {
		assert.Same(t, first, conn.socket(42), "partition→socket mapping must be stable")
	}
}

func TestConnectionLostFailsInflight(t *testing.T) {
	const serverAddr Address = "127.0.0.1:6102"

	// a server that swallows requests without replying
	srvOpts := DefaultOptions()
	srvOpts.Eventloops = 1
	server := NewEngine(srvOpts)
	require.NoError(t, server.Start())
	srv := OpenServerSocket(server.Eventloop(0))
	require.NoError(t, srv.Bind(string(serverAddr)))
	require.NoError(t, srv.Listen(0))
	require.NoError(t, srv.Accept(func(s *AsyncSocket) {
		s.SetReadHandler(func(sock *AsyncSocket, recv *IOBuffer) {
			recv.SetPosition(recv.Limit())
		})
		if err := s.Activate(server.Eventloop(0)); err != nil {
			s.Close()
		}
	}))

	clientOpts := DefaultOptions()
	clientOpts.Eventloops = 1
	client := NewEngine(clientOpts)
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		client.Shutdown()
		require.True(t, client.AwaitTermination(5*time.Second))
	})

	requests := NewRequests(0)
	runtime := NewActorRuntime(client, requests)
	directory := NewStaticDirectory(serverAddr)
	ref := NewPartitionActorRef(1, directory, client, runtime, "127.0.0.1:6198", requests)

	buf := NewFrame(nil, 0, 8)
	buf.WriteInt64(1)
	fut := ref.Submit(buf)

	require.Eventually(t, func() bool { return requests.Size() == 1 }, time.Second, time.Millisecond)

	// drop the server; the client's socket sees EOF
	server.Shutdown()
	require.True(t, server.AwaitTermination(5*time.Second))

	_, err := fut.Await(5 * time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodeConnectionLost), fmt.Sprintf("got %v", err))
	require.Equal(t, 0, requests.Size())
}
