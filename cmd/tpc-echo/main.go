// tpc-echo runs the engine as an echo server or drives it as a
// ping-pong benchmark client.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tpc "github.com/ehrlich-b/go-tpc"
	"github.com/ehrlich-b/go-tpc/internal/logging"
)

func main() {
	var (
		listen     = flag.String("listen", "", "Run an echo server on this address (e.g. 127.0.0.1:6000)")
		connect    = flag.String("connect", "", "Run a benchmark client against this address")
		loops      = flag.Int("loops", 0, "Number of event loops (default: CPU count)")
		reactor    = flag.String("reactor", "epoll", "Reactor backend: uring, epoll, or poll")
		spin       = flag.Bool("spin", false, "Busy-poll instead of parking")
		requests   = flag.Int("requests", 100000, "Client: total requests to send")
		partitions = flag.Int("partitions", 16, "Client: number of partitions to spread across")
		payload    = flag.Int("payload", 64, "Client: payload bytes per request")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *verbose {
		logging.SetDefault(logging.New(&logging.Config{Level: logging.LevelDebug}))
	}

	opts := tpc.DefaultOptions()
	opts.Eventloops = *loops
	opts.Spin = *spin
	switch *reactor {
	case "uring":
		opts.Reactor = tpc.ReactorCompletionRing
	case "epoll":
		opts.Reactor = tpc.ReactorReadiness
	case "poll":
		opts.Reactor = tpc.ReactorPortable
	default:
		log.Fatalf("unknown reactor %q", *reactor)
	}

	switch {
	case *listen != "":
		runServer(opts, *listen)
	case *connect != "":
		runClient(opts, *connect, *requests, *partitions, *payload)
	default:
		fmt.Fprintln(os.Stderr, "specify -listen or -connect")
		flag.Usage()
		os.Exit(2)
	}
}

func runServer(opts tpc.Options, addr string) {
	engine := tpc.NewEngine(opts)
	if err := engine.Start(); err != nil {
		log.Fatalf("engine start: %v", err)
	}
	srv, err := tpc.StartEchoServer(engine, addr)
	if err != nil {
		log.Fatalf("echo server: %v", err)
	}
	log.Printf("echo server listening on %s (%d loops)", addr, engine.EventloopCount())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Close()
	engine.Shutdown()
	if !engine.AwaitTermination(5 * time.Second) {
		log.Fatalf("engine did not terminate in time")
	}
	snap := engine.Metrics().Snapshot()
	log.Printf("served %d frames, %d bytes in, %d bytes out",
		snap.FramesDecoded, snap.BytesRead, snap.BytesWritten)
}

func runClient(opts tpc.Options, addr string, total, partitions, payloadLen int) {
	engine := tpc.NewEngine(opts)
	if err := engine.Start(); err != nil {
		log.Fatalf("engine start: %v", err)
	}
	defer func() {
		engine.Shutdown()
		engine.AwaitTermination(5 * time.Second)
	}()

	requests := tpc.NewRequests(0)
	runtime := tpc.NewActorRuntime(engine, requests)
	directory := tpc.NewStaticDirectory(tpc.Address(addr))

	refs := make([]*tpc.PartitionActorRef, partitions)
	for p := range refs {
		refs[p] = tpc.NewPartitionActorRef(int32(p), directory, engine, runtime, "", requests)
	}

	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	log.Printf("sending %d requests across %d partitions to %s", total, partitions, addr)
	// bounded window so the outbound queues never hit their soft limit
	const window = 512
	start := time.Now()
	futs := make([]*tpc.RequestFuture, 0, window)
	for sent := 0; sent < total; {
		futs = futs[:0]
		for i := 0; i < window && sent < total; i++ {
			buf := tpc.NewFrame(nil, 0, payloadLen)
			buf.WriteBytes(payload)
			futs = append(futs, refs[sent%partitions].Submit(buf))
			sent++
		}
		for _, fut := range futs {
			resp, err := fut.Result()
			if err != nil {
				log.Fatalf("request %d failed: %v", fut.CallID(), err)
			}
			resp.Release()
		}
	}
	elapsed := time.Since(start)
	log.Printf("%d round trips in %s (%.0f req/s)",
		total, elapsed, float64(total)/elapsed.Seconds())
}
