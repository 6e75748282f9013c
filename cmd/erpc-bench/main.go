// Command erpc-bench measures request latency and throughput over the
// in-process loopback transport, with one client and one server
// endpoint driven from separate creator goroutines.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	erpc "github.com/jacnel/eRPC"
)

var (
	msgSize     = flag.Int("size", 64, "request and response payload bytes")
	numRequests = flag.Int("n", 100000, "number of requests to run")
	profileMode = flag.String("profile", "", "enable profiling: cpu or mem")
	verbose     = flag.Bool("v", false, "verbose engine logging")
)

const (
	benchReqType  = 1
	clientRpcID   = 0
	serverRpcID   = 1
	maxDataPerPkt = 4096
	postlist      = 16
	recvDepth     = 512
)

type endpointCtx struct {
	rpc *erpc.Rpc
}

func benchHandler(req erpc.ReqHandle, ctx interface{}) {
	rpc := ctx.(*endpointCtx).rpc
	data := req.ReqMsgBuf().CopyOut()
	resp := rpc.AllocMsgBuffer(len(data))
	if !resp.IsValid() {
		log.Fatal("server out of message buffers")
	}
	resp.CopyIn(data)
	req.DynRespMsgBuf = resp
	rpc.EnqueueResponse(req)
}

func main() {
	flag.Parse()

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile).Stop()
	case "":
	default:
		log.Fatalf("unknown profile mode %q", *profileMode)
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			log.Fatal(err)
		}
	}

	nexus, err := erpc.NewNexus(erpc.NexusConfig{SmURI: "bench", Logger: logger})
	if err != nil {
		log.Fatal(err)
	}
	defer nexus.Close()

	if err := nexus.RegisterReqFunc(benchReqType, erpc.ReqFunc{Func: benchHandler}); err != nil {
		log.Fatal(err)
	}

	lo := erpc.NewLoopbackNetwork()
	serverReady := make(chan struct{})
	serverDone := make(chan struct{})
	var stop atomic.Bool

	// The server endpoint lives on its own creator goroutine.
	go func() {
		defer close(serverDone)
		sctx := &endpointCtx{}
		server, err := erpc.NewRpc(nexus, erpc.RpcConfig{
			RpcID:     serverRpcID,
			Transport: lo.NewTransport("server", maxDataPerPkt, postlist, recvDepth),
			SmHandler: func(int, erpc.SmEventType, erpc.SmErrType, interface{}) {},
			Context:   sctx,
		})
		if err != nil {
			log.Fatal(err)
		}
		sctx.rpc = server
		defer server.Close()
		close(serverReady)
		for !stop.Load() {
			server.RunEventLoopOnce()
		}
	}()
	<-serverReady

	cctx := &endpointCtx{}
	connected := make(chan struct{})
	client, err := erpc.NewRpc(nexus, erpc.RpcConfig{
		RpcID:     clientRpcID,
		Transport: lo.NewTransport("client", maxDataPerPkt, postlist, recvDepth),
		SmHandler: func(sessionNum int, event erpc.SmEventType, errType erpc.SmErrType, _ interface{}) {
			if event == erpc.SmEventConnected {
				close(connected)
			} else if event == erpc.SmEventConnectFailed {
				log.Fatalf("connect failed: %v", errType)
			}
		},
		Context: cctx,
	})
	if err != nil {
		log.Fatal(err)
	}
	cctx.rpc = client
	defer client.Close()

	sess := client.CreateSession("bench", serverRpcID, 0)
	if sess < 0 {
		log.Fatalf("create session: %s", erpc.StatusText(sess))
	}
	for {
		client.RunEventLoopOnce()
		select {
		case <-connected:
		default:
			continue
		}
		break
	}

	buf := client.AllocMsgBuffer(*msgSize)
	if !buf.IsValid() {
		log.Fatal("client out of message buffers")
	}
	for i := 0; i < *msgSize; i++ {
		buf.Data()[i] = byte(i)
	}

	latencies := make([]time.Duration, 0, *numRequests)
	start := time.Now()
	for i := 0; i < *numRequests; i++ {
		done := false
		reqStart := time.Now()
		cont := func(resp erpc.RespHandle, _ interface{}, _ uint64) {
			latencies = append(latencies, time.Since(reqStart))
			client.ReleaseResponse(resp)
			done = true
		}
		if rc := client.EnqueueRequest(sess, benchReqType, &buf, cont, uint64(i)); rc != 0 {
			log.Fatalf("enqueue request: %s", erpc.StatusText(rc))
		}
		for !done {
			client.RunEventLoopOnce()
		}
	}
	elapsed := time.Since(start)
	client.FreeMsgBuffer(buf)

	stop.Store(true)
	<-serverDone

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		return latencies[int(float64(len(latencies)-1)*p)]
	}
	fmt.Printf("requests:   %d x %d B\n", *numRequests, *msgSize)
	fmt.Printf("throughput: %.0f req/s\n", float64(*numRequests)/elapsed.Seconds())
	fmt.Printf("latency:    p50 %v  p99 %v  max %v\n", pct(0.50), pct(0.99), latencies[len(latencies)-1])
}
