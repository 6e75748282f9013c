package erpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Request types served by the test endpoints.
const (
	reqTypeEcho   = 1 // respond with the request payload
	reqTypeFixed8 = 2 // respond with eight fixed bytes
	reqTypeBig3K  = 3 // respond with a 3072 byte pattern
	reqTypeBgEcho = 4 // echo, handled on the worker pool
)

var fixed8Payload = []byte{1, 2, 3, 4, 5, 6, 7, 8}

func big3KPayload() []byte {
	out := make([]byte, 3072)
	for i := range out {
		out[i] = byte(i * 3)
	}
	return out
}

type smEvent struct {
	sessionNum int
	event      SmEventType
	errType    SmErrType
}

// testPeer is one endpoint under test; it doubles as the Rpc context.
type testPeer struct {
	rpc     *Rpc
	events  []smEvent
	lastReq []byte
}

func (p *testPeer) smHandler(sessionNum int, event SmEventType, errType SmErrType, ctx interface{}) {
	p.events = append(p.events, smEvent{sessionNum, event, errType})
}

func (p *testPeer) hasEvent(event SmEventType) bool {
	for _, e := range p.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func (p *testPeer) respond(req ReqHandle, payload []byte) {
	resp := p.rpc.AllocMsgBuffer(len(payload))
	if !resp.IsValid() {
		panic("test handler out of memory")
	}
	resp.CopyIn(payload)
	req.DynRespMsgBuf = resp
	p.rpc.EnqueueResponse(req)
}

func echoHandler(req ReqHandle, ctx interface{}) {
	p := ctx.(*testPeer)
	p.lastReq = req.ReqMsgBuf().CopyOut()
	p.respond(req, p.lastReq)
}

func fixed8Handler(req ReqHandle, ctx interface{}) {
	p := ctx.(*testPeer)
	p.lastReq = req.ReqMsgBuf().CopyOut()
	p.respond(req, fixed8Payload)
}

func big3KHandler(req ReqHandle, ctx interface{}) {
	p := ctx.(*testPeer)
	p.lastReq = req.ReqMsgBuf().CopyOut()
	p.respond(req, big3KPayload())
}

type envOpts struct {
	bgThreads       int
	bgContinuations bool
	failOnLoss      bool
}

type testEnv struct {
	t      *testing.T
	nexus  *Nexus
	lo     *LoopbackNetwork
	client *testPeer
	server *testPeer
	sess   int
}

const (
	testClientRpcID = 0
	testServerRpcID = 1
)

func newTestEnv(t *testing.T, opts envOpts) *testEnv {
	e := &testEnv{
		t:      t,
		lo:     NewLoopbackNetwork(),
		client: &testPeer{},
		server: &testPeer{},
	}

	nexus, err := NewNexus(NexusConfig{
		SmURI:        t.Name(),
		NumBgThreads: opts.bgThreads,
	})
	require.NoError(t, err)
	e.nexus = nexus

	require.NoError(t, nexus.RegisterReqFunc(reqTypeEcho, ReqFunc{Func: echoHandler}))
	require.NoError(t, nexus.RegisterReqFunc(reqTypeFixed8, ReqFunc{Func: fixed8Handler}))
	require.NoError(t, nexus.RegisterReqFunc(reqTypeBig3K, ReqFunc{Func: big3KHandler}))
	if opts.bgThreads > 0 {
		require.NoError(t, nexus.RegisterReqFunc(reqTypeBgEcho,
			ReqFunc{Func: echoHandler, Type: ReqFuncBackground}))
	}

	serverRpc, err := NewRpc(nexus, RpcConfig{
		RpcID:     testServerRpcID,
		Transport: e.lo.NewTransport("server", 1024, 16, 64),
		SmHandler: e.server.smHandler,
		Context:   e.server,
	})
	require.NoError(t, err)
	e.server.rpc = serverRpc

	clientRpc, err := NewRpc(nexus, RpcConfig{
		RpcID:                testClientRpcID,
		Transport:            e.lo.NewTransport("client", 1024, 16, 64),
		SmHandler:            e.client.smHandler,
		Context:              e.client,
		SessionFailureOnLoss: opts.failOnLoss,
		BgContinuations:      opts.bgContinuations,
	})
	require.NoError(t, err)
	e.client.rpc = clientRpc

	e.sess = clientRpc.CreateSession(t.Name(), testServerRpcID, 0)
	require.GreaterOrEqual(t, e.sess, 0)
	e.pumpUntil(func() bool { return e.client.hasEvent(SmEventConnected) }, "connect")
	e.resetStats()
	return e
}

func (e *testEnv) close() {
	e.client.rpc.Close()
	e.server.rpc.Close()
	e.nexus.Close()
}

func (e *testEnv) pump(n int) {
	for i := 0; i < n; i++ {
		e.client.rpc.RunEventLoopOnce()
		e.server.rpc.RunEventLoopOnce()
	}
}

func (e *testEnv) pumpUntil(cond func() bool, what string) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			require.FailNow(e.t, "timed out waiting for "+what)
		}
		e.pump(1)
		time.Sleep(50 * time.Microsecond)
	}
}

func (e *testEnv) resetStats() {
	e.client.rpc.dpathStats.txPkts = 0
	e.client.rpc.dpathStats.rxPkts = 0
	e.server.rpc.dpathStats.txPkts = 0
	e.server.rpc.dpathStats.rxPkts = 0
}

func (e *testEnv) clientSession() *Session {
	return e.client.rpc.sessionVec[e.sess]
}

// contRecorder collects continuation firings and releases the slot.
type contRecorder struct {
	rpc   *Rpc
	data  []byte
	tag   uint64
	fired int
}

func (c *contRecorder) cont(resp RespHandle, ctx interface{}, tag uint64) {
	c.data = resp.RespMsgBuf().CopyOut()
	c.tag = tag
	c.fired++
	c.rpc.ReleaseResponse(resp)
}

// doRequest runs one exchange to completion and returns the recorder.
func (e *testEnv) doRequest(reqType uint8, payload []byte, tag uint64) *contRecorder {
	buf := e.client.rpc.AllocMsgBuffer(len(payload))
	require.True(e.t, buf.IsValid())
	buf.CopyIn(payload)

	rec := &contRecorder{rpc: e.client.rpc}
	require.Equal(e.t, StatusOK,
		e.client.rpc.EnqueueRequest(e.sess, reqType, &buf, rec.cont, tag))
	e.pumpUntil(func() bool { return rec.fired > 0 }, "continuation")
	e.client.rpc.FreeMsgBuffer(buf)
	return rec
}

// Scenario: single-packet echo.
func Test_Rpc_SinglePacketEcho(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	payload := bytes.Repeat([]byte{0xab}, 64)
	rec := e.doRequest(reqTypeEcho, payload, 0xfeed)

	assert.Equal(t, 1, rec.fired)
	assert.Equal(t, payload, rec.data)
	assert.Equal(t, uint64(0xfeed), rec.tag)

	session := e.clientSession()
	assert.Equal(t, SessionCredits, session.credits)
	assert.Equal(t, SessionReqWindow, session.numFreeSlots())
}

// Scenario: multi-packet request. Four request packets go out, the
// server refunds three credits explicitly, and the handler sees the
// reassembled payload.
func Test_Rpc_MultiPacketRequest(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	rec := e.doRequest(reqTypeFixed8, payload, 7)

	assert.Equal(t, 1, rec.fired)
	assert.Equal(t, fixed8Payload, rec.data)
	assert.Equal(t, payload, e.server.lastReq)

	// 4 request packets from the client; 3 credit returns plus 1
	// response packet from the server.
	assert.Equal(t, uint64(4), e.client.rpc.dpathStats.txPkts)
	assert.Equal(t, uint64(4), e.server.rpc.dpathStats.txPkts)
	assert.Equal(t, SessionCredits, e.clientSession().credits)
}

// Scenario: multi-packet response pulled by request-for-response
// packets.
func Test_Rpc_MultiPacketResponseWithRFR(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	rec := e.doRequest(reqTypeBig3K, []byte{0x11}, 9)

	assert.Equal(t, 1, rec.fired)
	assert.Equal(t, big3KPayload(), rec.data)

	// 1 request plus 2 request-for-response packets from the client;
	// 3 response packets from the server.
	assert.Equal(t, uint64(3), e.client.rpc.dpathStats.txPkts)
	assert.Equal(t, uint64(3), e.server.rpc.dpathStats.txPkts)
	assert.Equal(t, SessionCredits, e.clientSession().credits)
}

// Scenario: credit saturation. A request longer than the credit
// window stalls at SessionCredits packets until returns arrive.
func Test_Rpc_CreditSaturation(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	payload := make([]byte, 16*1024) // twice the credit window in packets
	buf := e.client.rpc.AllocMsgBuffer(len(payload))
	require.True(t, buf.IsValid())
	buf.CopyIn(payload)

	rec := &contRecorder{rpc: e.client.rpc}
	require.Equal(t, StatusOK,
		e.client.rpc.EnqueueRequest(e.sess, reqTypeFixed8, &buf, rec.cont, 0))

	// Only the client runs: transmission must stop at the window.
	for i := 0; i < 4; i++ {
		e.client.rpc.RunEventLoopOnce()
	}
	session := e.clientSession()
	var inFlight *SSlot
	for i := range session.sslots {
		if session.sslots[i].txMsgBuf != nil {
			inFlight = &session.sslots[i]
		}
	}
	require.NotNil(t, inFlight)
	assert.Equal(t, SessionCredits, inFlight.pktsQueued)
	assert.Equal(t, 0, session.credits)

	// With the server running the request completes.
	e.pumpUntil(func() bool { return rec.fired > 0 }, "continuation")
	assert.Equal(t, payload, e.server.lastReq)
	assert.Equal(t, SessionCredits, session.credits)
	e.client.rpc.FreeMsgBuffer(buf)
}

// Scenario: local drop and recovery by retransmission.
func Test_Rpc_LocalDropRetransmit(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	require.NoError(t, e.client.rpc.FaultInjectDropTxLocal(0))

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i ^ 0x55)
	}
	rec := e.doRequest(reqTypeFixed8, payload, 3)

	assert.Equal(t, 1, rec.fired)
	assert.Equal(t, payload, e.server.lastReq)
	assert.GreaterOrEqual(t, e.client.rpc.dpathStats.retransmits, uint64(1))
	assert.Equal(t, SessionCredits, e.clientSession().credits)
	assert.Equal(t, SessionReqWindow, e.clientSession().numFreeSlots())
}

// Scenario: local drop with loss configured to fail the session.
func Test_Rpc_LocalDropSessionFailure(t *testing.T) {
	e := newTestEnv(t, envOpts{failOnLoss: true})
	defer e.close()

	require.NoError(t, e.client.rpc.FaultInjectDropTxLocal(0))

	buf := e.client.rpc.AllocMsgBuffer(64)
	require.True(t, buf.IsValid())
	buf.CopyIn(bytes.Repeat([]byte{1}, 64))

	rec := &contRecorder{rpc: e.client.rpc}
	require.Equal(t, StatusOK,
		e.client.rpc.EnqueueRequest(e.sess, reqTypeEcho, &buf, rec.cont, 0))

	e.pumpUntil(func() bool { return e.client.hasEvent(SmEventReset) }, "session reset")
	assert.Equal(t, 0, rec.fired)
	assert.Nil(t, e.client.rpc.sessionVec[e.sess])
	e.client.rpc.FreeMsgBuffer(buf)
}

// Scenario: session reuse. The session vector reuses tombstoned
// indices and no engine-side allocations leak.
func Test_Rpc_SessionReuseNoLeaks(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	first := e.sess
	for round := 0; round < 3; round++ {
		rec := e.doRequest(reqTypeEcho, []byte{0xcc}, uint64(round))
		assert.Equal(t, 1, rec.fired)

		require.Equal(t, StatusOK, e.client.rpc.DestroySession(e.sess))
		e.pumpUntil(func() bool { return e.client.hasEvent(SmEventDisconnected) }, "disconnect")
		e.client.events = nil

		e.sess = e.client.rpc.CreateSession(t.Name(), testServerRpcID, 0)
		require.Equal(t, first, e.sess)
		e.pumpUntil(func() bool { return e.client.hasEvent(SmEventConnected) }, "reconnect")
		e.client.events = nil
	}

	assert.Equal(t, 0, e.client.rpc.StatUserAllocTot())
	assert.Equal(t, 0, e.server.rpc.StatUserAllocTot())
}

// Successive requests on one slot use strictly increasing request
// numbers, advancing by the window size.
func Test_Rpc_ReqNumMonotonic(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	var reqNums []uint64
	for i := 0; i < 4; i++ {
		buf := e.client.rpc.AllocMsgBuffer(8)
		require.True(t, buf.IsValid())
		buf.CopyIn([]byte{0, 1, 2, 3, 4, 5, 6, 7})

		rec := &contRecorder{rpc: e.client.rpc}
		var gotReqNum uint64
		cont := func(resp RespHandle, ctx interface{}, tag uint64) {
			gotReqNum = resp.reqNum
			rec.cont(resp, ctx, tag)
		}
		require.Equal(t, StatusOK,
			e.client.rpc.EnqueueRequest(e.sess, reqTypeEcho, &buf, cont, 0))
		e.pumpUntil(func() bool { return rec.fired > 0 }, "continuation")
		e.client.rpc.FreeMsgBuffer(buf)
		reqNums = append(reqNums, gotReqNum)
	}

	for i := 1; i < len(reqNums); i++ {
		assert.Equal(t, reqNums[i-1]+SessionReqWindow, reqNums[i])
		assert.Equal(t, reqNums[0]&reqWindowMask, reqNums[i]&reqWindowMask)
	}
}

// Datapath misuse surfaces as synchronous status codes.
func Test_Rpc_EnqueueRequestErrors(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	buf := e.client.rpc.AllocMsgBuffer(8)
	require.True(t, buf.IsValid())
	buf.CopyIn([]byte{1, 1, 1, 1, 1, 1, 1, 1})
	rec := &contRecorder{rpc: e.client.rpc}

	assert.Equal(t, StatusInvalidSessionNum,
		e.client.rpc.EnqueueRequest(99, reqTypeEcho, &buf, rec.cont, 0))
	assert.Equal(t, StatusInvalidSessionNum,
		e.client.rpc.EnqueueRequest(-1, reqTypeEcho, &buf, rec.cont, 0))

	var invalid MsgBuffer
	assert.Equal(t, StatusInvalidMsgBuffer,
		e.client.rpc.EnqueueRequest(e.sess, reqTypeEcho, &invalid, rec.cont, 0))

	// The server half of the session rejects client-side enqueue.
	assert.Equal(t, StatusInvalidRole,
		e.server.rpc.EnqueueRequest(0, reqTypeEcho, &buf, rec.cont, 0))

	// Exhaust the slot window.
	bufs := make([]MsgBuffer, 0, SessionReqWindow)
	for i := 0; i < SessionReqWindow; i++ {
		b := e.client.rpc.AllocMsgBuffer(8)
		require.True(t, b.IsValid())
		b.CopyIn([]byte{2, 2, 2, 2, 2, 2, 2, 2})
		bufs = append(bufs, b)
		require.Equal(t, StatusOK,
			e.client.rpc.EnqueueRequest(e.sess, reqTypeEcho, &bufs[i], rec.cont, 0))
	}
	assert.Equal(t, StatusNoFreeSlots,
		e.client.rpc.EnqueueRequest(e.sess, reqTypeEcho, &buf, rec.cont, 0))

	// A busy session cannot be destroyed.
	assert.Equal(t, StatusSessionBusy, e.client.rpc.DestroySession(e.sess))

	e.pumpUntil(func() bool { return rec.fired == SessionReqWindow }, "all continuations")
	for i := range bufs {
		e.client.rpc.FreeMsgBuffer(bufs[i])
	}
	e.client.rpc.FreeMsgBuffer(buf)
	assert.Equal(t, SessionReqWindow, e.clientSession().numFreeSlots())
}

// Background request handlers and continuations run on the worker
// pool; the creator thread only drains the response TX queue.
func Test_Rpc_BackgroundHandlerAndContinuation(t *testing.T) {
	defer leaktest.Check(t)()

	e := newTestEnv(t, envOpts{bgThreads: 2, bgContinuations: true})

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	buf := e.client.rpc.AllocMsgBuffer(len(payload))
	require.True(t, buf.IsValid())
	buf.CopyIn(payload)

	done := make(chan []byte, 1)
	cont := func(resp RespHandle, ctx interface{}, tag uint64) {
		data := resp.RespMsgBuf().CopyOut()
		e.client.rpc.ReleaseResponse(resp)
		done <- data
	}
	require.Equal(t, StatusOK,
		e.client.rpc.EnqueueRequest(e.sess, reqTypeBgEcho, &buf, cont, 0))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case data := <-done:
			assert.Equal(t, payload, data)
			e.client.rpc.FreeMsgBuffer(buf)
			e.pumpUntil(func() bool {
				return e.clientSession().numFreeSlots() == SessionReqWindow
			}, "slot release")
			e.close()
			return
		case <-deadline:
			e.close()
			require.FailNow(t, "timed out waiting for background echo")
		default:
			e.pump(1)
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// Connecting to an unknown Rpc fails with a connect-failed event.
func Test_Rpc_ConnectToUnknownRpcFails(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	sess := e.client.rpc.CreateSession(t.Name(), 77, 0)
	require.GreaterOrEqual(t, sess, 0)
	e.pumpUntil(func() bool { return e.client.hasEvent(SmEventConnectFailed) }, "connect failure")

	var got smEvent
	for _, ev := range e.client.events {
		if ev.event == SmEventConnectFailed {
			got = ev
		}
	}
	assert.Equal(t, SmErrInvalidRemoteRpcID, got.errType)
	assert.Nil(t, e.client.rpc.sessionVec[sess])
}
