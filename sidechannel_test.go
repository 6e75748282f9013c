package erpc

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SmPkt_JSONRoundTrip(t *testing.T) {
	pkt := SmPkt{
		PktType: SmPktConnectResp,
		ErrType: SmErrRoutingResolutionFailure,
		Client: SessionEndpoint{
			Hostname:    "client-host",
			RpcID:       1,
			SessionNum:  3,
			PhyPort:     0,
			RoutingBlob: []byte("client"),
		},
		Server: SessionEndpoint{
			Hostname:    "127.0.0.1:9999",
			RpcID:       2,
			SessionNum:  7,
			RoutingBlob: []byte{0x00, 0xff, 0x10},
		},
		GenData: 42,
	}

	data, err := json.Marshal(pkt)
	require.NoError(t, err)
	var got SmPkt
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, pkt, got)
	assert.True(t, bytes.Equal(pkt.Server.RoutingBlob, got.Server.RoutingBlob))
}

// Two Nexuses, one listening on a side channel, connect a session: the
// client addresses the server by its bound listen address. Both Nexuses
// live in this process and the listening one is registered in-process
// under that address, so the handshake is routed without the WebSocket.
func Test_SideChannel_ConnectAcrossNexuses(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	lo := NewLoopbackNetwork()

	serverNexus, err := NewNexus(NexusConfig{
		SmURI:             "127.0.0.1:0",
		ListenSideChannel: true,
	})
	require.NoError(t, err)
	serverAddr := serverNexus.SideChannelAddr()
	require.NotEmpty(t, serverAddr)

	require.NoError(t, serverNexus.RegisterReqFunc(reqTypeEcho, ReqFunc{Func: echoHandler}))

	clientNexus, err := NewNexus(NexusConfig{SmURI: t.Name() + "-client"})
	require.NoError(t, err)

	server := &testPeer{}
	serverRpc, err := NewRpc(serverNexus, RpcConfig{
		RpcID:     testServerRpcID,
		Transport: lo.NewTransport("server", 1024, 16, 64),
		SmHandler: server.smHandler,
		Context:   server,
	})
	require.NoError(t, err)
	server.rpc = serverRpc

	client := &testPeer{}
	clientRpc, err := NewRpc(clientNexus, RpcConfig{
		RpcID:     testClientRpcID,
		Transport: lo.NewTransport("client", 1024, 16, 64),
		SmHandler: client.smHandler,
		Context:   client,
	})
	require.NoError(t, err)
	client.rpc = clientRpc

	sess := clientRpc.CreateSession(serverAddr, testServerRpcID, 0)
	require.GreaterOrEqual(t, sess, 0)

	deadline := time.Now().Add(5 * time.Second)
	for !client.hasEvent(SmEventConnected) {
		require.True(t, time.Now().Before(deadline), "connect timed out")
		clientRpc.RunEventLoopOnce()
		serverRpc.RunEventLoopOnce()
		time.Sleep(100 * time.Microsecond)
	}

	// The datapath is unaffected by which channel carried the
	// handshake.
	buf := clientRpc.AllocMsgBuffer(32)
	require.True(t, buf.IsValid())
	buf.CopyIn(bytes.Repeat([]byte{0x77}, 32))
	rec := &contRecorder{rpc: clientRpc}
	require.Equal(t, StatusOK, clientRpc.EnqueueRequest(sess, reqTypeEcho, &buf, rec.cont, 5))

	for rec.fired == 0 {
		require.True(t, time.Now().Before(deadline), "echo timed out")
		clientRpc.RunEventLoopOnce()
		serverRpc.RunEventLoopOnce()
		time.Sleep(100 * time.Microsecond)
	}
	assert.Equal(t, bytes.Repeat([]byte{0x77}, 32), rec.data)
	clientRpc.FreeMsgBuffer(buf)

	clientRpc.Close()
	serverRpc.Close()
	clientNexus.Close()
	serverNexus.Close()
}

func Test_Nexus_DuplicateSmURIRejected(t *testing.T) {
	n1, err := NewNexus(NexusConfig{SmURI: t.Name()})
	require.NoError(t, err)
	defer n1.Close()

	_, err = NewNexus(NexusConfig{SmURI: t.Name()})
	assert.Error(t, err)
}

func Test_Nexus_RegisterReqFuncRules(t *testing.T) {
	n, err := NewNexus(NexusConfig{SmURI: t.Name()})
	require.NoError(t, err)
	defer n.Close()

	fn := ReqFunc{Func: echoHandler}
	require.NoError(t, n.RegisterReqFunc(9, fn))
	assert.Error(t, n.RegisterReqFunc(9, fn), "duplicate registration")
	assert.Error(t, n.RegisterReqFunc(10, ReqFunc{}), "nil handler")
	assert.Error(t, n.RegisterReqFunc(11, ReqFunc{Func: echoHandler, Type: ReqFuncBackground}),
		"background handler without workers")

	lo := NewLoopbackNetwork()
	peer := &testPeer{}
	rpc, err := NewRpc(n, RpcConfig{
		RpcID:     0,
		Transport: lo.NewTransport("x", 1024, 16, 64),
		SmHandler: peer.smHandler,
		Context:   peer,
	})
	require.NoError(t, err)
	defer rpc.Close()

	assert.Error(t, n.RegisterReqFunc(12, fn), "frozen after first Rpc")
}

func Test_Nexus_DebugStats(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	defer e.close()

	rec := e.doRequest(reqTypeEcho, []byte{1, 2, 3}, 0)
	require.Equal(t, 1, rec.fired)

	stats := e.nexus.debugStats()
	assert.Equal(t, t.Name(), stats.SmURI)
	require.Equal(t, 2, len(stats.Rpcs))
	for _, rs := range stats.Rpcs {
		assert.Equal(t, 1, rs.ActiveSessions)
		assert.Greater(t, rs.EvLoopCalls, uint64(0))
		assert.Greater(t, rs.TxPkts, uint64(0))
	}
}
