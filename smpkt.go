// smpkt.go

package erpc

import "fmt"

// SmPktType enumerates session management packet types.
type SmPktType int

const (
	// SmPktConnectReq asks a server to accept a new session.
	SmPktConnectReq SmPktType = iota
	// SmPktConnectResp answers a connect request.
	SmPktConnectResp
	// SmPktDisconnectReq asks a server to tear a session down.
	SmPktDisconnectReq
	// SmPktDisconnectResp answers a disconnect request.
	SmPktDisconnectResp
	// SmPktFaultResetPeer tells an endpoint its side-channel peer reset.
	SmPktFaultResetPeer
	// SmPktFaultDropTxRemote arms a drop-TX fault at the remote server.
	SmPktFaultDropTxRemote
)

var smPktTypeTexts = map[SmPktType]string{
	SmPktConnectReq:        "connect-req",
	SmPktConnectResp:       "connect-resp",
	SmPktDisconnectReq:     "disconnect-req",
	SmPktDisconnectResp:    "disconnect-resp",
	SmPktFaultResetPeer:    "fault-reset-peer",
	SmPktFaultDropTxRemote: "fault-drop-tx-remote",
}

func (t SmPktType) String() string {
	if s, ok := smPktTypeTexts[t]; ok {
		return s
	}
	return fmt.Sprintf("SmPktType(%d)", int(t))
}

// isSmReqType returns true for packets that travel client to server.
func isSmReqType(t SmPktType) bool {
	switch t {
	case SmPktConnectReq, SmPktDisconnectReq, SmPktFaultDropTxRemote:
		return true
	}
	return false
}

// SmErrType is the error carried by a session management response.
type SmErrType int

const (
	// SmErrNoError means success.
	SmErrNoError SmErrType = iota
	// SmErrRoutingResolutionFailure means a routing blob did not resolve.
	SmErrRoutingResolutionFailure
	// SmErrInvalidRemoteRpcID means no such Rpc at the server host.
	SmErrInvalidRemoteRpcID
	// SmErrInvalidRemotePort means the physical port was out of range.
	SmErrInvalidRemotePort
	// SmErrSessionReset means the peer was reset under the session.
	SmErrSessionReset
	// SmErrPktLoss means loss detection gave the session up.
	SmErrPktLoss
)

var smErrTypeTexts = map[SmErrType]string{
	SmErrNoError:                  "no error",
	SmErrRoutingResolutionFailure: "routing resolution failure",
	SmErrInvalidRemoteRpcID:       "invalid remote rpc id",
	SmErrInvalidRemotePort:        "invalid remote port",
	SmErrSessionReset:             "session reset",
	SmErrPktLoss:                  "packet loss",
}

func (t SmErrType) String() string {
	if s, ok := smErrTypeTexts[t]; ok {
		return s
	}
	return fmt.Sprintf("SmErrType(%d)", int(t))
}

// SmEventType is the event class delivered to the application's
// session management handler.
type SmEventType int

const (
	// SmEventConnected fires when a session reaches connected.
	SmEventConnected SmEventType = iota
	// SmEventConnectFailed fires when a connect attempt dies.
	SmEventConnectFailed
	// SmEventDisconnected fires when a disconnect completes.
	SmEventDisconnected
	// SmEventReset fires when a session is torn down by fault or loss.
	SmEventReset
)

var smEventTypeTexts = map[SmEventType]string{
	SmEventConnected:     "connected",
	SmEventConnectFailed: "connect failed",
	SmEventDisconnected:  "disconnected",
	SmEventReset:         "session reset",
}

func (t SmEventType) String() string {
	if s, ok := smEventTypeTexts[t]; ok {
		return s
	}
	return fmt.Sprintf("SmEventType(%d)", int(t))
}

// SmHandler receives asynchronous session management events.
type SmHandler func(sessionNum int, event SmEventType, errType SmErrType, ctx interface{})

// SmPkt is one session management packet. It travels over the side
// channel, never the datapath transport.
type SmPkt struct {
	PktType SmPktType       `json:"pkt_type"`
	ErrType SmErrType       `json:"err_type"`
	Client  SessionEndpoint `json:"client"`
	Server  SessionEndpoint `json:"server"`
	// GenData carries packet-type specific data, e.g. a fault countdown.
	GenData uint64 `json:"gen_data"`
}

func (p SmPkt) String() string {
	return fmt.Sprintf("[SmPkt %s err %s client %s server %s]",
		p.PktType, p.ErrType, p.Client, p.Server)
}

// destHostname returns the side-channel host this packet is for.
func (p SmPkt) destHostname() string {
	if isSmReqType(p.PktType) {
		return p.Server.Hostname
	}
	return p.Client.Hostname
}

// destRpcID returns the Rpc the packet is for at the destination host.
func (p SmPkt) destRpcID() uint8 {
	if isSmReqType(p.PktType) {
		return p.Server.RpcID
	}
	return p.Client.RpcID
}
