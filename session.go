// session.go

package erpc

import "fmt"

// sessionRole distinguishes the two ends of a session.
type sessionRole int

const (
	roleClient sessionRole = iota
	roleServer
)

// SessionState tracks the connection state machine.
type SessionState int

const (
	// SessionStateUninit is the zero state.
	SessionStateUninit SessionState = iota
	// SessionStateConnectInProgress means a connect request is outstanding.
	SessionStateConnectInProgress
	// SessionStateConnected means the session carries traffic.
	SessionStateConnected
	// SessionStateDisconnectInProgress means a disconnect request is outstanding.
	SessionStateDisconnectInProgress
	// SessionStateDisconnected is terminal.
	SessionStateDisconnected
)

var sessionStateTexts = map[SessionState]string{
	SessionStateUninit:               "uninit",
	SessionStateConnectInProgress:    "connect-in-progress",
	SessionStateConnected:            "connected",
	SessionStateDisconnectInProgress: "disconnect-in-progress",
	SessionStateDisconnected:         "disconnected",
}

func (s SessionState) String() string {
	if t, ok := sessionStateTexts[s]; ok {
		return t
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// SessionEndpoint identifies one end of a session across the session
// management channel.
type SessionEndpoint struct {
	Hostname    string `json:"hostname"`
	RpcID       uint8  `json:"rpc_id"`
	SessionNum  uint16 `json:"session_num"`
	PhyPort     uint8  `json:"phy_port"`
	RoutingBlob []byte `json:"routing_blob"`
}

func (ep SessionEndpoint) String() string {
	return fmt.Sprintf("%s/rpc%d/sess%d", ep.Hostname, ep.RpcID, ep.SessionNum)
}

// Session is the per-peer state: the roles' identities, the credit
// counter, and the fixed slot window. Only the free-slot stack is ever
// touched off the creator thread, so only it sits behind the lock.
type Session struct {
	role  sessionRole
	state SessionState

	client SessionEndpoint
	server SessionEndpoint

	// remoteRoutingInfo is the resolved address of the peer.
	remoteRoutingInfo RoutingInfo

	// credits bounds the client's outstanding packets to the peer.
	// Server sessions do not consume credits.
	credits int

	sslots    [SessionReqWindow]SSlot
	freeSlots []int
	lock      lockCond
}

func newSession(role sessionRole, multiThreaded bool) *Session {
	s := &Session{
		role:    role,
		state:   SessionStateUninit,
		credits: SessionCredits,
	}
	s.lock.enabled = multiThreaded
	s.freeSlots = make([]int, 0, SessionReqWindow)
	for i := 0; i < SessionReqWindow; i++ {
		s.sslots[i] = SSlot{
			session: s,
			index:   i,
			reqNum:  uint64(i),
		}
		s.freeSlots = append(s.freeSlots, i)
	}
	return s
}

func (s *Session) isClient() bool    { return s.role == roleClient }
func (s *Session) isServer() bool    { return s.role == roleServer }
func (s *Session) isConnected() bool { return s.state == SessionStateConnected }

// localSessionNum returns this end's session number.
func (s *Session) localSessionNum() uint16 {
	if s.isClient() {
		return s.client.SessionNum
	}
	return s.server.SessionNum
}

// remoteSessionNum returns the peer's session number.
func (s *Session) remoteSessionNum() uint16 {
	if s.isClient() {
		return s.server.SessionNum
	}
	return s.client.SessionNum
}

// remoteHostname returns the peer's session management hostname.
func (s *Session) remoteHostname() string {
	if s.isClient() {
		return s.server.Hostname
	}
	return s.client.Hostname
}

// popFreeSlot takes a free slot off the stack, or nil if none remain.
func (s *Session) popFreeSlot() *SSlot {
	s.lock.lock()
	defer s.lock.unlock()
	if len(s.freeSlots) == 0 {
		return nil
	}
	idx := s.freeSlots[len(s.freeSlots)-1]
	s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
	return &s.sslots[idx]
}

// pushFreeSlot returns a slot to the stack.
func (s *Session) pushFreeSlot(idx int) {
	s.lock.lock()
	defer s.lock.unlock()
	if len(s.freeSlots) >= SessionReqWindow {
		panic("pushFreeSlot(): free slot stack overflow")
	}
	s.freeSlots = append(s.freeSlots, idx)
}

// numFreeSlots returns the free stack depth.
func (s *Session) numFreeSlots() int {
	s.lock.lock()
	defer s.lock.unlock()
	return len(s.freeSlots)
}
