// rpc_sm.go

// Session management: session creation and teardown, and the handlers
// for incoming control packets. Everything here runs on the creator
// thread; the Nexus inbox serializes state transitions per session.

package erpc

import "go.uber.org/zap"

// CreateSession connects to the Rpc remRpcID at remHostname and
// returns the local session number, or a negative status code. A
// Connected or ConnectFailed event follows asynchronously.
func (r *Rpc) CreateSession(remHostname string, remRpcID uint8, remPhyPort uint8) int {
	if !r.inCreator() {
		return StatusWrongThread
	}

	session := newSession(roleClient, r.multiThreaded)
	session.state = SessionStateConnectInProgress
	sessionNum := r.allocSessionNum(session)

	session.client = SessionEndpoint{
		Hostname:    r.nexus.smURI,
		RpcID:       r.rpcID,
		SessionNum:  uint16(sessionNum),
		PhyPort:     r.phyPort,
		RoutingBlob: r.transport.SelfRoutingInfo(),
	}
	session.server = SessionEndpoint{
		Hostname: remHostname,
		RpcID:    remRpcID,
		PhyPort:  remPhyPort,
	}

	r.log.Debug("connect request",
		zap.Int("session", sessionNum), zap.String("remote", remHostname))
	r.nexus.sendSm(SmPkt{
		PktType: SmPktConnectReq,
		Client:  session.client,
		Server:  session.server,
	})
	return sessionNum
}

// DestroySession disconnects a connected, idle client session. A
// Disconnected event follows asynchronously.
func (r *Rpc) DestroySession(sessionNum int) int {
	if !r.inCreator() {
		return StatusWrongThread
	}
	session := r.sessionByNum(sessionNum)
	if session == nil {
		return StatusInvalidSessionNum
	}
	if !session.isClient() {
		return StatusInvalidRole
	}
	if !session.isConnected() {
		return StatusSessionNotConnect
	}
	if session.numFreeSlots() != SessionReqWindow {
		return StatusSessionBusy
	}

	session.state = SessionStateDisconnectInProgress
	r.nexus.sendSm(SmPkt{
		PktType: SmPktDisconnectReq,
		Client:  session.client,
		Server:  session.server,
	})
	return StatusOK
}

// allocSessionNum places a session in the vector, reusing tombstones.
func (r *Rpc) allocSessionNum(session *Session) int {
	for i, s := range r.sessionVec {
		if s == nil {
			r.sessionVec[i] = session
			return i
		}
	}
	r.sessionVec = append(r.sessionVec, session)
	return len(r.sessionVec) - 1
}

// sessionByNum validates a user session number.
func (r *Rpc) sessionByNum(sessionNum int) *Session {
	if sessionNum < 0 || sessionNum >= len(r.sessionVec) {
		return nil
	}
	return r.sessionVec[sessionNum]
}

// burySession frees engine-owned slot resources. Caller-owned payload
// buffers are never touched.
func (r *Rpc) burySession(session *Session) {
	for i := range session.sslots {
		sslot := &session.sslots[i]
		if session.isServer() {
			r.buryTxMsgBuf(sslot)
		} else {
			buryTxMsgBufNoFree(sslot)
		}
		r.buryRxMsgBuf(sslot)
	}
	session.state = SessionStateDisconnected
}

// handleSm drains the Nexus inbox and runs the control handlers.
func (r *Rpc) handleSm() {
	for _, pkt := range r.hook.drainSm() {
		switch pkt.PktType {
		case SmPktConnectReq:
			r.handleConnectReq(pkt)
		case SmPktConnectResp:
			r.handleConnectResp(pkt)
		case SmPktDisconnectReq:
			r.handleDisconnectReq(pkt)
		case SmPktDisconnectResp:
			r.handleDisconnectResp(pkt)
		case SmPktFaultResetPeer:
			r.handlePeerReset(pkt.Server.Hostname)
		case SmPktFaultDropTxRemote:
			r.faults.dropTxLocal = true
			r.faults.dropTxLocalCountdown = int(pkt.GenData)
		default:
			r.log.Warn("unknown sm packet dropped", zap.Stringer("pkt", pkt))
		}
	}
}

// handleConnectReq runs at the server end of a new session.
func (r *Rpc) handleConnectReq(pkt SmPkt) {
	resp := pkt
	resp.PktType = SmPktConnectResp

	clientRinfo, err := r.transport.Resolve(pkt.Client.RoutingBlob)
	if err != nil {
		r.log.Warn("connect request with unresolvable routing info", zap.Error(err))
		resp.ErrType = SmErrRoutingResolutionFailure
		r.nexus.sendSm(resp)
		return
	}

	session := newSession(roleServer, r.multiThreaded)
	session.state = SessionStateConnected
	sessionNum := r.allocSessionNum(session)

	session.client = pkt.Client
	session.server = SessionEndpoint{
		Hostname:    r.nexus.smURI,
		RpcID:       r.rpcID,
		SessionNum:  uint16(sessionNum),
		PhyPort:     r.phyPort,
		RoutingBlob: r.transport.SelfRoutingInfo(),
	}
	session.remoteRoutingInfo = clientRinfo

	r.log.Debug("session accepted",
		zap.Int("session", sessionNum), zap.Stringer("client", pkt.Client))
	resp.Server = session.server
	r.nexus.sendSm(resp)
}

// handleConnectResp runs at the client end.
func (r *Rpc) handleConnectResp(pkt SmPkt) {
	sessionNum := int(pkt.Client.SessionNum)
	session := r.sessionByNum(sessionNum)
	if session == nil || session.state != SessionStateConnectInProgress {
		r.log.Warn("stale connect response dropped", zap.Stringer("pkt", pkt))
		return
	}

	fail := func(errType SmErrType) {
		r.burySession(session)
		r.sessionVec[sessionNum] = nil
		r.smHandler(sessionNum, SmEventConnectFailed, errType, r.ctx)
	}

	if pkt.ErrType != SmErrNoError {
		fail(pkt.ErrType)
		return
	}
	if r.faults.resolveServerRinfo {
		r.log.Warn("fault injection: failing server routing resolution",
			zap.Int("session", sessionNum))
		fail(SmErrRoutingResolutionFailure)
		return
	}
	serverRinfo, err := r.transport.Resolve(pkt.Server.RoutingBlob)
	if err != nil {
		r.log.Warn("connect response with unresolvable routing info", zap.Error(err))
		fail(SmErrRoutingResolutionFailure)
		return
	}

	session.server = pkt.Server
	session.remoteRoutingInfo = serverRinfo
	session.state = SessionStateConnected
	r.smHandler(sessionNum, SmEventConnected, SmErrNoError, r.ctx)
}

// handleDisconnectReq runs at the server end.
func (r *Rpc) handleDisconnectReq(pkt SmPkt) {
	sessionNum := int(pkt.Server.SessionNum)
	session := r.sessionByNum(sessionNum)
	if session == nil || !session.isServer() {
		r.log.Warn("disconnect request for unknown session", zap.Stringer("pkt", pkt))
		return
	}
	r.burySession(session)
	r.sessionVec[sessionNum] = nil

	resp := pkt
	resp.PktType = SmPktDisconnectResp
	r.nexus.sendSm(resp)
}

// handleDisconnectResp runs at the client end.
func (r *Rpc) handleDisconnectResp(pkt SmPkt) {
	sessionNum := int(pkt.Client.SessionNum)
	session := r.sessionByNum(sessionNum)
	if session == nil || session.state != SessionStateDisconnectInProgress {
		r.log.Warn("stale disconnect response dropped", zap.Stringer("pkt", pkt))
		return
	}
	r.burySession(session)
	r.sessionVec[sessionNum] = nil
	r.smHandler(sessionNum, SmEventDisconnected, SmErrNoError, r.ctx)
}

// handlePeerReset tears down every session to hostname in one pass.
func (r *Rpc) handlePeerReset(hostname string) {
	for i, session := range r.sessionVec {
		if session == nil || session.remoteHostname() != hostname {
			continue
		}
		r.log.Warn("session reset by peer failure",
			zap.Int("session", i), zap.String("host", hostname))
		r.burySession(session)
		r.sessionVec[i] = nil
		r.smHandler(i, SmEventReset, SmErrSessionReset, r.ctx)
	}
}
