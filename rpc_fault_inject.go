// rpc_fault_inject.go

// Test hooks that deterministically elide transmissions or break
// routing resolution. All knobs are creator-thread-only and, where a
// session is named, require it to be a connected client session.

package erpc

import "github.com/pkg/errors"

// faultInjectCheckOk verifies the caller may inject faults.
func (r *Rpc) faultInjectCheckOk() error {
	if !r.inCreator() {
		return errors.New("fault injection from non-creator thread")
	}
	return nil
}

// faultInjectSession validates a session named by a fault knob.
func (r *Rpc) faultInjectSession(sessionNum int) (*Session, error) {
	session := r.sessionByNum(sessionNum)
	if session == nil {
		return nil, errors.Errorf("fault injection: no session %d", sessionNum)
	}
	if !session.isClient() || !session.isConnected() {
		return nil, errors.Errorf("fault injection: session %d is not a connected client session", sessionNum)
	}
	return session, nil
}

// FaultInjectResolveServerRinfo makes server routing info resolution
// fail at every client session of this endpoint.
func (r *Rpc) FaultInjectResolveServerRinfo() error {
	if err := r.faultInjectCheckOk(); err != nil {
		return err
	}
	r.faults.resolveServerRinfo = true
	return nil
}

// FaultInjectResetRemoteEpeer emulates failure of the server behind
// sessionNum's side-channel peer. Every local endpoint with sessions
// to that host observes the reset.
func (r *Rpc) FaultInjectResetRemoteEpeer(sessionNum int) error {
	if err := r.faultInjectCheckOk(); err != nil {
		return err
	}
	session, err := r.faultInjectSession(sessionNum)
	if err != nil {
		return err
	}
	r.nexus.resetPeer(session.server.Hostname)
	return nil
}

// FaultInjectDropTxLocal drops the pktCountdown-th upcoming locally
// transmitted packet. Arming is one-shot.
func (r *Rpc) FaultInjectDropTxLocal(pktCountdown int) error {
	if err := r.faultInjectCheckOk(); err != nil {
		return err
	}
	r.faults.dropTxLocal = true
	r.faults.dropTxLocalCountdown = pktCountdown
	return nil
}

// FaultInjectDropTxRemote asks the server behind a client session to
// drop its pktCountdown-th upcoming transmitted packet.
func (r *Rpc) FaultInjectDropTxRemote(sessionNum, pktCountdown int) error {
	if err := r.faultInjectCheckOk(); err != nil {
		return err
	}
	session, err := r.faultInjectSession(sessionNum)
	if err != nil {
		return err
	}
	r.nexus.sendSm(SmPkt{
		PktType: SmPktFaultDropTxRemote,
		Client:  session.client,
		Server:  session.server,
		GenData: uint64(pktCountdown),
	})
	return nil
}
