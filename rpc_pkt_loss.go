// rpc_pkt_loss.go

// Packet loss handling. The scanner walks client-side in-flight slots
// once per epoch and compares the time since each slot's first
// transmission of its current request against the loss timeout. Only a
// retransmission restarts that timer; credit returns and response
// packets received in the meantime do not. Recovery
// either retransmits the retained request buffer under the same
// request number (default), or fails the session when the endpoint is
// configured with SessionFailureOnLoss.

package erpc

import "go.uber.org/zap"

// pktLossScanReqs scans all outstanding client requests for loss.
func (r *Rpc) pktLossScanReqs() {
	now := rdtsc()
	for sessionNum, session := range r.sessionVec {
		if session == nil || !session.isClient() || !session.isConnected() {
			continue
		}
		for i := range session.sslots {
			sslot := &session.sslots[i]
			// In-flight slots hold the request buffer and have sent at
			// least one packet.
			if sslot.txMsgBuf == nil || sslot.firstSendTs == 0 {
				continue
			}
			if now-sslot.firstSendTs <= r.pktLossTimeoutCycles {
				continue
			}
			if r.sessionFailureOnLoss {
				r.failSession(sessionNum, session)
				break
			}
			r.retransmitReq(sslot)
		}
	}
}

// retransmitReq rolls an exchange back to its unsent state: credit
// debt is refunded, any partial response is discarded, and the slot
// re-enters the request TX queue from packet zero.
func (r *Rpc) retransmitReq(sslot *SSlot) {
	session := sslot.session
	r.log.Warn("retransmitting request after loss timeout",
		zap.Uint64("req_num", sslot.reqNum),
		zap.Int("pkts_queued", sslot.pktsQueued))

	session.credits += sslot.creditsConsumed
	sslot.creditsConsumed = 0

	r.buryRxMsgBuf(sslot)
	sslot.rxBitmap = nil
	sslot.pktsRx = 0
	sslot.pktsQueued = 0
	sslot.firstSendTs = 0
	r.dpathStats.retransmits++

	if !sslot.inReqTxq {
		r.reqTxqLock.lock()
		sslot.inReqTxq = true
		r.reqTxq = append(r.reqTxq, sslot)
		r.reqTxqLock.unlock()
	}
}

// failSession gives a session up after loss: engine resources are
// buried and the application learns through the reset callback. The
// caller's in-flight request buffers are returned to it implicitly;
// their continuations never fire.
func (r *Rpc) failSession(sessionNum int, session *Session) {
	r.log.Warn("session failed after loss timeout", zap.Int("session", sessionNum))
	r.burySession(session)
	r.sessionVec[sessionNum] = nil
	r.smHandler(sessionNum, SmEventReset, SmErrPktLoss, r.ctx)
}
