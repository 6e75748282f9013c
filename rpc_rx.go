// rpc_rx.go

// Receive pipeline. processComps polls the transport's completion
// ring, classifies packets by type, and drives per-slot progress.
// Single-packet messages take a fast path that wraps the ring buffer
// in place; multi-packet messages are reassembled into dynamic
// MsgBuffers, fragment by indexed fragment, so reordered and duplicate
// packets are harmless.

package erpc

import "go.uber.org/zap"

func (r *Rpc) processComps() {
	pkts := r.transport.RxBurst()
	if len(pkts) == 0 {
		return
	}

	for _, pkt := range pkts {
		if len(pkt) < PktHdrSize {
			r.log.Warn("runt packet dropped", zap.Int("len", len(pkt)))
			continue
		}
		ph := PktHdr(pkt[:PktHdrSize])
		if !ph.CheckMagic() {
			r.log.Warn("packet with bad magic dropped", zap.Uint8("magic", ph.Magic()))
			continue
		}
		session := r.sessionByNum(int(ph.DestSessionNum()))
		if session == nil || !session.isConnected() {
			r.log.Warn("packet for dead session dropped", zap.Stringer("hdr", ph))
			continue
		}
		sslot := &session.sslots[ph.ReqNum()&reqWindowMask]

		switch ph.PktType() {
		case PktTypeExplCR:
			r.processExplCR(session, sslot, ph)
		case PktTypeReqForResp:
			r.processReqForResp(session, sslot, ph)
		case PktTypeReq:
			r.processReqPkt(session, sslot, ph, pkt)
		case PktTypeResp:
			r.processRespPkt(session, sslot, ph, pkt)
		default:
			r.log.Warn("packet with unknown type dropped", zap.Stringer("hdr", ph))
		}
	}
	r.dpathStats.rxPkts += uint64(len(pkts))

	// Replenish the ring. The buffers polled above are dead after this;
	// every multi-packet path has copied out by now.
	r.transport.PostRecvs(len(pkts))
}

// processExplCR credits the session for a request packet the server
// acknowledged out of band.
func (r *Rpc) processExplCR(session *Session, sslot *SSlot, ph PktHdr) {
	if !session.isClient() || ph.ReqNum() != sslot.reqNum {
		r.log.Debug("stale credit return dropped", zap.Stringer("hdr", ph))
		return
	}
	session.credits++
	sslot.creditsConsumed--
}

// processReqForResp serves one response fragment on client demand.
func (r *Rpc) processReqForResp(session *Session, sslot *SSlot, ph PktHdr) {
	if !session.isServer() || ph.ReqNum() != sslot.reqNum || sslot.txMsgBuf == nil {
		r.log.Debug("stale request-for-response dropped", zap.Stringer("hdr", ph))
		return
	}
	pktIdx := ph.PktNum()
	if pktIdx >= sslot.txMsgBuf.numPkts {
		r.log.Warn("request-for-response out of range", zap.Stringer("hdr", ph))
		return
	}
	r.sendRespPkt(sslot, pktIdx)
}

// processReqPkt handles a request data packet at the server.
func (r *Rpc) processReqPkt(session *Session, sslot *SSlot, ph PktHdr, pkt []byte) {
	if !session.isServer() {
		r.log.Warn("request packet at client dropped", zap.Stringer("hdr", ph))
		return
	}
	reqNum := ph.ReqNum()

	switch {
	case reqNum < sslot.reqNum:
		// Stale packet for a request the client has moved past.
		r.log.Debug("stale request packet dropped", zap.Stringer("hdr", ph))
		return

	case reqNum > sslot.reqNum:
		// The client reused the slot, so it considers the previous
		// exchange over. Drop the old response and start fresh.
		r.buryTxMsgBuf(sslot)
		r.buryRxMsgBuf(sslot)
		sslot.resetForReuse()
		sslot.reqNum = reqNum
		sslot.reqType = ph.ReqType()

	default:
		// Current request number: a fragment, or a duplicate.
		msgPkts := numPktsFor(ph.MsgSize(), r.maxDataPerPkt)
		if sslot.pktsRx >= msgPkts {
			// Full request already received; this is a retransmission.
			// If the response exists, its first packet may have been
			// lost, so replay it on the final fragment.
			if sslot.txMsgBuf != nil && ph.PktNum() == msgPkts-1 {
				r.sendRespPkt(sslot, 0)
			}
			return
		}
	}
	r.processReqFragment(session, sslot, ph, pkt)
}

// processReqFragment advances request reassembly by one packet and
// dispatches the handler when the request is complete.
func (r *Rpc) processReqFragment(session *Session, sslot *SSlot, ph PktHdr, pkt []byte) {
	msgSize := ph.MsgSize()
	msgPkts := numPktsFor(msgSize, r.maxDataPerPkt)

	if msgPkts == 1 {
		if len(pkt) < PktHdrSize+msgSize {
			r.log.Warn("truncated request packet dropped", zap.Stringer("hdr", ph))
			return
		}
		sslot.reqType = ph.ReqType()
		sslot.pktsRx = 1
		sslot.rxMsgBuf = newFakeMsgBuffer(pkt, msgSize, r.maxDataPerPkt)
		r.dispatchReqHandler(sslot)
		return
	}

	if !sslot.rxMsgBuf.IsValid() {
		sslot.rxMsgBuf = r.AllocMsgBuffer(msgSize)
		if !sslot.rxMsgBuf.IsValid() {
			r.log.Error("out of memory for request reassembly",
				zap.Int("msg_size", msgSize))
			return
		}
		sslot.rxBitmap = make([]uint64, (msgPkts+63)/64)
	}
	if !sslot.markRx(ph.PktNum()) {
		// Duplicate fragment of an incomplete request; the client will
		// recover by retransmission if anything is truly missing.
		return
	}
	copy(sslot.rxMsgBuf.PayloadSlice(ph.PktNum()), pkt[PktHdrSize:])
	sslot.pktsRx++

	// Refund the credit for every request packet beyond the first so
	// the client can keep the pipe full.
	if ph.PktNum() >= 1 {
		r.sendCreditReturnNow(session, ph)
	}

	if sslot.pktsRx == msgPkts {
		sslot.reqType = ph.ReqType()
		r.dispatchReqHandler(sslot)
	}
}

// dispatchReqHandler invokes the registered handler inline, or ships
// the slot to the worker pool for background handlers.
func (r *Rpc) dispatchReqHandler(sslot *SSlot) {
	fn := r.reqFuncs[sslot.reqType]
	if fn.Func == nil {
		r.log.Error("request with unregistered type dropped",
			zap.Uint8("req_type", sslot.reqType))
		r.buryRxMsgBuf(sslot)
		return
	}
	if fn.Type == ReqFuncBackground {
		if !r.ensureDynamicRx(sslot) {
			return
		}
		r.nexus.submitBackground(r, sslot, bgWorkItemReq)
		return
	}

	fn.Func(sslot, r.ctx)
	// A foreground handler that did not respond synchronously must have
	// copied the request out; the ring slot goes back either way.
	if sslot.rxMsgBuf.IsValid() && !sslot.rxMsgBuf.IsDynamic() {
		sslot.rxMsgBuf = MsgBuffer{}
	}
}

// processRespPkt handles a response data packet at the client.
func (r *Rpc) processRespPkt(session *Session, sslot *SSlot, ph PktHdr, pkt []byte) {
	if !session.isClient() {
		r.log.Warn("response packet at server dropped", zap.Stringer("hdr", ph))
		return
	}
	if ph.ReqNum() != sslot.reqNum {
		r.log.Debug("stale response packet dropped", zap.Stringer("hdr", ph))
		return
	}
	msgSize := ph.MsgSize()
	msgPkts := numPktsFor(msgSize, r.maxDataPerPkt)
	if sslot.pktsRx >= msgPkts || sslot.txMsgBuf == nil {
		// Response already complete; duplicate delivery.
		r.log.Debug("duplicate response packet dropped", zap.Stringer("hdr", ph))
		return
	}

	// Every response packet returns a credit.
	session.credits++
	sslot.creditsConsumed--

	if msgPkts == 1 {
		if len(pkt) < PktHdrSize+msgSize {
			r.log.Warn("truncated response packet dropped", zap.Stringer("hdr", ph))
			return
		}
		sslot.pktsRx = 1
		sslot.rxMsgBuf = newFakeMsgBuffer(pkt, msgSize, r.maxDataPerPkt)
		r.completeClientResp(session, sslot)
		return
	}

	if !sslot.rxMsgBuf.IsValid() {
		sslot.rxMsgBuf = r.AllocMsgBuffer(msgSize)
		if !sslot.rxMsgBuf.IsValid() {
			r.log.Error("out of memory for response reassembly",
				zap.Int("msg_size", msgSize))
			return
		}
		sslot.rxBitmap = make([]uint64, (msgPkts+63)/64)
	}
	if !sslot.markRx(ph.PktNum()) {
		return
	}
	copy(sslot.rxMsgBuf.PayloadSlice(ph.PktNum()), pkt[PktHdrSize:])
	sslot.pktsRx++

	if sslot.pktsRx < msgPkts {
		// Pull the next fragment. Responses arrive one per pull, so the
		// next missing index is exactly pktsRx.
		r.sendReqForRespNow(sslot, sslot.pktsRx)
		return
	}
	r.completeClientResp(session, sslot)
}

// completeClientResp finishes an exchange: ownership of the request
// buffer returns to the caller, residual credit debt is settled, and
// the continuation fires.
func (r *Rpc) completeClientResp(session *Session, sslot *SSlot) {
	buryTxMsgBufNoFree(sslot)

	// Settle the exchange's credit account. Lost or duplicated credit
	// returns leave a residue; the exchange is over, so nothing of it
	// remains in the network.
	session.credits += sslot.creditsConsumed
	sslot.creditsConsumed = 0

	if r.bgContinuations {
		if !r.ensureDynamicRx(sslot) {
			return
		}
		r.nexus.submitBackground(r, sslot, bgWorkItemResp)
		return
	}
	sslot.contFunc(sslot, r.ctx, sslot.tag)
}

// ensureDynamicRx copies a ring-backed RX MsgBuffer into a dynamic one
// so it survives the ring replenish. Returns false on OOM.
func (r *Rpc) ensureDynamicRx(sslot *SSlot) bool {
	if sslot.rxMsgBuf.IsDynamic() {
		return true
	}
	dyn := r.AllocMsgBuffer(sslot.rxMsgBuf.dataSize)
	if !dyn.IsValid() {
		r.log.Error("out of memory copying for background dispatch")
		sslot.rxMsgBuf = MsgBuffer{}
		return false
	}
	copy(dyn.PayloadSlice(0), sslot.rxMsgBuf.Data())
	sslot.rxMsgBuf = dyn
	return true
}
