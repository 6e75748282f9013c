// rpc_tx.go

// Transmit pipeline. Data packets go through the postlist-sized batch
// and flush when it fills or at the end of an event loop tick.
// Credit returns and request-for-response packets must not wait and
// take the send-now path.

package erpc

import "go.uber.org/zap"

// EnqueueRequest queues a request for transmission on a session. On
// success the engine owns msgBuf until the continuation fires; the tag
// is returned to the continuation untouched.
func (r *Rpc) EnqueueRequest(sessionNum int, reqType uint8, msgBuf *MsgBuffer,
	contFunc ContFunc, tag uint64) int {
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
	if !msgBuf.IsValid() || !msgBuf.CheckMagic() || msgBuf.dataSize == 0 {
		return StatusInvalidMsgBuffer
	}
	if msgBuf.dataSize > r.maxMsgSize {
		return StatusMsgTooLarge
	}

	sslot := session.popFreeSlot()
	if sslot == nil {
		return StatusNoFreeSlots
	}

	sslot.resetForReuse()
	sslot.reqNum += SessionReqWindow // low bits still equal the slot index
	sslot.reqType = reqType
	sslot.txMsgBuf = msgBuf
	sslot.contFunc = contFunc
	sslot.tag = tag

	msgBuf.stampHdrs(reqType, PktTypeReq, session.remoteSessionNum(), sslot.reqNum)

	r.reqTxqLock.lock()
	sslot.inReqTxq = true
	r.reqTxq = append(r.reqTxq, sslot)
	r.reqTxqLock.unlock()
	return StatusOK
}

// EnqueueResponse queues the response in reqHandle.DynRespMsgBuf for
// transmission. Callable from the handler's thread, foreground or
// background.
func (r *Rpc) EnqueueResponse(reqHandle ReqHandle) {
	sslot := reqHandle
	session := sslot.session
	respBuf := &sslot.DynRespMsgBuf
	if !respBuf.IsValid() || !respBuf.CheckMagic() {
		panic("EnqueueResponse(): invalid response MsgBuffer")
	}

	respBuf.stampHdrs(sslot.reqType, PktTypeResp, session.remoteSessionNum(), sslot.reqNum)

	// The request payload is dead once the response exists.
	r.buryRxMsgBuf(sslot)

	sslot.txMsgBuf = respBuf
	sslot.pktsQueued = 0

	if r.inCreator() {
		r.sendRespPkt(sslot, 0)
		return
	}
	r.bgRespTxqMu.lock()
	r.bgRespTxq = append(r.bgRespTxq, sslot)
	r.bgRespTxqMu.unlock()
}

// ReleaseResponse frees the response buffer of a completed request and
// returns the slot to its session's free stack. Must be called exactly
// once per fired continuation.
func (r *Rpc) ReleaseResponse(respHandle RespHandle) {
	sslot := respHandle
	session := sslot.session

	// The request MsgBuffer was returned to the caller before the
	// continuation ran.
	if sslot.txMsgBuf != nil {
		panic("ReleaseResponse(): request still in flight")
	}
	r.buryRxMsgBuf(sslot)
	session.pushFreeSlot(sslot.index)
}

// enqueuePktTxBurst appends one data packet to the TX batch, flushing
// the batch to the transport when it fills. sslot is nil for packets
// that carry no queueing progress.
func (r *Rpc) enqueuePktTxBurst(rinfo RoutingInfo, msgBuf *MsgBuffer,
	offset, dataBytes int, sslot *SSlot) {
	item := TxBurstItem{
		RoutingInfo: rinfo,
		MsgBuf:      msgBuf,
		Offset:      offset,
		DataBytes:   dataBytes,
	}
	if r.faults.dropTxLocal {
		if r.faults.dropTxLocalCountdown == 0 {
			r.log.Warn("fault injection: dropping tx packet",
				zap.Stringer("hdr", msgBuf.PktHdr(offset/r.maxDataPerPkt)))
			item.Drop = true
			r.faults.dropTxLocal = false
		} else {
			r.faults.dropTxLocalCountdown--
		}
	}

	if sslot != nil {
		sslot.pktsQueued++
	}
	r.dpathStats.txPkts++
	r.txBurstArr = append(r.txBurstArr, item)

	if len(r.txBurstArr) == r.postlist {
		r.txFlush()
	}
}

// txBurstNow transmits a header-only packet immediately, together with
// whatever the batch already holds.
func (r *Rpc) txBurstNow(rinfo RoutingInfo, msgBuf *MsgBuffer) {
	item := TxBurstItem{RoutingInfo: rinfo, MsgBuf: msgBuf}
	if r.faults.dropTxLocal {
		if r.faults.dropTxLocalCountdown == 0 {
			r.log.Warn("fault injection: dropping control packet",
				zap.Stringer("hdr", msgBuf.PktHdr(0)))
			item.Drop = true
			r.faults.dropTxLocal = false
		} else {
			r.faults.dropTxLocalCountdown--
		}
	}
	r.dpathStats.txPkts++
	r.txBurstArr = append(r.txBurstArr, item)
	r.txFlush()
}

// txFlush posts the pending TX batch.
func (r *Rpc) txFlush() {
	if len(r.txBurstArr) == 0 {
		return
	}
	if err := r.transport.TxBurst(r.txBurstArr); err != nil {
		r.log.Error("tx burst failed", zap.Error(err))
	}
	r.txBurstArr = r.txBurstArr[:0]
}

// processReqTxq drains the request TX queue. Each slot sends as many
// packets as its session's credits allow; fully queued slots leave the
// queue, the rest are retried next tick.
func (r *Rpc) processReqTxq() {
	r.reqTxqLock.lock()
	defer r.reqTxqLock.unlock()

	keep := r.reqTxq[:0]
	for _, sslot := range r.reqTxq {
		session := sslot.session
		if !session.isConnected() || sslot.txMsgBuf == nil {
			// The session died under the slot; drop it.
			sslot.inReqTxq = false
			continue
		}
		if sslot.txMsgBuf.numPkts == 1 {
			r.processReqTxqSmallOne(sslot)
		} else {
			r.processReqTxqLargeOne(sslot)
		}
		if sslot.pktsQueued == sslot.txMsgBuf.numPkts {
			sslot.inReqTxq = false
		} else {
			keep = append(keep, sslot)
		}
	}
	r.reqTxq = keep
}

// processReqTxqSmallOne transmits a single-packet request if a credit
// is available.
func (r *Rpc) processReqTxqSmallOne(sslot *SSlot) {
	session := sslot.session
	if session.credits == 0 {
		return
	}
	session.credits--
	sslot.creditsConsumed++
	if sslot.firstSendTs == 0 {
		sslot.firstSendTs = rdtsc()
	}
	r.enqueuePktTxBurst(session.remoteRoutingInfo, sslot.txMsgBuf,
		0, sslot.txMsgBuf.dataSize, sslot)
}

// processReqTxqLargeOne transmits packets of a multi-packet request
// until credits run out or the message is fully queued. Packet k+1 is
// never posted before packet k.
func (r *Rpc) processReqTxqLargeOne(sslot *SSlot) {
	session := sslot.session
	msgBuf := sslot.txMsgBuf
	for session.credits > 0 && sslot.pktsQueued < msgBuf.numPkts {
		session.credits--
		sslot.creditsConsumed++
		if sslot.firstSendTs == 0 {
			sslot.firstSendTs = rdtsc()
		}
		offset := sslot.pktsQueued * r.maxDataPerPkt
		dataBytes := msgBuf.dataSize - offset
		if dataBytes > r.maxDataPerPkt {
			dataBytes = r.maxDataPerPkt
		}
		r.enqueuePktTxBurst(session.remoteRoutingInfo, msgBuf, offset, dataBytes, sslot)
	}
}

// processBgRespTxq drains responses produced by background handlers.
func (r *Rpc) processBgRespTxq() {
	r.bgRespTxqMu.lock()
	q := r.bgRespTxq
	r.bgRespTxq = nil
	r.bgRespTxqMu.unlock()

	for _, sslot := range q {
		if !sslot.session.isConnected() {
			continue
		}
		r.sendRespPkt(sslot, 0)
	}
}

// sendRespPkt transmits one packet of a server response. Only packet
// zero is sent unsolicited; the rest answer request-for-response
// packets.
func (r *Rpc) sendRespPkt(sslot *SSlot, pktIdx int) {
	msgBuf := sslot.txMsgBuf
	offset := pktIdx * r.maxDataPerPkt
	dataBytes := msgBuf.dataSize - offset
	if dataBytes > r.maxDataPerPkt {
		dataBytes = r.maxDataPerPkt
	}
	r.enqueuePktTxBurst(sslot.session.remoteRoutingInfo, msgBuf, offset, dataBytes, sslot)
}

// sendCreditReturnNow sends an explicit credit return for a received
// request packet.
func (r *Rpc) sendCreditReturnNow(session *Session, reqHdr PktHdr) {
	ph := r.ecrMsgBuf.PktHdr(0)
	ph.SetMagic()
	ph.SetReqType(reqHdr.ReqType())
	ph.SetMsgSize(0)
	ph.SetDestSessionNum(session.remoteSessionNum())
	ph.SetPktType(PktTypeExplCR)
	ph.SetPktNum(reqHdr.PktNum())
	ph.SetReqNum(reqHdr.ReqNum())
	r.txBurstNow(session.remoteRoutingInfo, &r.ecrMsgBuf)
}

// sendReqForRespNow asks the server for response packet pktIdx. The
// request-for-response consumes a credit, returned by the response
// packet it pulls.
func (r *Rpc) sendReqForRespNow(sslot *SSlot, pktIdx int) {
	session := sslot.session
	session.credits--
	sslot.creditsConsumed++

	ph := r.rfrMsgBuf.PktHdr(0)
	ph.SetMagic()
	ph.SetReqType(sslot.reqType)
	ph.SetMsgSize(0)
	ph.SetDestSessionNum(session.remoteSessionNum())
	ph.SetPktType(PktTypeReqForResp)
	ph.SetPktNum(pktIdx)
	ph.SetReqNum(sslot.reqNum)
	r.txBurstNow(session.remoteRoutingInfo, &r.rfrMsgBuf)
}
