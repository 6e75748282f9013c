// sslot.go

package erpc

// SSlot is one in-flight request/response exchange within a session.
// A client slot's txMsgBuf is the caller's request buffer, nulled (not
// freed) when the response completes. A server slot's txMsgBuf is the
// engine-allocated response, retained until the slot is reused so lost
// responses can be replayed.
type SSlot struct {
	session *Session
	index   int

	// reqNum is the current request number. The low bits always equal
	// index; the high bits count reuses of the slot.
	reqNum uint64

	reqType  uint8
	txMsgBuf *MsgBuffer
	rxMsgBuf MsgBuffer

	contFunc ContFunc
	tag      uint64

	// DynRespMsgBuf is set by a request handler to the response buffer
	// before calling EnqueueResponse.
	DynRespMsgBuf MsgBuffer

	pktsQueued int
	pktsRx     int

	// rxBitmap marks which fragments of a multi-packet message have
	// arrived, so duplicates and reordering cannot corrupt reassembly.
	rxBitmap []uint64

	// firstSendTs is the cycle stamp of the first transmit of the
	// current request, zero before transmission. Used by loss scanning.
	firstSendTs uint64

	// creditsConsumed counts this slot's outstanding credit debt so a
	// retransmission can roll it back.
	creditsConsumed int

	// inReqTxq is true while the slot sits on the request TX queue.
	inReqTxq bool
}

// ReqHandle is the server-side view of a slot, passed to request
// handlers.
type ReqHandle = *SSlot

// RespHandle is the client-side view of a slot, passed to
// continuations.
type RespHandle = *SSlot

// ContFunc is a client continuation, invoked once when the response for
// a request completes. The continuation must call ReleaseResponse on
// the handle before the response buffer is reused.
type ContFunc func(resp RespHandle, ctx interface{}, tag uint64)

// ReqFuncType selects the thread a request handler runs on.
type ReqFuncType int

const (
	// ReqFuncForeground handlers run inline on the creator thread.
	ReqFuncForeground ReqFuncType = iota
	// ReqFuncBackground handlers run on the Nexus worker pool.
	ReqFuncBackground
)

// ReqFunc is a registered request handler.
type ReqFunc struct {
	Func func(req ReqHandle, ctx interface{})
	Type ReqFuncType
}

// ReqMsgBuf returns the received request payload. For single-packet
// requests handled in the foreground it wraps a receive-ring slot and
// is only valid until the handler returns.
func (s *SSlot) ReqMsgBuf() *MsgBuffer { return &s.rxMsgBuf }

// RespMsgBuf returns the completed response payload at the client.
func (s *SSlot) RespMsgBuf() *MsgBuffer { return &s.rxMsgBuf }

// Tag returns the opaque tag supplied to EnqueueRequest.
func (s *SSlot) Tag() uint64 { return s.tag }

// ReqType returns the request type of the current exchange.
func (s *SSlot) ReqType() uint8 { return s.reqType }

// markRx records fragment i as received; false means a duplicate.
func (s *SSlot) markRx(i int) bool {
	w, b := i/64, uint(i%64)
	if s.rxBitmap[w]>>b&1 == 1 {
		return false
	}
	s.rxBitmap[w] |= 1 << b
	return true
}

// resetForReuse clears per-exchange progress before a slot carries a
// new request number.
func (s *SSlot) resetForReuse() {
	s.txMsgBuf = nil
	s.rxMsgBuf = MsgBuffer{}
	s.DynRespMsgBuf = MsgBuffer{}
	s.contFunc = nil
	s.tag = 0
	s.pktsQueued = 0
	s.pktsRx = 0
	s.rxBitmap = nil
	s.firstSendTs = 0
	s.creditsConsumed = 0
	s.inReqTxq = false
}
