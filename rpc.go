// rpc.go

package erpc

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RpcConfig configures one endpoint.
type RpcConfig struct {
	// RpcID identifies this endpoint within its Nexus.
	RpcID uint8
	// PhyPort is the zero-based physical port, forwarded to peers.
	PhyPort uint8
	// Transport is the unreliable datagram transport. Required.
	Transport Transport
	// SmHandler receives session management events. Required.
	SmHandler SmHandler
	// Context is handed to request handlers and continuations.
	Context interface{}
	// InitialAllocSize overrides the allocator's initial reservation.
	InitialAllocSize int
	// SessionFailureOnLoss kills the session on detected packet loss
	// instead of retransmitting.
	SessionFailureOnLoss bool
	// BgContinuations runs continuations on the worker pool instead of
	// the creator thread. Requires a Nexus with background threads.
	BgContinuations bool
}

// Rpc is one endpoint of the engine, bound to the thread that created
// it. All datapath work happens on that creator thread; background
// workers touch only the allocator, the TX queues and the free-slot
// stacks, each behind a conditional lock.
type Rpc struct {
	nexus *Nexus
	log   *zap.Logger
	hook  *nexusHook

	rpcID     uint8
	phyPort   uint8
	ctx       interface{}
	smHandler SmHandler

	creatorTID    int
	multiThreaded bool

	// reqFuncs is this endpoint's copy of the Nexus handler table.
	reqFuncs [MaxReqTypes]ReqFunc

	transport     Transport
	maxDataPerPkt int
	postlist      int
	maxMsgSize    int

	hugeAlloc *HugeAlloc
	allocLock lockCond

	sessionVec []*Session

	// TX batch; flushed when it reaches the transport postlist depth.
	txBurstArr []TxBurstItem

	reqTxq     []*SSlot
	reqTxqLock lockCond

	bgRespTxq   []*SSlot
	bgRespTxqMu lockCond

	// Header-only scratch buffers for credit returns and
	// request-for-response packets. The transport copies header-only
	// packets out during TxBurst, so one of each suffices.
	ecrMsgBuf MsgBuffer
	rfrMsgBuf MsgBuffer

	pktLossEpochCycles   uint64
	pktLossTimeoutCycles uint64
	prevEpochTs          uint64
	sessionFailureOnLoss bool
	bgContinuations      bool

	faults struct {
		resolveServerRinfo   bool
		dropTxLocal          bool
		dropTxLocalCountdown int
	}

	dpathStats struct {
		evLoopCalls uint64
		txPkts      uint64
		rxPkts      uint64
		retransmits uint64
	}
}

// NewRpc constructs an endpoint from the calling goroutine, which
// becomes its creator thread.
func NewRpc(nexus *Nexus, cfg RpcConfig) (*Rpc, error) {
	if nexus == nil {
		return nil, errors.New("rpc: nil nexus")
	}
	if cfg.Transport == nil {
		return nil, errors.New("rpc: nil transport")
	}
	if cfg.SmHandler == nil {
		return nil, errors.New("rpc: nil session management handler")
	}
	if cfg.BgContinuations && !nexus.multiThreaded() {
		return nil, errors.New("rpc: background continuations need background threads")
	}

	tr := cfg.Transport
	maxMsgSize := maxClassSize - (maxClassSize/tr.MaxDataPerPkt())*PktHdrSize
	if 1<<MsgSizeBits < maxMsgSize {
		return nil, errors.Errorf("rpc: MsgSizeBits too narrow for max message size %d", maxMsgSize)
	}
	if (1<<PktNumBits)*tr.MaxDataPerPkt() < maxMsgSize {
		return nil, errors.Errorf("rpc: PktNumBits too narrow for transport MTU %d", tr.MaxDataPerPkt())
	}

	initialAlloc := cfg.InitialAllocSize
	if initialAlloc == 0 {
		initialAlloc = InitialHugeAllocSize
	}
	hugeAlloc, err := NewHugeAlloc(initialAlloc, nil)
	if err != nil {
		return nil, err
	}

	r := &Rpc{
		nexus:                nexus,
		log:                  nexus.log.Named("rpc").With(zap.Uint8("rpc_id", cfg.RpcID)),
		rpcID:                cfg.RpcID,
		phyPort:              cfg.PhyPort,
		ctx:                  cfg.Context,
		smHandler:            cfg.SmHandler,
		creatorTID:           nexus.GetTinyTID(),
		multiThreaded:        nexus.multiThreaded(),
		transport:            tr,
		maxDataPerPkt:        tr.MaxDataPerPkt(),
		postlist:             tr.Postlist(),
		maxMsgSize:           maxMsgSize,
		hugeAlloc:            hugeAlloc,
		txBurstArr:           make([]TxBurstItem, 0, tr.Postlist()),
		pktLossEpochCycles:   msToCycles(PktLossEpochMs),
		pktLossTimeoutCycles: msToCycles(PktLossTimeoutMs),
		prevEpochTs:          rdtsc(),
		sessionFailureOnLoss: cfg.SessionFailureOnLoss,
		bgContinuations:      cfg.BgContinuations,
	}
	r.allocLock.enabled = r.multiThreaded
	r.reqTxqLock.enabled = r.multiThreaded
	r.bgRespTxqMu.enabled = r.multiThreaded

	r.ecrMsgBuf = newFakeMsgBuffer(make([]byte, PktHdrSize), 0, r.maxDataPerPkt)
	r.rfrMsgBuf = newFakeMsgBuffer(make([]byte, PktHdrSize), 0, r.maxDataPerPkt)

	hook, err := nexus.registerHook(r)
	if err != nil {
		return nil, err
	}
	r.hook = hook
	r.reqFuncs = nexus.copyReqFuncs()

	tr.PostRecvs(tr.RecvQueueDepth())
	return r, nil
}

// inCreator returns true iff the caller is the creator thread.
func (r *Rpc) inCreator() bool {
	return r.nexus.GetTinyTID() == r.creatorTID
}

// InBackground returns true iff the caller runs on a worker thread.
func (r *Rpc) InBackground() bool { return !r.inCreator() }

// RpcID returns this endpoint's identifier.
func (r *Rpc) RpcID() uint8 { return r.rpcID }

// MaxDataPerPkt returns the maximum data bytes in one packet.
func (r *Rpc) MaxDataPerPkt() int { return r.maxDataPerPkt }

// MaxMsgSize returns the maximum message data size.
func (r *Rpc) MaxMsgSize() int { return r.maxMsgSize }

// AllocMsgBuffer returns a hugepage-backed MsgBuffer with room for
// maxDataSize payload bytes. The returned buffer is invalid if the
// allocator ran out of memory; callers must check IsValid.
func (r *Rpc) AllocMsgBuffer(maxDataSize int) MsgBuffer {
	if maxDataSize <= 0 || maxDataSize > r.maxMsgSize {
		return MsgBuffer{}
	}
	r.allocLock.lock()
	buffer := r.hugeAlloc.Alloc(msgBufferSize(maxDataSize, r.maxDataPerPkt))
	r.allocLock.unlock()

	if !buffer.IsValid() {
		return MsgBuffer{}
	}
	return newMsgBuffer(buffer, maxDataSize, r.maxDataPerPkt)
}

// ResizeMsgBuffer shrinks a MsgBuffer's logical size without
// reallocating.
func (r *Rpc) ResizeMsgBuffer(m *MsgBuffer, newDataSize int) int {
	if !m.IsValid() || !m.CheckMagic() {
		return StatusInvalidMsgBuffer
	}
	if newDataSize < 0 || newDataSize > m.maxDataSize {
		return StatusMsgTooLarge
	}
	m.resize(newDataSize)
	return StatusOK
}

// FreeMsgBuffer releases a dynamic MsgBuffer.
func (r *Rpc) FreeMsgBuffer(m MsgBuffer) {
	if !m.IsDynamic() || !m.CheckMagic() {
		panic("FreeMsgBuffer(): not a valid dynamic MsgBuffer")
	}
	r.allocLock.lock()
	r.hugeAlloc.Free(m.buffer)
	r.allocLock.unlock()
}

// StatUserAllocTot returns the bytes currently allocated to callers.
func (r *Rpc) StatUserAllocTot() int {
	r.allocLock.lock()
	defer r.allocLock.unlock()
	return r.hugeAlloc.StatUserAllocTot()
}

// NumActiveSessions returns the number of live session table entries.
// Creator thread only.
func (r *Rpc) NumActiveSessions() int {
	n := 0
	for _, s := range r.sessionVec {
		if s != nil {
			n++
		}
	}
	return n
}

// EvLoopCalls returns the number of event loop iterations run.
func (r *Rpc) EvLoopCalls() uint64 { return r.dpathStats.evLoopCalls }

// buryTxMsgBuf frees a slot's TX MsgBuffer if the engine owns it
// (server responses are dynamic) and nulls the reference.
func (r *Rpc) buryTxMsgBuf(sslot *SSlot) {
	if sslot.txMsgBuf != nil && sslot.txMsgBuf.IsDynamic() {
		r.FreeMsgBuffer(*sslot.txMsgBuf)
	}
	sslot.txMsgBuf = nil
}

// buryTxMsgBufNoFree nulls a slot's TX MsgBuffer, returning ownership
// to the caller. Used for client request buffers.
func buryTxMsgBufNoFree(sslot *SSlot) {
	sslot.txMsgBuf = nil
}

// buryRxMsgBuf frees a slot's RX MsgBuffer if dynamic and invalidates
// it either way.
func (r *Rpc) buryRxMsgBuf(sslot *SSlot) {
	if sslot.rxMsgBuf.IsDynamic() {
		r.FreeMsgBuffer(sslot.rxMsgBuf)
	}
	sslot.rxMsgBuf = MsgBuffer{}
}

// Close releases the endpoint. Sessions should be destroyed first;
// any that remain are buried without notifying peers.
func (r *Rpc) Close() {
	for i, session := range r.sessionVec {
		if session != nil {
			r.burySession(session)
			r.sessionVec[i] = nil
		}
	}
	r.nexus.unregisterHook(r.rpcID)
	r.transport.Close()
}
