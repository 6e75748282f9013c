// nexus.go

package erpc

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// processNexuses lets Nexuses in the same process exchange session
// management packets without a side channel.
var processNexuses sync.Map // sm URI -> *Nexus

// NexusConfig configures a Nexus.
type NexusConfig struct {
	// SmURI identifies this process on the session management plane.
	// For cross-process use it is the side channel listen address.
	SmURI string
	// NumBgThreads is the size of the background worker pool. Zero
	// keeps every endpoint single-threaded.
	NumBgThreads int
	// ListenSideChannel starts a WebSocket listener on SmURI for
	// session management traffic from other processes.
	ListenSideChannel bool
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// bgWorkItemType classifies background pool work.
type bgWorkItemType int

const (
	bgWorkItemReq bgWorkItemType = iota
	bgWorkItemResp
)

type bgWorkItem struct {
	wiType bgWorkItemType
	rpc    *Rpc
	sslot  *SSlot
}

// nexusHook is the per-Rpc attachment point: the session management
// inbox drained by that Rpc's creator thread.
type nexusHook struct {
	rpcID uint8
	rpc   *Rpc

	smMu    sync.Mutex
	smInbox []SmPkt
}

func (h *nexusHook) pushSm(pkt SmPkt) {
	h.smMu.Lock()
	h.smInbox = append(h.smInbox, pkt)
	h.smMu.Unlock()
}

func (h *nexusHook) drainSm() []SmPkt {
	h.smMu.Lock()
	defer h.smMu.Unlock()
	if len(h.smInbox) == 0 {
		return nil
	}
	out := h.smInbox
	h.smInbox = nil
	return out
}

// Nexus is the process-wide registry where endpoints meet. It owns the
// request handler table, the tiny thread ID registry, the background
// worker pool, and session management routing.
type Nexus struct {
	cfg NexusConfig
	log *zap.Logger
	tls *TlsRegistry

	// smURI is the session management identity: the configured SmURI,
	// or the bound side channel address when listening.
	smURI string

	mu       sync.Mutex
	hooks    map[uint8]*nexusHook
	frozen   bool // set once the first Rpc is created
	reqFuncs [MaxReqTypes]ReqFunc

	bgQueue chan bgWorkItem
	bgWg    sync.WaitGroup

	sc *sideChannel

	closeOnce sync.Once
}

// NewNexus creates a Nexus and registers it on the process-local
// session management plane.
func NewNexus(cfg NexusConfig) (*Nexus, error) {
	if cfg.SmURI == "" {
		return nil, errors.New("nexus: SmURI must be set")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	n := &Nexus{
		cfg:   cfg,
		log:   cfg.Logger.Named("nexus"),
		tls:   newTlsRegistry(),
		hooks: make(map[uint8]*nexusHook),
	}

	// Listening rewrites the session management identity to the bound
	// address, so peers in other processes can route replies back.
	n.smURI = cfg.SmURI
	if cfg.ListenSideChannel {
		sc, err := newSideChannel(n)
		if err != nil {
			return nil, err
		}
		n.sc = sc
		n.smURI = sc.listener.Addr().String()
	}
	if _, loaded := processNexuses.LoadOrStore(n.smURI, n); loaded {
		if n.sc != nil {
			n.sc.close()
		}
		return nil, errors.Errorf("nexus: SmURI %q already registered", n.smURI)
	}

	if cfg.NumBgThreads > 0 {
		n.bgQueue = make(chan bgWorkItem, 1024)
		for i := 0; i < cfg.NumBgThreads; i++ {
			n.bgWg.Add(1)
			go n.bgWorker(i)
		}
	}
	return n, nil
}

// GetTinyTID returns the caller's tiny thread ID.
func (n *Nexus) GetTinyTID() int { return n.tls.GetTinyTID() }

// RegisterReqFunc installs the handler for a request type. It fails
// once the first Rpc has been created, or on duplicate registration.
func (n *Nexus) RegisterReqFunc(reqType uint8, fn ReqFunc) error {
	if fn.Func == nil {
		return errors.New("nexus: nil request handler")
	}
	if fn.Type == ReqFuncBackground && n.cfg.NumBgThreads == 0 {
		return errors.New("nexus: background handler without background threads")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return errors.New("nexus: request handlers are frozen after the first Rpc")
	}
	if n.reqFuncs[reqType].Func != nil {
		return errors.Errorf("nexus: request type %d already registered", reqType)
	}
	n.reqFuncs[reqType] = fn
	return nil
}

// registerHook attaches an Rpc and freezes the handler table.
func (n *Nexus) registerHook(rpc *Rpc) (*nexusHook, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.hooks[rpc.rpcID]; ok {
		return nil, errors.Errorf("nexus: rpc id %d already registered", rpc.rpcID)
	}
	n.frozen = true
	h := &nexusHook{rpcID: rpc.rpcID, rpc: rpc}
	n.hooks[rpc.rpcID] = h
	return h, nil
}

func (n *Nexus) unregisterHook(rpcID uint8) {
	n.mu.Lock()
	delete(n.hooks, rpcID)
	n.mu.Unlock()
}

// copyReqFuncs snapshots the handler table for an Rpc.
func (n *Nexus) copyReqFuncs() [MaxReqTypes]ReqFunc {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reqFuncs
}

// multiThreaded reports whether endpoints share state with workers.
func (n *Nexus) multiThreaded() bool { return n.cfg.NumBgThreads > 0 }

// sendSm routes an outgoing session management packet: short-circuit
// to a Nexus in this process, or out the side channel.
func (n *Nexus) sendSm(pkt SmPkt) {
	dest := pkt.destHostname()
	if v, ok := processNexuses.Load(dest); ok {
		v.(*Nexus).deliverSm(pkt)
		return
	}
	if err := sideChannelSend(dest, pkt); err != nil {
		n.log.Error("sm packet undeliverable",
			zap.String("dest", dest), zap.Stringer("pkt", pkt), zap.Error(err))
	}
}

// deliverSm places an incoming packet on the destination Rpc's inbox.
func (n *Nexus) deliverSm(pkt SmPkt) {
	n.mu.Lock()
	h, ok := n.hooks[pkt.destRpcID()]
	n.mu.Unlock()
	if !ok {
		// No such Rpc here; answer connect requests so the peer does not
		// hang. Other packets are logged and dropped.
		if pkt.PktType == SmPktConnectReq {
			resp := pkt
			resp.PktType = SmPktConnectResp
			resp.ErrType = SmErrInvalidRemoteRpcID
			n.sendSm(resp)
			return
		}
		n.log.Warn("sm packet for unknown rpc id",
			zap.Uint8("rpc_id", pkt.destRpcID()), zap.Stringer("pkt", pkt))
		return
	}
	h.pushSm(pkt)
}

// resetPeer emulates a side-channel peer reset for hostname: every
// local endpoint sees the reset as a single inbox item, so each
// processes it atomically in one drain.
func (n *Nexus) resetPeer(hostname string) {
	pkt := SmPkt{PktType: SmPktFaultResetPeer}
	pkt.Server.Hostname = hostname
	n.mu.Lock()
	hooks := make([]*nexusHook, 0, len(n.hooks))
	for _, h := range n.hooks {
		hooks = append(hooks, h)
	}
	n.mu.Unlock()
	for _, h := range hooks {
		p := pkt
		p.Client.RpcID = h.rpcID
		h.pushSm(p)
	}
}

// submitBackground hands a slot to the worker pool.
func (n *Nexus) submitBackground(rpc *Rpc, sslot *SSlot, wiType bgWorkItemType) {
	n.bgQueue <- bgWorkItem{wiType: wiType, rpc: rpc, sslot: sslot}
}

func (n *Nexus) bgWorker(id int) {
	defer n.bgWg.Done()
	n.tls.GetTinyTID()
	log := n.log.With(zap.Int("bg_worker", id))
	for wi := range n.bgQueue {
		switch wi.wiType {
		case bgWorkItemReq:
			fn := wi.rpc.reqFuncs[wi.sslot.reqType]
			if fn.Func == nil {
				log.Error("background work for unregistered request type",
					zap.Uint8("req_type", wi.sslot.reqType))
				continue
			}
			fn.Func(wi.sslot, wi.rpc.ctx)
		case bgWorkItemResp:
			wi.sslot.contFunc(wi.sslot, wi.rpc.ctx, wi.sslot.tag)
		}
	}
}

// Close stops the worker pool and side channel and unregisters the
// Nexus. Endpoints must be closed first.
func (n *Nexus) Close() {
	n.closeOnce.Do(func() {
		processNexuses.Delete(n.smURI)
		if n.bgQueue != nil {
			close(n.bgQueue)
			n.bgWg.Wait()
		}
		if n.sc != nil {
			n.sc.close()
		}
	})
}
