// nexus_debug.go

package erpc

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// DebugStats is the introspection snapshot served by the debug
// endpoint.
type DebugStats struct {
	SmURI string          `json:"sm_uri"`
	Rpcs  []DebugRpcStats `json:"rpcs"`
}

// DebugRpcStats is one endpoint's counters.
type DebugRpcStats struct {
	RpcID          uint8  `json:"rpc_id"`
	ActiveSessions int    `json:"active_sessions"`
	EvLoopCalls    uint64 `json:"ev_loop_calls"`
	TxPkts         uint64 `json:"tx_pkts"`
	RxPkts         uint64 `json:"rx_pkts"`
	Retransmits    uint64 `json:"retransmits"`
	UserAllocTot   int    `json:"user_alloc_tot"`
}

// debugStats snapshots every registered endpoint. The session counts
// read creator-owned state and are approximate while endpoints run.
func (n *Nexus) debugStats() DebugStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	stats := DebugStats{SmURI: n.smURI}
	for _, h := range n.hooks {
		r := h.rpc
		stats.Rpcs = append(stats.Rpcs, DebugRpcStats{
			RpcID:          r.rpcID,
			ActiveSessions: r.NumActiveSessions(),
			EvLoopCalls:    r.dpathStats.evLoopCalls,
			TxPkts:         r.dpathStats.txPkts,
			RxPkts:         r.dpathStats.rxPkts,
			Retransmits:    r.dpathStats.retransmits,
			UserAllocTot:   r.hugeAlloc.StatUserAllocTot(),
		})
	}
	return stats
}

// ServeDebugStats serves endpoint counters as JSON on addr until the
// listener fails. It runs the caller's goroutine; start it in its own.
func (n *Nexus) ServeDebugStats(addr string) error {
	handler := func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/stats" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		body, err := json.Marshal(n.debugStats())
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	}
	n.log.Info("debug stats listening", zap.String("addr", addr))
	return errors.Wrap(fasthttp.ListenAndServe(addr, handler), "debug stats server")
}
