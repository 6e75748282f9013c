// rpc_ev_loop.go

package erpc

import "context"

// runEventLoopOnce is one cooperative pass over all datapath work:
// session management, receive completions, transmit queues, and the
// loss scanner when its epoch has elapsed. It never blocks.
func (r *Rpc) runEventLoopOnce() {
	r.dpathStats.evLoopCalls++

	r.handleSm()
	r.processComps()
	r.processReqTxq()
	r.processBgRespTxq()
	r.txFlush()

	if ts := rdtsc(); ts-r.prevEpochTs >= r.pktLossEpochCycles {
		r.prevEpochTs = ts
		r.pktLossScanReqs()
	}
}

// RunEventLoopOnce runs a single event loop pass. Creator thread only;
// calls from other threads are logged and ignored.
func (r *Rpc) RunEventLoopOnce() {
	if !r.inCreator() {
		r.log.Error("event loop entered from non-creator thread")
		return
	}
	r.runEventLoopOnce()
}

// RunEventLoop runs the event loop until ctx is done.
func (r *Rpc) RunEventLoop(ctx context.Context) {
	if !r.inCreator() {
		r.log.Error("event loop entered from non-creator thread")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.runEventLoopOnce()
	}
}

// RunEventLoopTimeout runs the event loop for timeoutMs milliseconds.
// Partial work is retained for the next call.
func (r *Rpc) RunEventLoopTimeout(timeoutMs int) {
	if !r.inCreator() {
		r.log.Error("event loop entered from non-creator thread")
		return
	}
	deadline := rdtsc() + msToCycles(timeoutMs)
	for rdtsc() < deadline {
		r.runEventLoopOnce()
	}
}
