// transport_loopback.go

package erpc

import (
	"sync"

	"github.com/pkg/errors"
)

// LoopbackNetwork connects LoopbackTransports within one process. It
// models an unreliable datagram fabric: packets to a full receive ring
// are dropped, and descriptors marked Drop are posted nowhere.
type LoopbackNetwork struct {
	mu  sync.Mutex
	eps map[string]*LoopbackTransport
}

// NewLoopbackNetwork returns an empty loopback fabric.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{eps: make(map[string]*LoopbackTransport)}
}

// NewTransport attaches a named endpoint to the fabric.
func (n *LoopbackNetwork) NewTransport(name string, maxDataPerPkt, postlist, recvQueueDepth int) *LoopbackTransport {
	t := &LoopbackTransport{
		network:        n,
		name:           name,
		maxDataPerPkt:  maxDataPerPkt,
		postlist:       postlist,
		recvQueueDepth: recvQueueDepth,
	}
	n.mu.Lock()
	n.eps[name] = t
	n.mu.Unlock()
	return t
}

type loopbackRoute struct {
	target *LoopbackTransport
}

func (r loopbackRoute) String() string { return "loopback:" + r.target.name }

// LoopbackTransport is an in-process datagram transport, used by tests
// and the bench harness.
type LoopbackTransport struct {
	network        *LoopbackNetwork
	name           string
	maxDataPerPkt  int
	postlist       int
	recvQueueDepth int

	mu          sync.Mutex
	inbox       [][]byte
	postedRecvs int
	closed      bool

	// DroppedPkts counts packets lost to ring overflow or Drop flags.
	DroppedPkts int
}

// MaxDataPerPkt implements Transport.
func (t *LoopbackTransport) MaxDataPerPkt() int { return t.maxDataPerPkt }

// Postlist implements Transport.
func (t *LoopbackTransport) Postlist() int { return t.postlist }

// RecvQueueDepth implements Transport.
func (t *LoopbackTransport) RecvQueueDepth() int { return t.recvQueueDepth }

// SelfRoutingInfo implements Transport.
func (t *LoopbackTransport) SelfRoutingInfo() []byte { return []byte(t.name) }

// Resolve implements Transport.
func (t *LoopbackTransport) Resolve(blob []byte) (RoutingInfo, error) {
	t.network.mu.Lock()
	target, ok := t.network.eps[string(blob)]
	t.network.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("loopback: no endpoint %q", string(blob))
	}
	return loopbackRoute{target: target}, nil
}

// TxBurst implements Transport.
func (t *LoopbackTransport) TxBurst(items []TxBurstItem) error {
	for i := range items {
		item := &items[i]
		if item.Drop {
			t.DroppedPkts++
			continue
		}
		route, ok := item.RoutingInfo.(loopbackRoute)
		if !ok {
			return errors.Errorf("loopback: foreign routing info %v", item.RoutingInfo)
		}
		route.target.push(serializePkt(item))
	}
	return nil
}

func (t *LoopbackTransport) push(wire []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.inbox) >= t.recvQueueDepth || t.postedRecvs <= len(t.inbox) {
		t.DroppedPkts++
		return
	}
	t.inbox = append(t.inbox, wire)
}

// RxBurst implements Transport.
func (t *LoopbackTransport) RxBurst() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.inbox)
	if n > t.postlist {
		n = t.postlist
	}
	if n == 0 {
		return nil
	}
	pkts := make([][]byte, n)
	copy(pkts, t.inbox[:n])
	t.inbox = append(t.inbox[:0], t.inbox[n:]...)
	t.postedRecvs -= n
	return pkts
}

// PostRecvs implements Transport.
func (t *LoopbackTransport) PostRecvs(n int) {
	t.mu.Lock()
	t.postedRecvs += n
	t.mu.Unlock()
}

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	t.network.mu.Lock()
	delete(t.network.eps, t.name)
	t.network.mu.Unlock()

	t.mu.Lock()
	t.closed = true
	t.inbox = nil
	t.mu.Unlock()
	return nil
}
