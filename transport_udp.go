// transport_udp.go

package erpc

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// UDPTransport is the raw UDP fallback transport. It is poll-mode:
// RxBurst drains whatever datagrams the socket holds, waiting at most
// udpPollWindow when the socket is empty.
type UDPTransport struct {
	conn           *net.UDPConn
	maxDataPerPkt  int
	postlist       int
	recvQueueDepth int
	postedRecvs    int
}

// NewUDPTransport binds a UDP socket on bindAddr ("host:port", port 0
// picks a free one).
func NewUDPTransport(bindAddr string, maxDataPerPkt, postlist, recvQueueDepth int) (*UDPTransport, error) {
	if PktHdrSize+maxDataPerPkt > 65507 {
		return nil, errors.Errorf("udp: packet size %d exceeds datagram limit", PktHdrSize+maxDataPerPkt)
	}
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "udp: resolve bind address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "udp: listen")
	}
	return &UDPTransport{
		conn:           conn,
		maxDataPerPkt:  maxDataPerPkt,
		postlist:       postlist,
		recvQueueDepth: recvQueueDepth,
	}, nil
}

// MaxDataPerPkt implements Transport.
func (t *UDPTransport) MaxDataPerPkt() int { return t.maxDataPerPkt }

// Postlist implements Transport.
func (t *UDPTransport) Postlist() int { return t.postlist }

// RecvQueueDepth implements Transport.
func (t *UDPTransport) RecvQueueDepth() int { return t.recvQueueDepth }

// SelfRoutingInfo implements Transport.
func (t *UDPTransport) SelfRoutingInfo() []byte {
	return []byte(t.conn.LocalAddr().String())
}

// Resolve implements Transport.
func (t *UDPTransport) Resolve(blob []byte) (RoutingInfo, error) {
	addr, err := net.ResolveUDPAddr("udp", string(blob))
	if err != nil {
		return nil, errors.Wrapf(err, "udp: resolve %q", string(blob))
	}
	return addr, nil
}

// TxBurst implements Transport.
func (t *UDPTransport) TxBurst(items []TxBurstItem) error {
	for i := range items {
		item := &items[i]
		if item.Drop {
			continue
		}
		addr, ok := item.RoutingInfo.(*net.UDPAddr)
		if !ok {
			return errors.Errorf("udp: foreign routing info %v", item.RoutingInfo)
		}
		if _, err := t.conn.WriteToUDP(serializePkt(item), addr); err != nil {
			return errors.Wrap(err, "udp: write")
		}
	}
	return nil
}

// udpPollWindow bounds how long RxBurst may wait on an empty socket.
// Buffered datagrams return immediately; an expired deadline would
// fail even those.
const udpPollWindow = 100 * time.Microsecond

// RxBurst implements Transport.
func (t *UDPTransport) RxBurst() [][]byte {
	var pkts [][]byte
	t.conn.SetReadDeadline(time.Now().Add(udpPollWindow))
	for len(pkts) < t.postlist && t.postedRecvs > len(pkts) {
		buf := make([]byte, PktHdrSize+t.maxDataPerPkt)
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		pkts = append(pkts, buf[:n])
	}
	t.postedRecvs -= len(pkts)
	return pkts
}

// PostRecvs implements Transport.
func (t *UDPTransport) PostRecvs(n int) { t.postedRecvs += n }

// Close implements Transport.
func (t *UDPTransport) Close() error { return t.conn.Close() }
