// transport.go

package erpc

// RoutingInfo is a transport-resolved address for a remote endpoint.
// The engine treats it as opaque and passes it back to the transport in
// transmit descriptors.
type RoutingInfo interface {
	String() string
}

// TxBurstItem describes one packet to transmit. Offset is the byte
// offset of the packet's payload within the message; DataBytes is zero
// for header-only packets. Drop is set by fault injection and the
// transport must then post nothing.
type TxBurstItem struct {
	RoutingInfo RoutingInfo
	MsgBuf      *MsgBuffer
	Offset      int
	DataBytes   int
	Drop        bool
}

// Transport is the unreliable datagram transport consumed by the
// engine. Implementations are poll-mode and never block.
type Transport interface {
	// MaxDataPerPkt is the maximum payload bytes in one packet.
	MaxDataPerPkt() int
	// Postlist is the transmit and completion batch depth.
	Postlist() int
	// RecvQueueDepth is the receive ring depth.
	RecvQueueDepth() int

	// TxBurst posts the descriptors. Header-only packets are copied out
	// before TxBurst returns; data packets may reference the MsgBuffer
	// until the next TxBurst call for the same buffer.
	TxBurst(items []TxBurstItem) error
	// RxBurst returns received packets, at most Postlist of them. The
	// returned ring buffers are invalidated by the next PostRecvs.
	RxBurst() [][]byte
	// PostRecvs replenishes n receive descriptors.
	PostRecvs(n int)

	// SelfRoutingInfo returns this endpoint's routing blob for the
	// session management handshake.
	SelfRoutingInfo() []byte
	// Resolve decodes a peer's routing blob into usable RoutingInfo.
	Resolve(blob []byte) (RoutingInfo, error)

	Close() error
}

// serializePkt flattens one transmit descriptor into a wire packet:
// the fragment's header followed by its payload bytes.
func serializePkt(item *TxBurstItem) []byte {
	idx := 0
	if item.DataBytes > 0 {
		idx = item.Offset / item.MsgBuf.maxDataPerPkt
	}
	hdr := item.MsgBuf.PktHdr(idx)
	wire := make([]byte, PktHdrSize+item.DataBytes)
	copy(wire, hdr)
	if item.DataBytes > 0 {
		copy(wire[PktHdrSize:], item.MsgBuf.PayloadSlice(idx)[:item.DataBytes])
	}
	return wire
}
