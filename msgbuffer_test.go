package erpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxDataPerPkt = 1024

func allocTestMsgBuffer(t *testing.T, size int) MsgBuffer {
	a, err := NewHugeAlloc(maxClassSize, nil)
	require.NoError(t, err)
	b := a.Alloc(msgBufferSize(size, testMaxDataPerPkt))
	require.True(t, b.IsValid())
	return newMsgBuffer(b, size, testMaxDataPerPkt)
}

func Test_MsgBuffer_FragmentationLaw(t *testing.T) {
	for _, tc := range []struct {
		size, pkts int
	}{
		{1, 1},
		{testMaxDataPerPkt - 1, 1},
		{testMaxDataPerPkt, 1},
		{testMaxDataPerPkt + 1, 2},
		{4 * testMaxDataPerPkt, 4},
		{4*testMaxDataPerPkt + 1, 5},
	} {
		assert.Equal(t, tc.pkts, numPktsFor(tc.size, testMaxDataPerPkt), "size %d", tc.size)
		m := allocTestMsgBuffer(t, tc.size)
		assert.Equal(t, tc.pkts, m.NumPkts())
		// One header slot per packet.
		assert.Equal(t, tc.size+tc.pkts*PktHdrSize, len(m.data))
	}
}

func Test_MsgBuffer_MagicStamped(t *testing.T) {
	m := allocTestMsgBuffer(t, 100)
	assert.True(t, m.CheckMagic())
	assert.True(t, m.IsDynamic())
}

func Test_MsgBuffer_CopyRoundTrip(t *testing.T) {
	size := 3*testMaxDataPerPkt + 17
	m := allocTestMsgBuffer(t, size)

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	m.CopyIn(payload)
	assert.True(t, bytes.Equal(payload, m.CopyOut()))

	// The last fragment is the remainder.
	assert.Equal(t, 17, len(m.PayloadSlice(3)))
	assert.Equal(t, testMaxDataPerPkt, len(m.PayloadSlice(0)))
}

func Test_MsgBuffer_Resize(t *testing.T) {
	m := allocTestMsgBuffer(t, 4*testMaxDataPerPkt)
	assert.Equal(t, 4, m.NumPkts())

	m.resize(testMaxDataPerPkt + 1)
	assert.Equal(t, 2, m.NumPkts())
	assert.Equal(t, testMaxDataPerPkt+1, m.DataSize())
	assert.Equal(t, 4*testMaxDataPerPkt, m.MaxDataSize())

	m.resize(1)
	assert.Equal(t, 1, m.NumPkts())
}

func Test_MsgBuffer_FakeWrapsRingPacket(t *testing.T) {
	wire := make([]byte, PktHdrSize+64)
	ph := PktHdr(wire)
	ph.SetMagic()
	for i := 0; i < 64; i++ {
		wire[PktHdrSize+i] = 0xab
	}

	m := newFakeMsgBuffer(wire, 64, testMaxDataPerPkt)
	assert.True(t, m.IsValid())
	assert.False(t, m.IsDynamic())
	assert.Equal(t, 1, m.NumPkts())
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 64), m.Data())
}

func Test_MsgBuffer_StampHdrs(t *testing.T) {
	m := allocTestMsgBuffer(t, 2*testMaxDataPerPkt)
	m.stampHdrs(7, PktTypeReq, 3, 0x20)
	for i := 0; i < 2; i++ {
		ph := m.PktHdr(i)
		assert.True(t, ph.CheckMagic())
		assert.Equal(t, uint8(7), ph.ReqType())
		assert.Equal(t, 2*testMaxDataPerPkt, ph.MsgSize())
		assert.Equal(t, uint16(3), ph.DestSessionNum())
		assert.Equal(t, PktTypeReq, ph.PktType())
		assert.Equal(t, i, ph.PktNum())
		assert.Equal(t, uint64(0x20), ph.ReqNum())
	}
}
