package erpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_PktHdr_FieldRoundTrip(t *testing.T) {
	buf := make([]byte, PktHdrSize)
	ph := PktHdr(buf)

	ph.SetMagic()
	ph.SetReqType(0x5a)
	ph.SetMsgSize(0xabcdef)
	ph.SetDestSessionNum(0x1234)
	ph.SetPktType(PktTypeResp)
	ph.SetPktNum(0x7f01)
	ph.SetReqNum(0xba9876543210)

	assert.True(t, ph.CheckMagic())
	assert.Equal(t, uint8(0x5a), ph.ReqType())
	assert.Equal(t, 0xabcdef, ph.MsgSize())
	assert.Equal(t, uint16(0x1234), ph.DestSessionNum())
	assert.Equal(t, PktTypeResp, ph.PktType())
	assert.Equal(t, 0x7f01, ph.PktNum())
	assert.Equal(t, uint64(0xba9876543210), ph.ReqNum())
}

func Test_PktHdr_FieldsDoNotOverlap(t *testing.T) {
	buf := make([]byte, PktHdrSize)
	ph := PktHdr(buf)

	ph.SetMagic()
	ph.SetReqType(0xff)
	ph.SetMsgSize(1<<MsgSizeBits - 1)
	ph.SetDestSessionNum(0xffff)
	ph.SetPktType(PktTypeExplCR)
	ph.SetPktNum(1<<PktNumBits - 1)
	ph.SetReqNum(1<<ReqNumBits - 1)

	// Rewrite one field and check the others survive.
	ph.SetPktNum(0)
	assert.True(t, ph.CheckMagic())
	assert.Equal(t, uint8(0xff), ph.ReqType())
	assert.Equal(t, 1<<MsgSizeBits-1, ph.MsgSize())
	assert.Equal(t, uint16(0xffff), ph.DestSessionNum())
	assert.Equal(t, PktTypeExplCR, ph.PktType())
	assert.Equal(t, 0, ph.PktNum())
	assert.Equal(t, uint64(1<<ReqNumBits-1), ph.ReqNum())
}

func Test_PktHdr_TypePredicates(t *testing.T) {
	buf := make([]byte, PktHdrSize)
	ph := PktHdr(buf)

	ph.SetPktType(PktTypeReq)
	assert.True(t, ph.IsReq())
	ph.SetPktType(PktTypeResp)
	assert.True(t, ph.IsResp())
	ph.SetPktType(PktTypeExplCR)
	assert.True(t, ph.IsExplCR())
	ph.SetPktType(PktTypeReqForResp)
	assert.True(t, ph.IsReqForResp())
}

func Test_PktHdr_Setters_OutOfRange(t *testing.T) {
	ph := PktHdr(make([]byte, PktHdrSize))
	assert.Panics(t, func() { ph.SetMsgSize(1 << MsgSizeBits) })
	assert.Panics(t, func() { ph.SetPktNum(1 << PktNumBits) })
	assert.Panics(t, func() { ph.SetReqNum(1 << ReqNumBits) })
}

// Static wire format bounds for the transports this package ships.
func Test_PktHdr_StaticBounds(t *testing.T) {
	for _, maxDataPerPkt := range []int{1024, 4096, 8192} {
		maxMsgSize := maxClassSize - (maxClassSize/maxDataPerPkt)*PktHdrSize
		assert.GreaterOrEqual(t, 1<<MsgSizeBits, maxMsgSize)
		assert.GreaterOrEqual(t, (1<<PktNumBits)*maxDataPerPkt, maxMsgSize)
	}
}

func Test_PktHdr_Clear(t *testing.T) {
	ph := PktHdr(make([]byte, PktHdrSize))
	ph.SetMagic()
	ph.SetReqNum(42)
	ph.Clear()
	assert.False(t, ph.CheckMagic())
	assert.Equal(t, uint64(0), ph.ReqNum())
}
