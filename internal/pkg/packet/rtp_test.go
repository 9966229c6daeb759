package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksLikeRTP(t *testing.T) {
	header := func(versionByte, ptByte byte) []byte {
		return []byte{versionByte, ptByte, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}
	}

	tests := []struct {
		name    string
		data    []byte
		dstPort uint16
		want    bool
	}{
		{"valid pcmu even port", header(0x80, 0x00), 4000, true},
		{"marker bit set", header(0x80, 0x88), 4000, true},
		{"odd port", header(0x80, 0x00), 4001, false},
		{"wrong version", header(0x40, 0x00), 4000, false},
		{"rtcp collision range", header(0x80, 72), 4000, false},
		{"too short", []byte{0x80, 0x00}, 4000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikeRTP(tt.data, tt.dstPort))
		})
	}
}

func TestLooksLikeRTCP(t *testing.T) {
	sr := []byte{0x80, 200, 0, 6, 0xde, 0xad, 0xbe, 0xef}
	assert.True(t, looksLikeRTCP(sr, 4001))
	assert.False(t, looksLikeRTCP(sr, 4000), "even port is RTP territory")
	assert.False(t, looksLikeRTCP([]byte{0x80, 0x00, 0, 0, 0, 0, 0, 0}, 4001), "payload type outside RTCP range")
}

func TestDissectRTPWithCSRC(t *testing.T) {
	// CC=2: two CSRC entries follow the fixed header
	data := []byte{
		0x82, 0x08, 0x12, 0x34,
		0x00, 0x00, 0x10, 0x00,
		0xca, 0xfe, 0xba, 0xbe,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x02,
		0xaa, 0xbb,
	}
	chain, _ := collectChain()
	pkt := New(nil, captureInfo(testBase, 0), 1)
	chain.dissectRTP(pkt, data)

	assert.NotNil(t, pkt.RTP)
	assert.Equal(t, uint8(8), pkt.RTP.PayloadType)
	assert.Equal(t, uint16(0x1234), pkt.RTP.Seq)
	assert.Equal(t, uint32(0xcafebabe), pkt.RTP.SSRC)
	assert.Equal(t, 2, pkt.RTP.PayloadLen)
}

func TestDissectRTCP(t *testing.T) {
	data := []byte{0x80, 201, 0, 1, 0xde, 0xad, 0xbe, 0xef}
	chain, _ := collectChain()
	pkt := New(nil, captureInfo(testBase, 0), 1)
	chain.dissectRTCP(pkt, data)

	assert.NotNil(t, pkt.RTCP)
	assert.Equal(t, uint8(201), pkt.RTCP.PacketType)
	assert.Equal(t, uint32(0xdeadbeef), pkt.RTCP.SSRC)
}
