package packet

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHEPv3RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC)
	pkt := New([]byte(inviteMessage), captureInfo(ts, len(inviteMessage)), 1)
	pkt.Src = NewAddress("10.0.0.1", 5060, TransportUDP)
	pkt.Dst = NewAddress("10.0.0.2", 5060, TransportUDP)

	chain, _ := collectChain()
	chain.dissectSIP(pkt, []byte(inviteMessage))
	require.NotNil(t, pkt.SIP)

	frame, err := EncodeHEP(pkt, 2002, "secret")
	require.NoError(t, err)
	assert.True(t, IsHEP(frame))

	rec, err := DecodeHEP(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), rec.Version)
	assert.Equal(t, "10.0.0.1", rec.SrcIP.String())
	assert.Equal(t, "10.0.0.2", rec.DstIP.String())
	assert.Equal(t, uint16(5060), rec.SrcPort)
	assert.Equal(t, uint16(5060), rec.DstPort)
	assert.Equal(t, uint32(2002), rec.CaptureID)
	assert.True(t, rec.Timestamp.Equal(ts))
	assert.Equal(t, []byte(inviteMessage), rec.Payload)
}

func TestHEPv2Decode(t *testing.T) {
	payload := []byte("OPTIONS sip:x SIP/2.0\r\nCall-ID: ping@host\r\n\r\n")

	frame := make([]byte, hepV2Len+len(payload))
	frame[0] = 0x02
	frame[1] = hepV2Len
	frame[2] = 2  // IPv4
	frame[3] = 17 // UDP
	binary.BigEndian.PutUint16(frame[4:6], 5060)
	binary.BigEndian.PutUint16(frame[6:8], 5080)
	copy(frame[8:12], []byte{192, 168, 0, 1})
	copy(frame[12:16], []byte{192, 168, 0, 2})
	binary.BigEndian.PutUint32(frame[16:20], 1700000000)
	binary.BigEndian.PutUint32(frame[20:24], 500)
	binary.BigEndian.PutUint16(frame[24:26], 42)
	copy(frame[hepV2Len:], payload)

	assert.True(t, IsHEP(frame))
	rec, err := DecodeHEP(frame)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), rec.Version)
	assert.Equal(t, "192.168.0.1", rec.SrcIP.String())
	assert.Equal(t, uint16(5080), rec.DstPort)
	assert.Equal(t, uint32(42), rec.CaptureID)
	assert.Equal(t, payload, rec.Payload)
}

func TestDecodeHEPRejectsGarbage(t *testing.T) {
	_, err := DecodeHEP([]byte("not an envelope"))
	assert.Error(t, err)

	// Truncated v3 frame: magic claims more bytes than present
	frame := []byte{'H', 'E', 'P', '3', 0xff, 0xff}
	_, err = DecodeHEP(frame)
	assert.Error(t, err)
}

func TestPacketFromHEP(t *testing.T) {
	rec := &HEPRecord{
		Version:   3,
		IPProto:   17,
		SrcIP:     NewAddress("10.1.1.1", 0, TransportUDP).IP,
		DstIP:     NewAddress("10.1.1.2", 0, TransportUDP).IP,
		SrcPort:   5060,
		DstPort:   5061,
		Timestamp: testBase,
		Payload:   []byte(inviteMessage),
	}
	pkt := PacketFromHEP(rec)
	assert.Equal(t, "10.1.1.1:5060", pkt.Src.String())
	assert.Equal(t, "10.1.1.2:5061", pkt.Dst.String())
	assert.Equal(t, TransportUDP, pkt.Src.Transport)
	assert.True(t, pkt.Timestamp.Equal(testBase))
	assert.NotNil(t, pkt.HEP)
}
