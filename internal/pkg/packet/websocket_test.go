package packet

import (
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsFrame(fin bool, opcode uint8, mask bool, payload []byte) []byte {
	var frame []byte
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	frame = append(frame, b0)

	maskBit := byte(0)
	if mask {
		maskBit = 0x80
	}
	switch {
	case len(payload) < 126:
		frame = append(frame, maskBit|byte(len(payload)))
	default:
		frame = append(frame, maskBit|126)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(payload)))
		frame = append(frame, l[:]...)
	}

	if mask {
		key := []byte{0x11, 0x22, 0x33, 0x44}
		frame = append(frame, key...)
		masked := make([]byte, len(payload))
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		return append(frame, masked...)
	}
	return append(frame, payload...)
}

const wsUpgradeRequest = "GET /ws HTTP/1.1\r\n" +
	"Host: sip.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Protocol: sip\r\n" +
	"\r\n"

func feedTCP(t *testing.T, chain *Chain, seq uint32, payload []byte) uint32 {
	t.Helper()
	frame := buildTCPFrame(t, "10.0.0.1", "10.0.0.2", 52000, 8088, seq, false, payload)
	chain.Dissect(frame, captureInfo(testBase, len(frame)), layers.LinkTypeEthernet)
	return seq + uint32(len(payload))
}

func TestWebSocketSIPMessage(t *testing.T) {
	chain, got := collectChain()

	seq := feedTCP(t, chain, 1, []byte(wsUpgradeRequest))
	assert.Empty(t, *got)

	seq = feedTCP(t, chain, seq, wsFrame(true, wsOpcodeText, true, []byte(inviteMessage)))
	require.Len(t, *got, 1)
	d := (*got)[0]
	assert.Equal(t, "a84b4c76e66710@pc33.example.com", d.SIP.CallID)
	assert.Equal(t, TransportWS, d.Src.Transport)
	_ = seq
}

func TestWebSocketContinuationFrames(t *testing.T) {
	chain, got := collectChain()

	half := len(inviteMessage) / 2
	seq := feedTCP(t, chain, 1, []byte(wsUpgradeRequest))
	seq = feedTCP(t, chain, seq, wsFrame(false, wsOpcodeText, true, []byte(inviteMessage[:half])))
	assert.Empty(t, *got)
	seq = feedTCP(t, chain, seq, wsFrame(true, wsOpcodeContinuation, true, []byte(inviteMessage[half:])))
	require.Len(t, *got, 1)
	assert.Equal(t, "a84b4c76e66710@pc33.example.com", (*got)[0].SIP.CallID)
	_ = seq
}

func TestWebSocketControlFramesSkipped(t *testing.T) {
	chain, got := collectChain()

	seq := feedTCP(t, chain, 1, []byte(wsUpgradeRequest))
	seq = feedTCP(t, chain, seq, wsFrame(true, wsOpcodePing, true, []byte("keepalive")))
	assert.Empty(t, *got)
	seq = feedTCP(t, chain, seq, wsFrame(true, wsOpcodeBinary, true, []byte(inviteMessage)))
	assert.Len(t, *got, 1)
	_ = seq
}

func TestWebSocketBackToBackMessages(t *testing.T) {
	body := "v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 4000 RTP/AVP 0\r\n"
	invite := "INVITE sip:bob@example.com SIP/2.0\r\n" +
		"Call-ID: wspipe@host\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"\r\n" + body
	ack := "ACK sip:bob@example.com SIP/2.0\r\n" +
		"Call-ID: wspipe@host\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>;tag=2\r\n" +
		"CSeq: 1 ACK\r\n" +
		"\r\n"

	chain, got := collectChain()
	seq := feedTCP(t, chain, 1, []byte(wsUpgradeRequest))
	// Both frames land in one segment; the bodyless ACK must not carry
	// the INVITE's media descriptors
	frames := append(wsFrame(true, wsOpcodeText, true, []byte(invite)),
		wsFrame(true, wsOpcodeText, true, []byte(ack))...)
	feedTCP(t, chain, seq, frames)

	require.Len(t, *got, 2)
	require.NotNil(t, (*got)[0].SDP)
	assert.Equal(t, "ACK", (*got)[1].SIP.Method)
	assert.Nil(t, (*got)[1].SDP)
}

func TestWebSocketNonUpgradeDiscarded(t *testing.T) {
	chain, got := collectChain()

	plainHTTP := "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"
	feedTCP(t, chain, 1, []byte(plainHTTP))
	assert.Empty(t, *got)
	assert.Empty(t, chain.tcpFlows)
}

func TestWSNextFrameUnmasksPayload(t *testing.T) {
	flow := &tcpFlow{buf: wsFrame(true, wsOpcodeText, true, []byte("OPTIONS"))}
	payload, fin, opcode, ok := wsNextFrame(flow)
	require.True(t, ok)
	assert.True(t, fin)
	assert.Equal(t, uint8(wsOpcodeText), opcode)
	assert.Equal(t, []byte("OPTIONS"), payload)
	assert.Empty(t, flow.buf)
}
