package packet

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// WebSocket framing per RFC 6455, as seen on captured SIP-over-WS flows
// (RFC 7118). Each direction of the TCP connection is a separate flow, so
// the client side sees the upgrade request and the server side the 101
// response; both switch to frame mode once their handshake half completes.

const (
	wsOpcodeContinuation = 0x0
	wsOpcodeText         = 0x1
	wsOpcodeBinary       = 0x2
	wsOpcodeClose        = 0x8
	wsOpcodePing         = 0x9
	wsOpcodePong         = 0xa
)

// drainWSHandshake consumes the HTTP upgrade half present in this
// direction and switches the flow to frame mode when it announces a
// WebSocket upgrade.
func (c *Chain) drainWSHandshake(flow *tcpFlow) {
	headerEnd := bytes.Index(flow.buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(flow.buf) > maxSipMessageSize {
			flow.mode = tcpModeDiscard
		}
		return
	}
	header := strings.ToLower(string(flow.buf[:headerEnd]))
	flow.buf = flow.buf[headerEnd+4:]

	if strings.Contains(header, "upgrade: websocket") {
		flow.mode = tcpModeWS
	} else {
		flow.mode = tcpModeDiscard
	}
}

// drainWS extracts complete frames, unmasks them and joins continuation
// frames into one message before handing the payload to the SIP dissector.
func (c *Chain) drainWS(pkt *Packet, flow *tcpFlow) {
	for {
		frame, fin, opcode, ok := wsNextFrame(flow)
		if !ok {
			return
		}

		switch opcode {
		case wsOpcodeText, wsOpcodeBinary:
			flow.wsMessage = append(flow.wsMessage[:0], frame...)
		case wsOpcodeContinuation:
			flow.wsMessage = append(flow.wsMessage, frame...)
		case wsOpcodeClose, wsOpcodePing, wsOpcodePong:
			continue
		default:
			continue
		}

		if !fin {
			continue
		}

		message := make([]byte, len(flow.wsMessage))
		copy(message, flow.wsMessage)
		flow.wsMessage = flow.wsMessage[:0]

		pkt.WS = &WSRecord{Opcode: opcode, Final: true}
		pkt.Src.Transport = TransportWS
		pkt.Dst.Transport = TransportWS
		pkt.SIP = nil
		pkt.SDP = nil
		if residual := c.dissectSIP(pkt, message); residual != nil {
			c.dissectSDP(pkt, residual)
		}
		if pkt.SIP != nil {
			c.deliver(pkt)
		}
	}
}

// wsNextFrame pops one complete frame off the flow buffer, returning its
// unmasked payload.
func wsNextFrame(flow *tcpFlow) (payload []byte, fin bool, opcode uint8, ok bool) {
	buf := flow.buf
	if len(buf) < 2 {
		return nil, false, 0, false
	}

	fin = buf[0]&0x80 != 0
	opcode = buf[0] & 0x0f
	masked := buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7f)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, false, 0, false
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, false, 0, false
		}
		length = binary.BigEndian.Uint64(buf[offset : offset+8])
		offset += 8
	}
	if length > maxSipMessageSize {
		flow.mode = tcpModeDiscard
		return nil, false, 0, false
	}

	var maskKey []byte
	if masked {
		if len(buf) < offset+4 {
			return nil, false, 0, false
		}
		maskKey = buf[offset : offset+4]
		offset += 4
	}
	if uint64(len(buf)) < uint64(offset)+length {
		return nil, false, 0, false
	}

	payload = make([]byte, length)
	copy(payload, buf[offset:offset+int(length)])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	flow.buf = buf[offset+int(length):]
	return payload, fin, opcode, true
}
