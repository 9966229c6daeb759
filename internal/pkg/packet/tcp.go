package packet

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
)

// tcpFlowTimeout is how long an idle flow keeps its reassembly buffer.
const tcpFlowTimeout = 60 * time.Second

// maxTCPBuffer caps the reassembly buffer of a single flow; a flow that
// never produces a message boundary within it is discarded.
const maxTCPBuffer = 2 * maxSipMessageSize

type tcpFlowMode uint8

const (
	tcpModeSniff tcpFlowMode = iota
	tcpModeSIP
	tcpModeTLS
	tcpModeWS
	tcpModeWSHandshake
	tcpModeDiscard
)

// tcpFlowKey is the directional 4-tuple of a flow.
type tcpFlowKey struct {
	src Address
	dst Address
}

// tcpFlow holds the thread-confined reassembly state of one 4-tuple.
// Only the bytes SIP framing requires are kept; streams that do not carry
// SIP are discarded after the first segments.
type tcpFlow struct {
	mode     tcpFlowMode
	buf      []byte
	nextSeq  uint32
	haveSeq  bool
	lastSeen time.Time

	// ws continuation assembly
	wsMessage []byte

	// tls per-flow session, lazily created when the handshake is seen
	tls *tlsFlowSession
}

// dissectTCP feeds one segment into the flow buffer and extracts as many
// complete SIP messages as the buffer now holds. FIN and RST drop the
// flow state.
func (c *Chain) dissectTCP(pkt *Packet, tcp *layers.TCP) {
	pkt.TCP = &TransportRecord{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
	}
	pkt.Src.Port = uint16(tcp.SrcPort)
	pkt.Src.Transport = TransportTCP
	pkt.Dst.Port = uint16(tcp.DstPort)
	pkt.Dst.Transport = TransportTCP

	key := tcpFlowKey{src: pkt.Src, dst: pkt.Dst}

	if tcp.FIN || tcp.RST {
		delete(c.tcpFlows, key)
		return
	}
	if len(tcp.Payload) == 0 {
		return
	}

	flow, ok := c.tcpFlows[key]
	if !ok {
		flow = &tcpFlow{}
		c.tcpFlows[key] = flow
	}
	flow.lastSeen = pkt.Timestamp

	seq := tcp.Seq
	switch {
	case !flow.haveSeq:
		flow.haveSeq = true
		flow.nextSeq = seq + uint32(len(tcp.Payload))
		flow.buf = append(flow.buf, tcp.Payload...)
	case seq == flow.nextSeq:
		flow.nextSeq += uint32(len(tcp.Payload))
		flow.buf = append(flow.buf, tcp.Payload...)
	case seqBefore(seq, flow.nextSeq):
		// Retransmission; keep only bytes past what we already hold
		skip := flow.nextSeq - seq
		if skip < uint32(len(tcp.Payload)) {
			flow.buf = append(flow.buf, tcp.Payload[skip:]...)
			flow.nextSeq = seq + uint32(len(tcp.Payload))
		}
	default:
		// Gap; SIP framing cannot survive it, restart at this segment
		flow.buf = flow.buf[:0]
		flow.mode = tcpModeSniff
		flow.nextSeq = seq + uint32(len(tcp.Payload))
		flow.buf = append(flow.buf, tcp.Payload...)
	}

	if len(flow.buf) > maxTCPBuffer {
		delete(c.tcpFlows, key)
		return
	}

	c.drainTCPFlow(pkt, key, flow)
}

// drainTCPFlow classifies a fresh flow and extracts completed messages.
func (c *Chain) drainTCPFlow(pkt *Packet, key tcpFlowKey, flow *tcpFlow) {
	if flow.mode == tcpModeSniff {
		flow.mode = sniffTCPContent(flow.buf)
	}
	if flow.mode == tcpModeWSHandshake {
		c.drainWSHandshake(flow)
	}

	switch flow.mode {
	case tcpModeSIP:
		c.drainSIPMessages(pkt, flow)
	case tcpModeTLS:
		c.drainTLS(pkt, flow)
	case tcpModeWS:
		c.drainWS(pkt, flow)
	case tcpModeDiscard:
		delete(c.tcpFlows, key)
	}
}

// sniffTCPContent decides what a flow carries from its first bytes.
func sniffTCPContent(buf []byte) tcpFlowMode {
	if len(buf) < 4 {
		return tcpModeSniff
	}
	if looksLikeTLS(buf) {
		return tcpModeTLS
	}
	if bytes.HasPrefix(buf, []byte("GET ")) && len(buf) > 16 {
		return tcpModeWSHandshake
	}
	if bytes.HasPrefix(buf, []byte("HTTP/1.1 101 ")) {
		return tcpModeWSHandshake
	}
	if looksLikeSIP(buf) {
		return tcpModeSIP
	}
	// Partial start line: wait for more bytes before giving up
	if len(buf) < 16 {
		return tcpModeSniff
	}
	return tcpModeDiscard
}

// drainSIPMessages pulls complete SIP messages off the front of the flow
// buffer and runs them through the SIP dissector, attributing each message
// to the packet that completed it. The packet's message-scoped record
// slots are cleared per message: a pipelined message without a body must
// not inherit the previous message's descriptors.
func (c *Chain) drainSIPMessages(pkt *Packet, flow *tcpFlow) {
	for {
		msgLen, ok := sipFrameLength(flow.buf)
		if !ok {
			return
		}
		msg := make([]byte, msgLen)
		copy(msg, flow.buf[:msgLen])
		flow.buf = flow.buf[msgLen:]

		pkt.SIP = nil
		pkt.SDP = nil
		if residual := c.dissectSIP(pkt, msg); residual != nil {
			c.dissectSDP(pkt, residual)
		}
		if pkt.SIP != nil {
			c.deliver(pkt)
		}
	}
}

// sipFrameLength returns the length of the first complete SIP message in
// buf. The message header ends at CRLFCRLF; the body length is taken from
// Content-Length when present.
func sipFrameLength(buf []byte) (int, bool) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	sep := 4
	if headerEnd < 0 {
		headerEnd = bytes.Index(buf, []byte("\n\n"))
		sep = 2
	}
	if headerEnd < 0 {
		return 0, false
	}

	contentLength := 0
	for _, line := range strings.Split(string(buf[:headerEnd]), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "content-length" || key == "l" {
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 && n <= maxSipMessageSize {
				contentLength = n
			}
			break
		}
	}

	total := headerEnd + sep + contentLength
	if len(buf) < total {
		return 0, false
	}
	return total, true
}

// sweep drops idle flow state: TCP flows past 60 s, IPv4 fragment flows
// past 30 s. Driven by the capture loop clock, not the wall clock, so
// offline files age by packet time.
func (c *Chain) sweep(now time.Time) {
	for key, flow := range c.tcpFlows {
		if now.Sub(flow.lastSeen) > tcpFlowTimeout {
			delete(c.tcpFlows, key)
		}
	}
	c.defrag.discardOlderThan(now.Add(-ipFragmentTimeout))
}

// seqBefore reports whether a comes before b in sequence space.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
