package packet

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Proto identifies a dissector in the chain. Each decoded protocol attaches
// exactly one record to the packet, in its own typed slot.
type Proto uint8

const (
	ProtoLink Proto = iota
	ProtoIP
	ProtoUDP
	ProtoTCP
	ProtoTLS
	ProtoWS
	ProtoSIP
	ProtoSDP
	ProtoRTP
	ProtoRTCP
	ProtoHEP
)

func (p Proto) String() string {
	switch p {
	case ProtoLink:
		return "link"
	case ProtoIP:
		return "ip"
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	case ProtoWS:
		return "ws"
	case ProtoSIP:
		return "sip"
	case ProtoSDP:
		return "sdp"
	case ProtoRTP:
		return "rtp"
	case ProtoRTCP:
		return "rtcp"
	case ProtoHEP:
		return "hep"
	}
	return "unknown"
}

// IPRecord carries the IP version and next-layer protocol of a decoded
// frame; the addresses are in the packet's Src and Dst.
type IPRecord struct {
	Version  uint8
	Protocol layers.IPProtocol
}

// TransportRecord carries the decoded transport ports.
type TransportRecord struct {
	SrcPort uint16
	DstPort uint16
}

// TLSRecord notes that the frame carried TLS records, and whether they
// could be decrypted into application data.
type TLSRecord struct {
	Decrypted bool
}

// WSRecord notes a decoded WebSocket frame.
type WSRecord struct {
	Opcode uint8
	Masked bool
	Final  bool
}

// Packet is one decoded frame. It owns its raw bytes and carries one typed
// record slot per protocol that decoded it. Unknown protocols are not
// stored. A Packet is created by a capture input, filled by the dissector
// chain, and then either retained by storage (SIP) or dropped.
type Packet struct {
	Timestamp time.Time
	LinkType  layers.LinkType
	CaptureInfo gopacket.CaptureInfo

	// Src and Dst are the innermost transport endpoints.
	Src Address
	Dst Address

	data []byte

	IP   *IPRecord
	UDP  *TransportRecord
	TCP  *TransportRecord
	TLS  *TLSRecord
	WS   *WSRecord
	SIP  *SIPRecord
	SDP  *SDPRecord
	RTP  *RTPRecord
	RTCP *RTCPRecord
	HEP  *HEPRecord
}

// New creates a packet owning its raw bytes.
func New(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) *Packet {
	return &Packet{
		Timestamp:   ci.Timestamp,
		LinkType:    linkType,
		CaptureInfo: ci,
		data:        data,
	}
}

// Data returns the raw captured bytes.
func (p *Packet) Data() []byte {
	return p.data
}

// Has reports whether the given protocol decoded this frame.
func (p *Packet) Has(proto Proto) bool {
	switch proto {
	case ProtoIP:
		return p.IP != nil
	case ProtoUDP:
		return p.UDP != nil
	case ProtoTCP:
		return p.TCP != nil
	case ProtoTLS:
		return p.TLS != nil
	case ProtoWS:
		return p.WS != nil
	case ProtoSIP:
		return p.SIP != nil
	case ProtoSDP:
		return p.SDP != nil
	case ProtoRTP:
		return p.RTP != nil
	case ProtoRTCP:
		return p.RTCP != nil
	case ProtoHEP:
		return p.HEP != nil
	}
	return false
}

// Size approximates the retained memory of the packet for the storage
// accounting. Raw bytes dominate; record slots are counted flat.
func (p *Packet) Size() int64 {
	size := int64(len(p.data)) + 128
	if p.SIP != nil {
		size += int64(len(p.SIP.Payload)) + 256
	}
	if p.SDP != nil {
		size += int64(len(p.SDP.Medias)) * 96
	}
	return size
}
