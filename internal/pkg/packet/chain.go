package packet

import (
	"encoding/binary"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/endorses/sipscope/internal/pkg/logger"
)

// ipFragmentTimeout is how long incomplete IPv4 fragment flows are held.
const ipFragmentTimeout = 30 * time.Second

// sweepInterval bounds how often idle flow state is collected, measured
// on the capture clock so offline files age by packet time.
const sweepInterval = 5 * time.Second

// wellKnownSIPPorts are tried as SIP even when the content sniff is
// inconclusive.
var wellKnownSIPPorts = map[uint16]bool{5060: true, 5061: true, 5062: true}

// stunMagicCookie marks STUN messages sharing RTP ports (RFC 5389).
const stunMagicCookie = 0x2112a442

// Sink receives every packet that decoded down to a protocol storage
// cares about. It is invoked synchronously on the capture goroutine; a
// sink that retains the packet must snapshot the record pointers it needs
// before returning, since TCP flows can complete several SIP messages on
// one frame.
type Sink func(*Packet)

// Counters tracks non-fatal dissection outcomes.
type Counters struct {
	Frames    uint64
	Delivered uint64
	Dropped   uint64
	SIPErrors uint64
}

// Chain is the dissector tree plus all per-flow reassembly state. It is
// confined to the capture loop goroutine; one frame is dissected to
// completion before the next enters.
type Chain struct {
	sink Sink

	defrag      *ipv4Defragmenter
	tcpFlows    map[tcpFlowKey]*tcpFlow
	tlsKeys     *tlsKeyStore
	tlsSessions map[tlsConnKey]*tlsSession

	counters  Counters
	lastSweep time.Time
}

// NewChain builds a chain delivering decoded packets into sink.
func NewChain(sink Sink) *Chain {
	return &Chain{
		sink:        sink,
		defrag:      newIPv4Defragmenter(),
		tcpFlows:    make(map[tcpFlowKey]*tcpFlow),
		tlsSessions: make(map[tlsConnKey]*tlsSession),
	}
}

// SetTLSKeys arms the TLS dissector with a server key store.
func (c *Chain) SetTLSKeys(keys *tlsKeyStore) {
	c.tlsKeys = keys
}

// Counters returns a copy of the dissection counters.
func (c *Chain) Counters() Counters {
	return c.counters
}

func (c *Chain) deliver(pkt *Packet) {
	c.counters.Delivered++
	if c.sink != nil {
		c.sink(pkt)
	}
}

// Dissect runs one raw frame through the tree. Dissection errors are
// non-fatal: the frame is dropped and counted.
func (c *Chain) Dissect(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) {
	c.counters.Frames++
	if !c.lastSweep.IsZero() && ci.Timestamp.Sub(c.lastSweep) > sweepInterval {
		c.sweep(ci.Timestamp)
	}
	if c.lastSweep.IsZero() || ci.Timestamp.After(c.lastSweep) {
		c.lastSweep = ci.Timestamp
	}

	pkt := New(data, ci, linkType)
	gp := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	switch {
	case gp.Layer(layers.LayerTypeIPv4) != nil:
		c.dissectIPv4(pkt, gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4))
	case gp.Layer(layers.LayerTypeIPv6) != nil:
		c.dissectIPv6(pkt, gp.Layer(layers.LayerTypeIPv6).(*layers.IPv6))
	default:
		c.counters.Dropped++
	}
}

// DissectEncapsulated runs a packet rebuilt from a HEP envelope through
// the application branch directly.
func (c *Chain) DissectEncapsulated(pkt *Packet) {
	c.counters.Frames++
	c.dissectAppUDP(pkt, pkt.Data())
}

func (c *Chain) dissectIPv4(pkt *Packet, ip *layers.IPv4) {
	full, err := c.defrag.defrag(ip, pkt.Timestamp)
	if err != nil {
		logger.Debug("ipv4 defrag rejected packet", "error", err)
		c.counters.Dropped++
		return
	}
	if full == nil {
		// Fragment parked, waiting for the rest
		return
	}

	pkt.IP = &IPRecord{Version: 4, Protocol: full.Protocol}
	srcIP, _ := addrFromIP(full.SrcIP)
	dstIP, _ := addrFromIP(full.DstIP)
	pkt.Src.IP = srcIP
	pkt.Dst.IP = dstIP

	c.dissectTransport(pkt, full.Protocol, full.Payload)
}

func (c *Chain) dissectIPv6(pkt *Packet, ip *layers.IPv6) {
	pkt.IP = &IPRecord{Version: 6, Protocol: ip.NextHeader}
	srcIP, _ := addrFromIP(ip.SrcIP)
	dstIP, _ := addrFromIP(ip.DstIP)
	pkt.Src.IP = srcIP
	pkt.Dst.IP = dstIP

	c.dissectTransport(pkt, ip.NextHeader, ip.Payload)
}

func (c *Chain) dissectTransport(pkt *Packet, proto layers.IPProtocol, payload []byte) {
	switch proto {
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			c.counters.Dropped++
			return
		}
		c.dissectUDP(pkt, &udp)
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			c.counters.Dropped++
			return
		}
		c.dissectTCP(pkt, &tcp)
	default:
		c.counters.Dropped++
	}
}

func (c *Chain) dissectUDP(pkt *Packet, udp *layers.UDP) {
	pkt.UDP = &TransportRecord{
		SrcPort: uint16(udp.SrcPort),
		DstPort: uint16(udp.DstPort),
	}
	pkt.Src.Port = uint16(udp.SrcPort)
	pkt.Src.Transport = TransportUDP
	pkt.Dst.Port = uint16(udp.DstPort)
	pkt.Dst.Transport = TransportUDP

	c.dissectAppUDP(pkt, udp.Payload)
}

// dissectAppUDP selects the application dissector for a UDP payload by
// port and content sniff.
func (c *Chain) dissectAppUDP(pkt *Packet, data []byte) {
	if len(data) == 0 {
		return
	}

	switch {
	case IsHEP(data):
		rec, err := DecodeHEP(data)
		if err != nil {
			logger.Debug("hep decapsulation failed", "error", err)
			c.counters.Dropped++
			return
		}
		inner := PacketFromHEP(rec)
		if residual := c.dissectSIP(inner, rec.Payload); residual != nil {
			c.dissectSDP(inner, residual)
		}
		if inner.SIP != nil {
			c.deliver(inner)
		}
	case isSTUN(data):
		// STUN shares RTP ports during ICE; nothing to keep
	case looksLikeSIP(data):
		if residual := c.dissectSIP(pkt, data); residual != nil {
			c.dissectSDP(pkt, residual)
		}
		if pkt.SIP != nil {
			c.deliver(pkt)
		}
	case looksLikeRTCP(data, pkt.Dst.Port):
		c.dissectRTCP(pkt, data)
		if pkt.RTCP != nil {
			c.deliver(pkt)
		}
	case looksLikeRTP(data, pkt.Dst.Port):
		c.dissectRTP(pkt, data)
		if pkt.RTP != nil {
			c.deliver(pkt)
		}
	case wellKnownSIPPorts[pkt.Src.Port] || wellKnownSIPPorts[pkt.Dst.Port]:
		// Port says SIP but the sniff disagreed; count the mismatch
		c.counters.SIPErrors++
		c.counters.Dropped++
	default:
		c.counters.Dropped++
	}
}

func isSTUN(data []byte) bool {
	return len(data) >= 8 &&
		data[0]&0xc0 == 0 &&
		binary.BigEndian.Uint32(data[4:8]) == stunMagicCookie
}
