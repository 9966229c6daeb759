package packet

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func captureInfo(ts time.Time, length int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: length,
		Length:        length,
	}
}

func buildUDPFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func buildTCPFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, seq uint32, fin bool, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		ACK:     true,
		PSH:     len(payload) > 0,
		FIN:     fin,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// collectChain returns a chain whose sink appends delivered packets to the
// returned slice pointer. TCP flows can deliver the same *Packet more than
// once, so sinks snapshot what they assert on.
type delivered struct {
	SIP *SIPRecord
	SDP *SDPRecord
	RTP *RTPRecord
	Src Address
	Dst Address
	Ts  time.Time
}

func collectChain() (*Chain, *[]delivered) {
	var got []delivered
	chain := NewChain(func(pkt *Packet) {
		got = append(got, delivered{
			SIP: pkt.SIP,
			SDP: pkt.SDP,
			RTP: pkt.RTP,
			Src: pkt.Src,
			Dst: pkt.Dst,
			Ts:  pkt.Timestamp,
		})
	})
	return chain, &got
}
