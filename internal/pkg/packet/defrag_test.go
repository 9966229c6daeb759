package packet

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildIPv4Fragment serializes one ethernet+IPv4 frame carrying a raw
// slice of a fragmented datagram.
func buildIPv4Fragment(t *testing.T, id uint16, offsetBytes int, more bool, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        64,
		Id:         id,
		Protocol:   layers.IPProtocolUDP,
		FragOffset: uint16(offsetBytes / 8),
		SrcIP:      net.ParseIP("10.0.0.1"),
		DstIP:      net.ParseIP("10.0.0.2"),
	}
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, gopacket.Payload(payload)))
	return buf.Bytes()
}

// udpDatagram builds raw UDP header + payload bytes for fragmenting.
func udpDatagram(srcPort, dstPort uint16, payload []byte) []byte {
	datagram := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(datagram[0:2], srcPort)
	binary.BigEndian.PutUint16(datagram[2:4], dstPort)
	binary.BigEndian.PutUint16(datagram[4:6], uint16(8+len(payload)))
	copy(datagram[8:], payload)
	return datagram
}

func TestDefragReassemblesSIPInvite(t *testing.T) {
	datagram := udpDatagram(5060, 5060, []byte(inviteMessage))

	// First fragment must be a multiple of 8 bytes
	cut := 64
	frag1 := buildIPv4Fragment(t, 77, 0, true, datagram[:cut])
	frag2 := buildIPv4Fragment(t, 77, cut, false, datagram[cut:])

	chain, got := collectChain()
	chain.Dissect(frag1, captureInfo(testBase, len(frag1)), layers.LinkTypeEthernet)
	assert.Empty(t, *got)

	chain.Dissect(frag2, captureInfo(testBase, len(frag2)), layers.LinkTypeEthernet)
	require.Len(t, *got, 1)
	assert.Equal(t, "a84b4c76e66710@pc33.example.com", (*got)[0].SIP.CallID)
}

func TestDefragOutOfOrderFragments(t *testing.T) {
	datagram := udpDatagram(5060, 5060, []byte(inviteMessage))

	cut := 64
	frag1 := buildIPv4Fragment(t, 78, 0, true, datagram[:cut])
	frag2 := buildIPv4Fragment(t, 78, cut, false, datagram[cut:])

	chain, got := collectChain()
	chain.Dissect(frag2, captureInfo(testBase, len(frag2)), layers.LinkTypeEthernet)
	assert.Empty(t, *got)
	chain.Dissect(frag1, captureInfo(testBase, len(frag1)), layers.LinkTypeEthernet)
	require.Len(t, *got, 1)
}

func TestDefragAcceptsTinyFinalFragment(t *testing.T) {
	datagram := udpDatagram(5060, 5060, []byte(inviteMessage))

	// Final fragment under 8 bytes is valid per RFC 791
	cut := len(datagram) - 5
	cut -= cut % 8
	frag1 := buildIPv4Fragment(t, 79, 0, true, datagram[:cut])
	frag2 := buildIPv4Fragment(t, 79, cut, false, datagram[cut:])

	chain, got := collectChain()
	chain.Dissect(frag1, captureInfo(testBase, len(frag1)), layers.LinkTypeEthernet)
	chain.Dissect(frag2, captureInfo(testBase, len(frag2)), layers.LinkTypeEthernet)
	require.Len(t, *got, 1)
}

func TestDefragRejectsTinyIntermediateFragment(t *testing.T) {
	frag := buildIPv4Fragment(t, 80, 8, true, []byte{1, 2, 3})

	chain, got := collectChain()
	chain.Dissect(frag, captureInfo(testBase, len(frag)), layers.LinkTypeEthernet)
	assert.Empty(t, *got)
	assert.Equal(t, uint64(1), chain.Counters().Dropped)
}

func TestDefragDiscardsStaleFlows(t *testing.T) {
	datagram := udpDatagram(5060, 5060, []byte(inviteMessage))
	frag1 := buildIPv4Fragment(t, 81, 0, true, datagram[:64])

	chain, got := collectChain()
	chain.Dissect(frag1, captureInfo(testBase, len(frag1)), layers.LinkTypeEthernet)
	assert.Len(t, chain.defrag.flows, 1)

	// A minute later the incomplete flow is gone
	other := buildUDPFrame(t, "10.9.9.9", "10.9.9.8", 1234, 4321, []byte{0xff})
	chain.Dissect(other, captureInfo(testBase.Add(time.Minute), len(other)), layers.LinkTypeEthernet)
	assert.Empty(t, chain.defrag.flows)
	_ = got
}
