package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressEquality(t *testing.T) {
	a := NewAddress("10.0.0.1", 5060, TransportUDP)
	b := NewAddress("10.0.0.1", 5060, TransportUDP)
	c := NewAddress("10.0.0.1", 5060, TransportTCP)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "transport is part of the identity")

	m := map[Address]int{a: 1}
	assert.Equal(t, 1, m[b])
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:5060", NewAddress("10.0.0.1", 5060, TransportUDP).String())
	assert.Equal(t, "", Address{}.String())
}

func TestNewAddressInvalid(t *testing.T) {
	assert.False(t, NewAddress("not-an-ip", 0, TransportUDP).IsValid())
}

func TestPacketHas(t *testing.T) {
	pkt := New(nil, captureInfo(testBase, 0), 1)
	assert.False(t, pkt.Has(ProtoSIP))
	pkt.SIP = &SIPRecord{}
	assert.True(t, pkt.Has(ProtoSIP))
	assert.False(t, pkt.Has(ProtoRTP))
}
