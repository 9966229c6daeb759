package packet

import (
	"encoding/binary"
)

// RTPRecord is the fixed header of a classified RTP frame.
type RTPRecord struct {
	PayloadType uint8
	SSRC        uint32
	Seq         uint16
	RTPTime     uint32
	PayloadLen  int
}

// RTCPRecord is the header of a classified RTCP frame.
type RTCPRecord struct {
	PacketType uint8
	SSRC       uint32
}

const rtpHeaderLen = 12
const rtcpHeaderLen = 8

// rtcp packet types per RFC 3550
const (
	rtcpSenderReport   = 200
	rtcpReceiverReport = 201
	rtcpSourceDescr    = 202
	rtcpGoodbye        = 203
	rtcpAppDefined     = 204
)

// looksLikeRTP applies the classic heuristics: version 2, a payload type
// outside the RTCP packet-type range, and an even destination port by
// convention.
func looksLikeRTP(data []byte, dstPort uint16) bool {
	if len(data) < rtpHeaderLen {
		return false
	}
	if data[0]>>6 != 2 {
		return false
	}
	pt := data[1] &^ 0x80
	// Payload types 72-76 collide with the RTCP packet-type range when the
	// marker bit is set; treat those as RTCP territory.
	if pt >= 72 && pt <= 76 {
		return false
	}
	return dstPort%2 == 0
}

// looksLikeRTCP matches version 2 plus a known RTCP packet type, typically
// on an odd port adjacent to the RTP one.
func looksLikeRTCP(data []byte, dstPort uint16) bool {
	if len(data) < rtcpHeaderLen {
		return false
	}
	if data[0]>>6 != 2 {
		return false
	}
	pt := data[1]
	return pt >= rtcpSenderReport && pt <= rtcpAppDefined && dstPort%2 == 1
}

func (c *Chain) dissectRTP(pkt *Packet, data []byte) []byte {
	if len(data) < rtpHeaderLen || data[0]>>6 != 2 {
		return nil
	}
	csrcCount := int(data[0] & 0x0f)
	headerLen := rtpHeaderLen + csrcCount*4
	if len(data) < headerLen {
		return nil
	}
	pkt.RTP = &RTPRecord{
		PayloadType: data[1] &^ 0x80,
		Seq:         binary.BigEndian.Uint16(data[2:4]),
		RTPTime:     binary.BigEndian.Uint32(data[4:8]),
		SSRC:        binary.BigEndian.Uint32(data[8:12]),
		PayloadLen:  len(data) - headerLen,
	}
	return nil
}

func (c *Chain) dissectRTCP(pkt *Packet, data []byte) []byte {
	if len(data) < rtcpHeaderLen || data[0]>>6 != 2 {
		return nil
	}
	pkt.RTCP = &RTCPRecord{
		PacketType: data[1],
		SSRC:       binary.BigEndian.Uint32(data[4:8]),
	}
	return nil
}
