package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// HEP (Homer Encapsulation Protocol) framing. Both envelope versions in
// common use are accepted on input; output always uses v3.
//
// HEPv3 frame layout:
//
//	0  4  Magic "HEP3"
//	4  2  Total frame length (big-endian, includes these 6 bytes)
//	6  …  Chunks
//
// Each chunk: vendor(2) type(2) totalLen(2) value(totalLen-6), big-endian.
//
// HEPv2 is a fixed binary struct led by 0x02 with IPv4 addresses inline.

const (
	hepMagic       = "HEP3"
	hepChunkHeader = 6
	hepVendorHomer = uint16(0x0000)
)

const (
	hepChunkIPFamily  = uint16(1)
	hepChunkIPProto   = uint16(2)
	hepChunkSrcIPv4   = uint16(3)
	hepChunkDstIPv4   = uint16(4)
	hepChunkSrcIPv6   = uint16(5)
	hepChunkDstIPv6   = uint16(6)
	hepChunkSrcPort   = uint16(7)
	hepChunkDstPort   = uint16(8)
	hepChunkTimeSec   = uint16(9)
	hepChunkTimeUsec  = uint16(10)
	hepChunkProtoType = uint16(11)
	hepChunkCaptureID = uint16(12)
	hepChunkAuthKey   = uint16(14)
	hepChunkPayload   = uint16(15)
	hepChunkCorrID    = uint16(17)
)

const (
	hepIPFamilyV4 = 2
	hepIPFamilyV6 = 10
)

const (
	hepProtoSIP = 1
)

// HEPRecord is the decoded encapsulation envelope of a remote frame.
type HEPRecord struct {
	Version   uint8
	IPProto   uint8
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Timestamp time.Time
	ProtoType uint8
	CaptureID uint32
	Payload   []byte
}

// IsHEP reports whether data starts with a known HEP envelope.
func IsHEP(data []byte) bool {
	if len(data) >= 6 && string(data[:4]) == hepMagic {
		return true
	}
	return len(data) >= 2 && data[0] == 0x02 && len(data) >= int(data[1])
}

// DecodeHEP parses a v2 or v3 envelope.
func DecodeHEP(data []byte) (*HEPRecord, error) {
	if len(data) >= 4 && string(data[:4]) == hepMagic {
		return decodeHEP3(data)
	}
	if len(data) >= 2 && data[0] == 0x02 {
		return decodeHEP2(data)
	}
	return nil, fmt.Errorf("hep: unknown envelope")
}

func decodeHEP3(data []byte) (*HEPRecord, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("hep: frame too short")
	}
	total := int(binary.BigEndian.Uint16(data[4:6]))
	if total > len(data) {
		return nil, fmt.Errorf("hep: truncated frame (%d > %d)", total, len(data))
	}

	rec := &HEPRecord{Version: 3}
	var sec, usec uint32
	off := 6
	for off+hepChunkHeader <= total {
		chunkType := binary.BigEndian.Uint16(data[off+2 : off+4])
		chunkLen := int(binary.BigEndian.Uint16(data[off+4 : off+6]))
		if chunkLen < hepChunkHeader || off+chunkLen > total {
			return nil, fmt.Errorf("hep: bad chunk length %d", chunkLen)
		}
		value := data[off+hepChunkHeader : off+chunkLen]

		switch chunkType {
		case hepChunkIPProto:
			if len(value) == 1 {
				rec.IPProto = value[0]
			}
		case hepChunkSrcIPv4:
			if ip, ok := netip.AddrFromSlice(value); ok {
				rec.SrcIP = ip
			}
		case hepChunkDstIPv4:
			if ip, ok := netip.AddrFromSlice(value); ok {
				rec.DstIP = ip
			}
		case hepChunkSrcIPv6:
			if ip, ok := netip.AddrFromSlice(value); ok {
				rec.SrcIP = ip
			}
		case hepChunkDstIPv6:
			if ip, ok := netip.AddrFromSlice(value); ok {
				rec.DstIP = ip
			}
		case hepChunkSrcPort:
			if len(value) == 2 {
				rec.SrcPort = binary.BigEndian.Uint16(value)
			}
		case hepChunkDstPort:
			if len(value) == 2 {
				rec.DstPort = binary.BigEndian.Uint16(value)
			}
		case hepChunkTimeSec:
			if len(value) == 4 {
				sec = binary.BigEndian.Uint32(value)
			}
		case hepChunkTimeUsec:
			if len(value) == 4 {
				usec = binary.BigEndian.Uint32(value)
			}
		case hepChunkProtoType:
			if len(value) == 1 {
				rec.ProtoType = value[0]
			}
		case hepChunkCaptureID:
			if len(value) == 4 {
				rec.CaptureID = binary.BigEndian.Uint32(value)
			}
		case hepChunkPayload:
			rec.Payload = value
		}
		off += chunkLen
	}

	rec.Timestamp = time.Unix(int64(sec), int64(usec)*1000)
	return rec, nil
}

// hepV2Len is the fixed header size of the v2 envelope with IPv4 addresses
// plus the trailing timestamp extension used by HOMER agents.
const hepV2Len = 28

func decodeHEP2(data []byte) (*HEPRecord, error) {
	// struct: version(1) length(1) family(1) proto(1) sport(2) dport(2)
	//         srcip(4) dstip(4) tsec(4) tusec(4) capid(2) pad(2) payload
	if len(data) < hepV2Len {
		return nil, fmt.Errorf("hep: v2 frame too short")
	}
	if data[2] != hepIPFamilyV4 {
		return nil, fmt.Errorf("hep: v2 only carries IPv4")
	}
	src, _ := netip.AddrFromSlice(data[8:12])
	dst, _ := netip.AddrFromSlice(data[12:16])
	return &HEPRecord{
		Version:   2,
		IPProto:   data[3],
		SrcPort:   binary.BigEndian.Uint16(data[4:6]),
		DstPort:   binary.BigEndian.Uint16(data[6:8]),
		SrcIP:     src,
		DstIP:     dst,
		Timestamp: time.Unix(int64(binary.BigEndian.Uint32(data[16:20])), int64(binary.BigEndian.Uint32(data[20:24]))*1000),
		CaptureID: uint32(binary.BigEndian.Uint16(data[24:26])),
		ProtoType: hepProtoSIP,
		Payload:   data[hepV2Len:],
	}, nil
}

// EncodeHEP serialises a captured SIP packet into a v3 frame.
func EncodeHEP(pkt *Packet, captureID uint32, authKey string) ([]byte, error) {
	if pkt.SIP == nil {
		return nil, fmt.Errorf("hep: packet carries no SIP payload")
	}

	payload := pkt.SIP.Payload
	buf := make([]byte, 0, 128+len(payload))
	buf = append(buf, hepMagic...)
	buf = append(buf, 0, 0)

	family := byte(hepIPFamilyV4)
	if pkt.Src.IP.Is6() {
		family = hepIPFamilyV6
	}
	buf = hepAppendUint8(buf, hepChunkIPFamily, family)

	ipProto := byte(layers.IPProtocolUDP)
	if pkt.Src.Transport != TransportUDP {
		ipProto = byte(layers.IPProtocolTCP)
	}
	buf = hepAppendUint8(buf, hepChunkIPProto, ipProto)

	if family == hepIPFamilyV4 {
		src := pkt.Src.IP.As4()
		dst := pkt.Dst.IP.As4()
		buf = hepAppendBytes(buf, hepChunkSrcIPv4, src[:])
		buf = hepAppendBytes(buf, hepChunkDstIPv4, dst[:])
	} else {
		src := pkt.Src.IP.As16()
		dst := pkt.Dst.IP.As16()
		buf = hepAppendBytes(buf, hepChunkSrcIPv6, src[:])
		buf = hepAppendBytes(buf, hepChunkDstIPv6, dst[:])
	}

	buf = hepAppendUint16(buf, hepChunkSrcPort, pkt.Src.Port)
	buf = hepAppendUint16(buf, hepChunkDstPort, pkt.Dst.Port)
	buf = hepAppendUint32(buf, hepChunkTimeSec, uint32(pkt.Timestamp.Unix()))
	buf = hepAppendUint32(buf, hepChunkTimeUsec, uint32(pkt.Timestamp.Nanosecond()/1000))
	buf = hepAppendUint8(buf, hepChunkProtoType, hepProtoSIP)
	buf = hepAppendUint32(buf, hepChunkCaptureID, captureID)
	if authKey != "" {
		buf = hepAppendBytes(buf, hepChunkAuthKey, []byte(authKey))
	}
	buf = hepAppendBytes(buf, hepChunkPayload, payload)
	if pkt.SIP.CallID != "" {
		buf = hepAppendBytes(buf, hepChunkCorrID, []byte(pkt.SIP.CallID))
	}

	if len(buf) > 0xFFFF {
		return nil, fmt.Errorf("hep: frame too large (%d bytes)", len(buf))
	}
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))
	return buf, nil
}

// PacketFromHEP rebuilds a Packet from a decoded envelope so the rest of
// the chain sees the same shape a local capture would produce.
func PacketFromHEP(rec *HEPRecord) *Packet {
	transport := TransportUDP
	if rec.IPProto == byte(layers.IPProtocolTCP) {
		transport = TransportTCP
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     rec.Timestamp,
		CaptureLength: len(rec.Payload),
		Length:        len(rec.Payload),
	}
	pkt := New(rec.Payload, ci, layers.LinkTypeRaw)
	pkt.HEP = rec
	pkt.Src = Address{IP: rec.SrcIP, Port: rec.SrcPort, Transport: transport}
	pkt.Dst = Address{IP: rec.DstIP, Port: rec.DstPort, Transport: transport}
	return pkt
}

func hepAppendChunkHeader(buf []byte, chunkType uint16, valueLen int) []byte {
	var h [hepChunkHeader]byte
	binary.BigEndian.PutUint16(h[0:2], hepVendorHomer)
	binary.BigEndian.PutUint16(h[2:4], chunkType)
	binary.BigEndian.PutUint16(h[4:6], uint16(hepChunkHeader+valueLen))
	return append(buf, h[:]...)
}

func hepAppendBytes(buf []byte, chunkType uint16, value []byte) []byte {
	buf = hepAppendChunkHeader(buf, chunkType, len(value))
	return append(buf, value...)
}

func hepAppendUint8(buf []byte, chunkType uint16, value uint8) []byte {
	buf = hepAppendChunkHeader(buf, chunkType, 1)
	return append(buf, value)
}

func hepAppendUint16(buf []byte, chunkType uint16, value uint16) []byte {
	buf = hepAppendChunkHeader(buf, chunkType, 2)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], value)
	return append(buf, v[:]...)
}

func hepAppendUint32(buf []byte, chunkType uint16, value uint32) []byte {
	buf = hepAppendChunkHeader(buf, chunkType, 4)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], value)
	return append(buf, v[:]...)
}
