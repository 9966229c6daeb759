package storage

import (
	"strconv"
	"time"

	"github.com/endorses/sipscope/internal/pkg/packet"
)

// Message is one SIP request or response retained inside a Call. It
// snapshots the record pointers at append time: the owning packet can
// complete several messages on one TCP frame, each with its own records.
type Message struct {
	Packet *packet.Packet
	SIP    *packet.SIPRecord
	SDP    *packet.SDPRecord

	Timestamp time.Time

	// seq is the global arrival order, the tie-break for identical
	// timestamps.
	seq uint64
}

// IsRequest reports whether the message is a SIP request.
func (m *Message) IsRequest() bool {
	return m.SIP.IsRequest
}

// MethodOrCode returns the request method or the response status code as
// text, the way the flow viewer labels arrows.
func (m *Message) MethodOrCode() string {
	if m.SIP.IsRequest {
		return m.SIP.Method
	}
	return strconv.Itoa(m.SIP.Code)
}

// Src returns the sending endpoint.
func (m *Message) Src() packet.Address {
	return m.Packet.Src
}

// Dst returns the receiving endpoint.
func (m *Message) Dst() packet.Address {
	return m.Packet.Dst
}

// size approximates retained bytes for the memory accounting.
func (m *Message) size() int64 {
	return m.Packet.Size() + 96
}
