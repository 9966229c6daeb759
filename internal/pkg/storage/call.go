package storage

import (
	"time"

	"github.com/endorses/sipscope/internal/pkg/packet"
)

// CallState is the lifecycle position of a dialog.
type CallState uint8

const (
	StateCalling CallState = iota
	StateIncoming
	StateOutgoing
	StateInCall
	StateCompleted
	StateCancelled
	StateRejected
	StateBusyLine
	StateDiverted
	StateRecvBye
	StateSendBye
)

var callStateNames = map[CallState]string{
	StateCalling:   "CALLING",
	StateIncoming:  "INCOMING",
	StateOutgoing:  "OUTGOING",
	StateInCall:    "IN CALL",
	StateCompleted: "COMPLETED",
	StateCancelled: "CANCELLED",
	StateRejected:  "REJECTED",
	StateBusyLine:  "BUSY",
	StateDiverted:  "DIVERTED",
	StateRecvBye:   "RECV BYE",
	StateSendBye:   "SEND BYE",
}

func (s CallState) String() string {
	return callStateNames[s]
}

// IsTerminal reports whether the dialog can receive no further
// state-changing traffic. Terminal calls are the eviction candidates.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateRejected, StateBusyLine,
		StateDiverted, StateRecvBye, StateSendBye:
		return true
	}
	return false
}

// Call is the set of messages sharing a Call-ID plus derived state. Calls
// are owned by Storage and mutated only under its lock.
type Call struct {
	CallID string
	Msgs   []*Message

	State    CallState
	Answered bool

	// Caller endpoints, fixed by the initial request.
	Src packet.Address
	Dst packet.Address

	SrcUser string
	DstUser string
	Method  string

	startTime  time.Time
	answerTime time.Time
	endTime    time.Time
	lastTime   time.Time

	// xcalls holds the Call-IDs of transfer-related dialogs; storing IDs
	// rather than pointers keeps eviction local.
	xcalls map[string]struct{}

	// RTPPackets counts media frames matched to this call's advertised
	// streams.
	RTPPackets uint64

	// retransmission signature of the last state-driving message
	lastCSeq      uint32
	lastCSeqValid bool
	lastWasReq    bool
	lastMethod    string
	lastCode      int

	index uint64
	bytes int64
}

func newCall(callID string, index uint64) *Call {
	return &Call{
		CallID: callID,
		xcalls: make(map[string]struct{}),
		index:  index,
	}
}

// MsgCount returns the number of retained messages.
func (c *Call) MsgCount() int {
	return len(c.Msgs)
}

// StartTime is the timestamp of the first message.
func (c *Call) StartTime() time.Time { return c.startTime }

// LastTime is the timestamp of the most recent message.
func (c *Call) LastTime() time.Time { return c.lastTime }

// TotalDur spans first to last message.
func (c *Call) TotalDur() time.Duration {
	if c.startTime.IsZero() {
		return 0
	}
	return c.lastTime.Sub(c.startTime)
}

// ConvDur spans answer to hangup; zero until both ends are seen.
func (c *Call) ConvDur() time.Duration {
	if c.answerTime.IsZero() || c.endTime.IsZero() {
		return 0
	}
	return c.endTime.Sub(c.answerTime)
}

// XCalls returns the related Call-IDs.
func (c *Call) XCalls() []string {
	out := make([]string, 0, len(c.xcalls))
	for id := range c.xcalls {
		out = append(out, id)
	}
	return out
}

// HasXCall reports whether the given dialog is transfer-related.
func (c *Call) HasXCall(callID string) bool {
	_, ok := c.xcalls[callID]
	return ok
}

// addMessage inserts keeping the timestamp order invariant: messages are
// non-decreasing by timestamp, ties broken by arrival order.
func (c *Call) addMessage(msg *Message) {
	if c.startTime.IsZero() {
		c.startTime = msg.Timestamp
		c.Src = msg.Src()
		c.Dst = msg.Dst()
		c.SrcUser = msg.SIP.FromUser
		c.DstUser = msg.SIP.ToUser
		c.Method = msg.MethodOrCode()
	}

	pos := len(c.Msgs)
	for pos > 0 && c.Msgs[pos-1].Timestamp.After(msg.Timestamp) {
		pos--
	}
	c.Msgs = append(c.Msgs, nil)
	copy(c.Msgs[pos+1:], c.Msgs[pos:])
	c.Msgs[pos] = msg

	if msg.Timestamp.After(c.lastTime) {
		c.lastTime = msg.Timestamp
	}
	c.bytes += msg.size()
}

// updateState drives the state machine with one message. Retransmissions
// (identical CSeq and start line) leave the state untouched.
func (c *Call) updateState(msg *Message) {
	sip := msg.SIP

	if c.isRetransmission(sip) {
		return
	}
	c.lastCSeq = sip.CSeq
	c.lastCSeqValid = true
	c.lastWasReq = sip.IsRequest
	c.lastMethod = sip.Method
	c.lastCode = sip.Code

	if sip.IsRequest {
		c.updateStateRequest(msg)
	} else {
		c.updateStateResponse(msg)
	}
}

func (c *Call) isRetransmission(sip *packet.SIPRecord) bool {
	if !c.lastCSeqValid || sip.CSeq != c.lastCSeq || sip.IsRequest != c.lastWasReq {
		return false
	}
	if sip.IsRequest {
		return sip.Method == c.lastMethod
	}
	return sip.Code == c.lastCode
}

func (c *Call) updateStateRequest(msg *Message) {
	switch msg.SIP.Method {
	case "INVITE":
		if len(c.Msgs) <= 1 {
			c.State = StateCalling
		}
	case "CANCEL":
		c.State = StateCancelled
		c.endTime = msg.Timestamp
	case "BYE":
		if msg.Src().IP == c.Src.IP && msg.Src().Port == c.Src.Port {
			c.State = StateSendBye
		} else {
			c.State = StateRecvBye
		}
		c.endTime = msg.Timestamp
	}
}

func (c *Call) updateStateResponse(msg *Message) {
	sip := msg.SIP
	if sip.CSeqMethod == "BYE" {
		if sip.Code >= 200 && sip.Code < 300 && (c.State == StateSendBye || c.State == StateRecvBye) {
			c.State = StateCompleted
		}
		return
	}
	if sip.CSeqMethod != "INVITE" {
		return
	}

	switch {
	case sip.Code < 200:
		if sip.Code > 100 {
			// Direction of the provisional tells which side originated:
			// responses travel callee to caller.
			if msg.Dst().IP == c.Src.IP && msg.Dst().Port == c.Src.Port {
				c.State = StateOutgoing
			} else {
				c.State = StateIncoming
			}
		}
	case sip.Code < 300:
		c.State = StateInCall
		c.Answered = true
		c.answerTime = msg.Timestamp
	case sip.Code < 400:
		c.State = StateDiverted
		c.endTime = msg.Timestamp
	case sip.Code == 486 || sip.Code == 600:
		c.State = StateBusyLine
		c.endTime = msg.Timestamp
	case sip.Code == 487:
		c.State = StateCancelled
		c.endTime = msg.Timestamp
	default:
		c.State = StateRejected
		c.endTime = msg.Timestamp
	}
}
