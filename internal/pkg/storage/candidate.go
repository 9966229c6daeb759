package storage

import "time"

// candidate adapts one message plus its call to the filter engine's view.
type candidate struct {
	call *Call
	msg  *Message
}

func (c candidate) Field(name string) (string, bool) {
	switch name {
	case "callid":
		return c.call.CallID, true
	case "from":
		return c.msg.SIP.FromUser, true
	case "to":
		return c.msg.SIP.ToUser, true
	case "src":
		return c.msg.Src().String(), true
	case "dst":
		return c.msg.Dst().String(), true
	case "method":
		return c.msg.MethodOrCode(), true
	case "state":
		return c.call.State.String(), true
	case "duration":
		// Rendered the way the call list shows it, for column matching
		return c.call.TotalDur().Round(time.Millisecond).String(), true
	case "payload":
		return string(c.msg.SIP.Payload), true
	}
	return "", false
}

func (c candidate) NumField(name string) (int64, bool) {
	switch name {
	case "duration":
		return c.call.TotalDur().Milliseconds(), true
	case "convdur":
		return c.call.ConvDur().Milliseconds(), true
	case "msgcnt":
		return int64(len(c.call.Msgs)), true
	case "starttime":
		return c.call.startTime.UnixMicro(), true
	}
	return 0, false
}
