package storage

import "sort"

// CallGroup is an ordered, de-duplicated set of calls chosen for flow
// rendering, plus an optional anchor dialog. Groups are owned by the
// presentation layer and never outlive their calls.
type CallGroup struct {
	AnchorCallID string

	calls []*Call
	index map[string]struct{}
}

// NewCallGroup builds an empty group.
func NewCallGroup() *CallGroup {
	return &CallGroup{index: make(map[string]struct{})}
}

// Add appends a call unless it is already present.
func (g *CallGroup) Add(call *Call) {
	if call == nil {
		return
	}
	if _, ok := g.index[call.CallID]; ok {
		return
	}
	g.index[call.CallID] = struct{}{}
	g.calls = append(g.calls, call)
}

// AddCalls appends every call in order.
func (g *CallGroup) AddCalls(calls []*Call) {
	for _, call := range calls {
		g.Add(call)
	}
}

// Remove drops a call from the group.
func (g *CallGroup) Remove(call *Call) {
	if call == nil {
		return
	}
	if _, ok := g.index[call.CallID]; !ok {
		return
	}
	delete(g.index, call.CallID)
	for i, c := range g.calls {
		if c == call {
			g.calls = append(g.calls[:i], g.calls[i+1:]...)
			break
		}
	}
}

// Contains reports membership.
func (g *CallGroup) Contains(call *Call) bool {
	if call == nil {
		return false
	}
	_, ok := g.index[call.CallID]
	return ok
}

// Count returns the number of grouped calls.
func (g *CallGroup) Count() int {
	return len(g.calls)
}

// Calls returns the grouped calls in insertion order.
func (g *CallGroup) Calls() []*Call {
	out := make([]*Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// Clone copies the group, anchor included.
func (g *CallGroup) Clone() *CallGroup {
	clone := NewCallGroup()
	clone.AnchorCallID = g.AnchorCallID
	clone.AddCalls(g.calls)
	return clone
}

// Messages merges every grouped call's messages in timestamp order,
// insertion order breaking ties, the order the flow viewer draws arrows.
func (g *CallGroup) Messages() []*Message {
	var msgs []*Message
	for _, call := range g.calls {
		msgs = append(msgs, call.Msgs...)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].seq < msgs[j].seq
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}
