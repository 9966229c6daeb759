package storage

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/endorses/sipscope/internal/pkg/filters"
	"github.com/endorses/sipscope/internal/pkg/logger"
	"github.com/endorses/sipscope/internal/pkg/packet"
)

var (
	// ErrPaused rejects ingestion while the capture is paused.
	ErrPaused = errors.New("storage: paused, packet rejected")

	// ErrMemoryExhausted reports that the memory cap was reached and no
	// terminal call could be evicted to make room.
	ErrMemoryExhausted = errors.New("storage: memory limit reached with no terminal calls")
)

// SortField names a sortable call attribute.
type SortField string

const (
	SortByTime    SortField = "time"
	SortByFrom    SortField = "from"
	SortByTo      SortField = "to"
	SortByState   SortField = "state"
	SortByMethod  SortField = "method"
	SortByMsgCnt  SortField = "msgcnt"
)

// Options configure ingestion-side filtering and resource caps.
type Options struct {
	// MemoryLimit caps retained packet+message bytes; 0 is unbounded.
	MemoryLimit int64
	// MaxCalls caps the retained call count; oldest calls rotate out
	// regardless of state. 0 is unbounded.
	MaxCalls int
	// Methods whitelists SIP methods; empty accepts all.
	Methods []string
	// PayloadPattern drops messages whose raw payload does not match.
	PayloadPattern string
	// InviteOnly restricts call creation to INVITE dialogs.
	InviteOnly bool
	// CompleteOnly drops non-terminal calls when exporting.
	CompleteOnly bool
}

// Stats is the scalar snapshot served to the presentation layer.
type Stats struct {
	Total     int
	Retained  int
	Displayed int

	MemoryBytes int64
	MemoryLimit int64

	DroppedPackets uint64
}

// Storage interns SIP messages into calls, cross-links related dialogs and
// serves sorted, filtered views. One mutex serializes the capture writer
// against the presentation reader; the generation counter is read without
// the lock.
type Storage struct {
	mu sync.Mutex

	opts      Options
	methodSet map[string]bool
	payloadRe *regexp.Regexp

	calls map[string]*Call
	order []*Call

	// pendingLinks parks references to Call-IDs not yet seen, keyed by
	// the awaited ID.
	pendingLinks map[string][]string

	// rtpStreams maps advertised media destinations to the owning call.
	rtpStreams map[packet.Address]string

	totalCalls uint64
	memBytes   int64
	dropped    uint64
	nextSeq    uint64

	sortField SortField
	sortDesc  bool
	dirty     bool

	displayFilter *filters.Filter

	changed atomic.Uint64
	paused  atomic.Bool
}

// New builds a Storage with the given options. Invalid payload patterns
// are an error; everything else is accepted as-is.
func New(opts Options) (*Storage, error) {
	s := &Storage{
		opts:         opts,
		calls:        make(map[string]*Call),
		pendingLinks: make(map[string][]string),
		rtpStreams:   make(map[packet.Address]string),
		sortField:    SortByTime,
	}
	if len(opts.Methods) > 0 {
		s.methodSet = make(map[string]bool, len(opts.Methods))
		for _, m := range opts.Methods {
			s.methodSet[strings.ToUpper(strings.TrimSpace(m))] = true
		}
	}
	if opts.PayloadPattern != "" {
		re, err := regexp.Compile(opts.PayloadPattern)
		if err != nil {
			return nil, err
		}
		s.payloadRe = re
	}
	return s, nil
}

// SetPaused toggles ingestion. Paused storage rejects every packet.
func (s *Storage) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// Paused reports the pause flag.
func (s *Storage) Paused() bool {
	return s.paused.Load()
}

// CallsChanged returns the mutation generation. The presentation layer
// compares it to its last-seen value to decide redraws.
func (s *Storage) CallsChanged() uint64 {
	return s.changed.Load()
}

// Append is the sole ingestion entry point. It reports whether the packet
// was retained. Drops are not errors, except while paused (ErrPaused)
// and when the memory cap leaves no terminal call to evict
// (ErrMemoryExhausted).
func (s *Storage) Append(pkt *packet.Packet) (bool, error) {
	if s.paused.Load() {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false, ErrPaused
	}

	if pkt.RTP != nil || pkt.RTCP != nil {
		s.appendMedia(pkt)
		return false, nil
	}
	if pkt.SIP == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendSIPLocked(pkt)
}

func (s *Storage) appendSIPLocked(pkt *packet.Packet) (bool, error) {
	sip := pkt.SIP

	method := sip.Method
	if !sip.IsRequest {
		method = sip.CSeqMethod
	}
	if s.methodSet != nil && !s.methodSet[method] {
		return false, nil
	}
	if s.payloadRe != nil && !s.payloadRe.Match(sip.Payload) {
		return false, nil
	}

	call, exists := s.calls[sip.CallID]
	if !exists {
		if s.opts.InviteOnly && (!sip.IsRequest || sip.Method != "INVITE") {
			return false, nil
		}
		call = s.createCallLocked(sip.CallID)
	}

	s.nextSeq++
	msg := &Message{
		Packet:    pkt,
		SIP:       sip,
		SDP:       pkt.SDP,
		Timestamp: pkt.Timestamp,
		seq:       s.nextSeq,
	}

	call.addMessage(msg)
	call.updateState(msg)
	if !exists {
		// Placed once its first message has set the sort attributes
		s.insertOrderedLocked(call)
	}
	s.memBytes += msg.size()

	if msg.SDP != nil {
		s.registerStreamsLocked(call, msg.SDP)
	}
	if ref := sip.ReferencedCallID; ref != "" && ref != call.CallID {
		s.linkCallsLocked(call, ref)
	}

	if s.opts.MemoryLimit > 0 && s.memBytes > s.opts.MemoryLimit {
		s.evictTerminalLocked()
		if s.calls[sip.CallID] != call {
			// Eviction took the owning call, message included
			s.changed.Add(1)
			return false, nil
		}
		if s.memBytes > s.opts.MemoryLimit {
			s.rollbackLocked(call, msg)
			s.dropped++
			s.changed.Add(1)
			logger.Warn("memory limit reached with no terminal calls, packet dropped",
				"limit", s.opts.MemoryLimit, "call_id", sip.CallID)
			return false, ErrMemoryExhausted
		}
	}

	if s.sortField != SortByTime {
		s.dirty = true
	}
	s.changed.Add(1)
	return true, nil
}

// appendMedia matches an RTP/RTCP frame against the advertised streams.
func (s *Storage) appendMedia(pkt *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := pkt.Dst
	dst.Transport = packet.TransportUDP
	callID, ok := s.rtpStreams[dst]
	if !ok {
		// RTCP conventionally rides the next odd port
		if pkt.RTCP != nil && dst.Port > 0 {
			dst.Port--
			callID, ok = s.rtpStreams[dst]
		}
		if !ok {
			return
		}
	}
	if call, exists := s.calls[callID]; exists {
		call.RTPPackets++
		s.changed.Add(1)
	}
}

func (s *Storage) createCallLocked(callID string) *Call {
	s.totalCalls++
	call := newCall(callID, s.totalCalls)
	s.calls[callID] = call

	// Flush references parked while this dialog was unseen
	for _, from := range s.pendingLinks[callID] {
		if peer, ok := s.calls[from]; ok {
			peer.xcalls[callID] = struct{}{}
			call.xcalls[from] = struct{}{}
		}
	}
	delete(s.pendingLinks, callID)

	if s.opts.MaxCalls > 0 && len(s.calls) > s.opts.MaxCalls {
		s.evictOldestLocked()
	}
	return call
}

// linkCallsLocked records an attended-transfer relation, parking the
// reference when the peer dialog has not been seen yet.
func (s *Storage) linkCallsLocked(call *Call, ref string) {
	if peer, ok := s.calls[ref]; ok {
		call.xcalls[ref] = struct{}{}
		peer.xcalls[call.CallID] = struct{}{}
		return
	}
	for _, id := range s.pendingLinks[ref] {
		if id == call.CallID {
			return
		}
	}
	s.pendingLinks[ref] = append(s.pendingLinks[ref], call.CallID)
}

func (s *Storage) registerStreamsLocked(call *Call, sdp *packet.SDPRecord) {
	for _, media := range sdp.Medias {
		if media.Address.IsValid() {
			s.rtpStreams[media.Address] = call.CallID
			if media.RTCPPort != 0 {
				rtcpAddr := media.Address
				rtcpAddr.Port = media.RTCPPort
				s.rtpStreams[rtcpAddr] = call.CallID
			}
		}
	}
}

// evictTerminalLocked removes the oldest terminal calls until the store
// fits under the memory limit again.
func (s *Storage) evictTerminalLocked() {
	for s.memBytes > s.opts.MemoryLimit {
		var victim *Call
		for _, c := range s.calls {
			if !c.State.IsTerminal() {
				continue
			}
			if victim == nil || c.startTime.Before(victim.startTime) ||
				(c.startTime.Equal(victim.startTime) && c.index < victim.index) {
				victim = c
			}
		}
		if victim == nil {
			return
		}
		s.removeCallLocked(victim)
	}
}

// evictOldestLocked rotates out the oldest call regardless of state, used
// by the call-count cap.
func (s *Storage) evictOldestLocked() {
	var victim *Call
	for _, c := range s.calls {
		if victim == nil || c.index < victim.index {
			victim = c
		}
	}
	if victim != nil {
		s.removeCallLocked(victim)
	}
}

func (s *Storage) removeCallLocked(call *Call) {
	delete(s.calls, call.CallID)
	for i, c := range s.order {
		if c == call {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.memBytes -= call.bytes

	// Purge symmetric back-references
	for id := range call.xcalls {
		if peer, ok := s.calls[id]; ok {
			delete(peer.xcalls, call.CallID)
		}
	}
	// Purge parked references originating from the victim
	for awaited, froms := range s.pendingLinks {
		kept := froms[:0]
		for _, id := range froms {
			if id != call.CallID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.pendingLinks, awaited)
		} else {
			s.pendingLinks[awaited] = kept
		}
	}
	// Drop stream expectations owned by the victim
	for addr, id := range s.rtpStreams {
		if id == call.CallID {
			delete(s.rtpStreams, addr)
		}
	}
	s.changed.Add(1)
}

// rollbackLocked undoes the append of msg after a failed memory check.
func (s *Storage) rollbackLocked(call *Call, msg *Message) {
	for i, m := range call.Msgs {
		if m == msg {
			call.Msgs = append(call.Msgs[:i], call.Msgs[i+1:]...)
			break
		}
	}
	call.bytes -= msg.size()
	s.memBytes -= msg.size()
	if len(call.Msgs) == 0 {
		s.removeCallLocked(call)
	}
}

// Call returns the dialog with the given Call-ID.
func (s *Storage) Call(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	return call, ok
}

// SetSort changes the display order; the list re-sorts lazily on the next
// read, later insertions keep it ordered by binary insertion.
func (s *Storage) SetSort(field SortField, desc bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sortField != field || s.sortDesc != desc {
		s.sortField = field
		s.sortDesc = desc
		s.dirty = true
		s.changed.Add(1)
	}
}

// SetDisplayFilter swaps the active display predicate; nil shows all.
func (s *Storage) SetDisplayFilter(f *filters.Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayFilter = f
	s.changed.Add(1)
}

// DisplayFilter returns the last-set compiled filter.
func (s *Storage) DisplayFilter() *filters.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayFilter
}

// Calls snapshots the displayed call list: sorted, filtered by the active
// display predicate.
func (s *Storage) Calls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureSortedLocked()

	out := make([]*Call, 0, len(s.order))
	for _, call := range s.order {
		if s.matchesLocked(call) {
			out = append(out, call)
		}
	}
	return out
}

// AllCalls snapshots every retained call regardless of filter.
func (s *Storage) AllCalls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureSortedLocked()
	out := make([]*Call, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Storage) matchesLocked(call *Call) bool {
	if s.displayFilter == nil {
		return true
	}
	for _, msg := range call.Msgs {
		if s.displayFilter.Match(candidate{call: call, msg: msg}) {
			return true
		}
	}
	return false
}

func (s *Storage) ensureSortedLocked() {
	if !s.dirty {
		return
	}
	cmp := s.lessFunc()
	sort.SliceStable(s.order, func(i, j int) bool { return cmp(s.order[i], s.order[j]) })
	s.dirty = false
}

func (s *Storage) insertOrderedLocked(call *Call) {
	if s.dirty || len(s.order) == 0 {
		s.order = append(s.order, call)
		return
	}
	cmp := s.lessFunc()
	pos := sort.Search(len(s.order), func(i int) bool { return cmp(call, s.order[i]) })
	s.order = append(s.order, nil)
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = call
}

func (s *Storage) lessFunc() func(a, b *Call) bool {
	field := s.sortField
	desc := s.sortDesc
	base := func(a, b *Call) int {
		switch field {
		case SortByFrom:
			return strings.Compare(a.SrcUser, b.SrcUser)
		case SortByTo:
			return strings.Compare(a.DstUser, b.DstUser)
		case SortByState:
			return int(a.State) - int(b.State)
		case SortByMethod:
			return strings.Compare(a.Method, b.Method)
		case SortByMsgCnt:
			return len(a.Msgs) - len(b.Msgs)
		default:
			switch {
			case a.startTime.Before(b.startTime):
				return -1
			case a.startTime.After(b.startTime):
				return 1
			}
			return 0
		}
	}
	return func(a, b *Call) bool {
		c := base(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return a.index < b.index
	}
}

// Stats copies out the scalar counters.
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	displayed := 0
	for _, call := range s.order {
		if s.matchesLocked(call) {
			displayed++
		}
	}
	return Stats{
		Total:          int(s.totalCalls),
		Retained:       len(s.calls),
		Displayed:      displayed,
		MemoryBytes:    s.memBytes,
		MemoryLimit:    s.opts.MemoryLimit,
		DroppedPackets: s.dropped,
	}
}

// SoftClear removes calls outside the currently displayed set.
func (s *Storage) SoftClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []*Call
	for _, call := range s.order {
		if !s.matchesLocked(call) {
			victims = append(victims, call)
		}
	}
	for _, call := range victims {
		s.removeCallLocked(call)
	}
}

// HardClear removes every retained call. The total counter is preserved.
func (s *Storage) HardClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]*Call)
	s.order = s.order[:0]
	s.pendingLinks = make(map[string][]string)
	s.rtpStreams = make(map[packet.Address]string)
	s.memBytes = 0
	s.changed.Add(1)
}

// ExportPackets returns the packets of retained calls in merged timestamp
// order, for writing back to a capture file. With the complete-only save
// option, non-terminal calls are skipped.
func (s *Storage) ExportPackets() []*packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []*Message
	for _, call := range s.order {
		if s.opts.CompleteOnly && !call.State.IsTerminal() {
			continue
		}
		msgs = append(msgs, call.Msgs...)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].seq < msgs[j].seq
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	seen := make(map[*packet.Packet]bool, len(msgs))
	out := make([]*packet.Packet, 0, len(msgs))
	for _, m := range msgs {
		if !seen[m.Packet] {
			seen[m.Packet] = true
			out = append(out, m.Packet)
		}
	}
	return out
}
