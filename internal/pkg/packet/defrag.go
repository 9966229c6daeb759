package packet

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPv4 defragmentation. Fragments are held per (src, dst, id) flow and
// reassembled once the final fragment and all bytes have arrived. Per
// RFC 791 only intermediate fragments (MF=1) must be multiples of 8 bytes;
// final fragments can be any size, which matters for large SIP INVITEs
// whose SDP tail can land in a fragment shorter than 8 bytes.
//
// The defragmenter is owned by a single Chain and is not safe for
// concurrent use.

const (
	ipv4MinFragmentSize   = 8
	ipv4MaxPacketSize     = 65535
	ipv4MaxFragmentOffset = 8191
	ipv4MaxFragmentCount  = 8192
)

type ipv4Defragmenter struct {
	flows map[ipv4FlowKey]*ipv4FragmentList
}

func newIPv4Defragmenter() *ipv4Defragmenter {
	return &ipv4Defragmenter{flows: make(map[ipv4FlowKey]*ipv4FragmentList)}
}

type ipv4FlowKey struct {
	flow gopacket.Flow
	id   uint16
}

type ipv4FragmentList struct {
	fragments     list.List
	highest       uint16
	current       uint16
	finalReceived bool
	lastSeen      time.Time
}

// defrag returns the reassembled layer once complete, the input unchanged
// for unfragmented packets, or nil while fragments are pending.
func (d *ipv4Defragmenter) defrag(in *layers.IPv4, t time.Time) (*layers.IPv4, error) {
	if in.Flags&layers.IPv4DontFragment != 0 ||
		(in.Flags&layers.IPv4MoreFragments == 0 && in.FragOffset == 0) {
		return in, nil
	}
	if err := checkFragment(in); err != nil {
		return nil, err
	}

	key := ipv4FlowKey{flow: in.NetworkFlow(), id: in.Id}
	fl, ok := d.flows[key]
	if !ok {
		fl = &ipv4FragmentList{}
		d.flows[key] = fl
	}

	out, err := fl.insert(in, t)
	if out == nil && fl.fragments.Len()+1 > ipv4MaxFragmentCount {
		delete(d.flows, key)
		return nil, fmt.Errorf("defrag: fragment list exceeded %d entries", ipv4MaxFragmentCount)
	}
	if out != nil {
		delete(d.flows, key)
	}
	return out, err
}

// discardOlderThan drops incomplete fragment flows idle since t.
func (d *ipv4Defragmenter) discardOlderThan(t time.Time) int {
	var count int
	for key, fl := range d.flows {
		if fl.lastSeen.Before(t) {
			delete(d.flows, key)
			count++
		}
	}
	return count
}

func checkFragment(ip *layers.IPv4) error {
	fragSize := ip.Length - uint16(ip.IHL)*4
	final := ip.Flags&layers.IPv4MoreFragments == 0
	if !final && fragSize < ipv4MinFragmentSize {
		return fmt.Errorf("defrag: non-final fragment too small (%d bytes)", fragSize)
	}
	if ip.FragOffset > ipv4MaxFragmentOffset {
		return fmt.Errorf("defrag: fragment offset %d out of range", ip.FragOffset)
	}
	if uint32(ip.FragOffset)*8+uint32(ip.Length) > ipv4MaxPacketSize {
		return errors.New("defrag: reassembled packet would exceed 64KB")
	}
	return nil
}

func (fl *ipv4FragmentList) insert(in *layers.IPv4, t time.Time) (*layers.IPv4, error) {
	fragOffset := in.FragOffset * 8

	if fragOffset >= fl.highest {
		fl.fragments.PushBack(in)
	} else {
		inserted := false
		for e := fl.fragments.Front(); e != nil; e = e.Next() {
			frag := e.Value.(*layers.IPv4)
			if in.FragOffset == frag.FragOffset {
				// Duplicate fragment
				return nil, nil
			}
			if in.FragOffset < frag.FragOffset {
				fl.fragments.InsertBefore(in, e)
				inserted = true
				break
			}
		}
		if !inserted {
			fl.fragments.PushBack(in)
		}
	}

	fl.lastSeen = t
	fragLength := in.Length - uint16(in.IHL)*4
	if fl.highest < fragOffset+fragLength {
		fl.highest = fragOffset + fragLength
	}
	fl.current += fragLength
	if in.Flags&layers.IPv4MoreFragments == 0 {
		fl.finalReceived = true
	}

	if fl.finalReceived && fl.highest == fl.current {
		return fl.build(in)
	}
	return nil, nil
}

func (fl *ipv4FragmentList) build(in *layers.IPv4) (*layers.IPv4, error) {
	var payload []byte
	var currentOffset uint16

	for e := fl.fragments.Front(); e != nil; e = e.Next() {
		frag := e.Value.(*layers.IPv4)
		fragOffset := frag.FragOffset * 8
		fragPayloadLen := frag.Length - uint16(frag.IHL)*4

		switch {
		case fragOffset == currentOffset:
			payload = append(payload, frag.Payload...)
			currentOffset += fragPayloadLen
		case fragOffset < currentOffset:
			// Overlap: keep only the new bytes
			startAt := currentOffset - fragOffset
			if startAt >= fragPayloadLen {
				continue
			}
			payload = append(payload, frag.Payload[startAt:]...)
			currentOffset += fragPayloadLen - startAt
		default:
			return nil, errors.New("defrag: hole in fragment sequence")
		}
	}

	out := &layers.IPv4{
		Version:  in.Version,
		IHL:      in.IHL,
		TOS:      in.TOS,
		Length:   uint16(in.IHL)*4 + uint16(len(payload)),
		Id:       in.Id,
		TTL:      in.TTL,
		Protocol: in.Protocol,
		SrcIP:    in.SrcIP,
		DstIP:    in.DstIP,
		Options:  in.Options,
		Padding:  in.Padding,
	}
	out.Payload = payload
	return out, nil
}
