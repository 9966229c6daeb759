package capture

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/uuid"

	"github.com/endorses/sipscope/internal/pkg/capture/pcaptypes"
	"github.com/endorses/sipscope/internal/pkg/logger"
)

// Mode distinguishes endless live sources from finite offline ones.
type Mode uint8

const (
	ModeLive Mode = iota
	ModeOffline
)

// Frame is one raw unit delivered by an input to the manager loop.
type Frame struct {
	Data     []byte
	CaptureInfo gopacket.CaptureInfo
	LinkType layers.LinkType

	// Encapsulated marks frames arriving through the remote channel; the
	// data is a HEP envelope rather than a link-layer frame.
	Encapsulated bool
}

// Input is a source of raw frames. Start launches the reader; frames flow
// through deliver, and done fires exactly once when the source drains or
// is stopped.
type Input interface {
	ID() string
	Mode() Mode
	Start(deliver func(Frame), done func(id string)) error
	Stop()
	SetFilter(expr string) error
	TotalSize() uint64
	LoadedSize() uint64
}

// pcapInput drives a libpcap handle, live or offline.
type pcapInput struct {
	id     string
	mode   Mode
	iface  pcaptypes.PcapInterface
	handle *pcap.Handle
	loaded atomic.Uint64
	total  uint64
	stop   chan struct{}
}

// NewLiveInput captures from a device in promiscuous mode. It never
// terminates until stopped.
func NewLiveInput(device string) (Input, error) {
	iface := pcaptypes.CreateLiveInterface(device)
	if err := iface.SetHandle(); err != nil {
		return nil, fmt.Errorf("capture: opening device %s: %w", device, err)
	}
	handle, err := iface.Handle()
	if err != nil {
		return nil, err
	}
	return &pcapInput{
		id:     uuid.NewString(),
		mode:   ModeLive,
		iface:  iface,
		handle: handle,
		stop:   make(chan struct{}),
	}, nil
}

// NewOfflineInput reads a capture file and self-destroys at EOF.
func NewOfflineInput(path string) (Input, error) {
	iface := pcaptypes.CreateOfflineInterface(path)
	if err := iface.SetHandle(); err != nil {
		return nil, fmt.Errorf("capture: opening file %s: %w", path, err)
	}
	handle, err := iface.Handle()
	if err != nil {
		return nil, err
	}
	input := &pcapInput{
		id:     uuid.NewString(),
		mode:   ModeOffline,
		iface:  iface,
		handle: handle,
		stop:   make(chan struct{}),
	}
	if sized, ok := iface.(interface{ Size() uint64 }); ok {
		input.total = sized.Size()
	}
	return input, nil
}

func (in *pcapInput) ID() string         { return in.id }
func (in *pcapInput) Mode() Mode         { return in.mode }
func (in *pcapInput) TotalSize() uint64  { return in.total }
func (in *pcapInput) LoadedSize() uint64 { return in.loaded.Load() }

func (in *pcapInput) SetFilter(expr string) error {
	return in.handle.SetBPFFilter(expr)
}

func (in *pcapInput) Start(deliver func(Frame), done func(id string)) error {
	go in.readLoop(deliver, done)
	return nil
}

func (in *pcapInput) readLoop(deliver func(Frame), done func(id string)) {
	defer done(in.id)
	defer in.handle.Close()

	linkType := in.handle.LinkType()
	for {
		select {
		case <-in.stop:
			return
		default:
		}

		data, ci, err := in.handle.ReadPacketData()
		switch err {
		case nil:
		case pcap.NextErrorTimeoutExpired:
			continue
		default:
			// EOF on offline files, closed handle on stop
			return
		}

		// Per-packet record header plus bytes, the same arithmetic the
		// progress bar divides by.
		in.loaded.Add(uint64(ci.CaptureLength) + 16)

		frame := Frame{
			Data:        data,
			CaptureInfo: ci,
			LinkType:    linkType,
		}
		select {
		case <-in.stop:
			return
		default:
			deliver(frame)
		}
	}
}

func (in *pcapInput) Stop() {
	select {
	case <-in.stop:
	default:
		close(in.stop)
	}
}

// hepInput listens for encapsulated frames on a UDP socket.
type hepInput struct {
	id     string
	conn   *net.UDPConn
	loaded atomic.Uint64
	stop   chan struct{}
}

// NewHEPInput binds the remote-encapsulation listener.
func NewHEPInput(listenAddr string) (Input, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("capture: resolving eep listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("capture: binding eep listener: %w", err)
	}
	return &hepInput{
		id:   uuid.NewString(),
		conn: conn,
		stop: make(chan struct{}),
	}, nil
}

func (in *hepInput) ID() string         { return in.id }
func (in *hepInput) Mode() Mode         { return ModeLive }

// Addr returns the bound listener address.
func (in *hepInput) Addr() net.Addr { return in.conn.LocalAddr() }
func (in *hepInput) TotalSize() uint64  { return 0 }
func (in *hepInput) LoadedSize() uint64 { return in.loaded.Load() }

// SetFilter is accepted but meaningless for encapsulated input; the BPF
// program runs on the sending agent.
func (in *hepInput) SetFilter(expr string) error {
	return nil
}

func (in *hepInput) Start(deliver func(Frame), done func(id string)) error {
	go func() {
		defer done(in.id)
		buf := make([]byte, 65536)
		for {
			n, _, err := in.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-in.stop:
				default:
					logger.Error("eep listener read failed", "error", err)
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			in.loaded.Add(uint64(n))
			deliver(Frame{Data: data, Encapsulated: true})
		}
	}()
	return nil
}

func (in *hepInput) Stop() {
	select {
	case <-in.stop:
	default:
		close(in.stop)
		in.conn.Close()
	}
}
