package capture

import (
	"fmt"
	"net"
	"os"

	"github.com/google/gopacket/pcapgo"

	"github.com/endorses/sipscope/internal/pkg/capture/pcaptypes"
	"github.com/endorses/sipscope/internal/pkg/logger"
	"github.com/endorses/sipscope/internal/pkg/packet"
)

// Output is a sink the manager fans stored packets into.
type Output interface {
	Write(pkt *packet.Packet) error
	Close() error
}

// fileOutput appends packets to a pcap file. The file header is written
// lazily from the first packet's link type so the round trip stays
// bit-identical.
type fileOutput struct {
	file       *os.File
	writer     *pcapgo.Writer
	headerDone bool
}

// NewFileOutput creates a capture-file sink.
func NewFileOutput(path string) (Output, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: creating output file: %w", err)
	}
	return &fileOutput{
		file:   file,
		writer: pcapgo.NewWriter(file),
	}, nil
}

func (o *fileOutput) Write(pkt *packet.Packet) error {
	if !o.headerDone {
		if err := o.writer.WriteFileHeader(pcaptypes.MaxPcapSnapshotLen, pkt.LinkType); err != nil {
			return err
		}
		o.headerDone = true
	}
	return o.writer.WritePacket(pkt.CaptureInfo, pkt.Data())
}

func (o *fileOutput) Close() error {
	return o.file.Close()
}

// hepOutput forwards each SIP packet over remote encapsulation. Output
// always uses the v3 envelope.
type hepOutput struct {
	conn      *net.UDPConn
	captureID uint32
	authKey   string
}

// NewHEPOutput dials the remote collector.
func NewHEPOutput(sendAddr string, captureID uint32, authKey string) (Output, error) {
	addr, err := net.ResolveUDPAddr("udp", sendAddr)
	if err != nil {
		return nil, fmt.Errorf("capture: resolving eep send address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("capture: dialing eep collector: %w", err)
	}
	return &hepOutput{conn: conn, captureID: captureID, authKey: authKey}, nil
}

func (o *hepOutput) Write(pkt *packet.Packet) error {
	if pkt.SIP == nil {
		return nil
	}
	frame, err := packet.EncodeHEP(pkt, o.captureID, o.authKey)
	if err != nil {
		logger.Debug("hep encoding skipped packet", "error", err)
		return nil
	}
	_, err = o.conn.Write(frame)
	return err
}

func (o *hepOutput) Close() error {
	return o.conn.Close()
}
