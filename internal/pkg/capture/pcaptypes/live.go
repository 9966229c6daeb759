package pcaptypes

import (
	"errors"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/spf13/viper"
)

// MaxPcapSnapshotLen captures full frames; SIP bodies can fill an entire
// MTU and truncation would break SDP parsing.
const MaxPcapSnapshotLen = 262144

// DefaultPcapBufferSize is the kernel buffer for live capture. The libpcap
// default (~2MB) drops packets on busy interfaces.
const DefaultPcapBufferSize = 16 * 1024 * 1024

type liveInterface struct {
	Device string
	handle *pcap.Handle
}

func (iface *liveInterface) SetHandle() error {
	if iface.handle != nil {
		iface.handle.Close()
		iface.handle = nil
	}

	promiscuous := true
	if viper.IsSet("capture.promiscuous") {
		promiscuous = viper.GetBool("capture.promiscuous")
	}

	// A finite read timeout keeps the reader goroutine responsive to
	// shutdown; BlockForever would pin it until the next packet.
	timeoutMs := viper.GetInt("capture.pcap_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 200
	}

	bufferSize := viper.GetInt("capture.pcap_buffer_size")
	if bufferSize <= 0 {
		bufferSize = DefaultPcapBufferSize
	}

	inactive, err := pcap.NewInactiveHandle(iface.Device)
	if err != nil {
		return err
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(MaxPcapSnapshotLen); err != nil {
		return err
	}
	if err := inactive.SetPromisc(promiscuous); err != nil {
		return err
	}
	if err := inactive.SetTimeout(time.Duration(timeoutMs) * time.Millisecond); err != nil {
		return err
	}
	if err := inactive.SetBufferSize(bufferSize); err != nil {
		return err
	}

	handle, err := inactive.Activate()
	if err != nil {
		return err
	}
	iface.handle = handle
	return nil
}

func (iface *liveInterface) Handle() (*pcap.Handle, error) {
	if iface.handle == nil {
		return nil, errors.New("interface has no handle")
	}
	return iface.handle, nil
}

func (iface *liveInterface) Name() string {
	return iface.Device
}
