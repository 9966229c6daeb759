package pcaptypes

import "github.com/google/gopacket/pcap"

// PcapInterface abstracts a libpcap handle source: a live device or an
// offline capture file.
type PcapInterface interface {
	SetHandle() error
	Handle() (*pcap.Handle, error)
	Name() string
}

// CreateLiveInterface wraps a network device.
func CreateLiveInterface(device string) PcapInterface {
	return &liveInterface{Device: device}
}

// CreateOfflineInterface wraps a capture file.
func CreateOfflineInterface(path string) PcapInterface {
	return &offlineInterface{Path: path}
}
