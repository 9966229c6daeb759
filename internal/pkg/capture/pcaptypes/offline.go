package pcaptypes

import (
	"errors"
	"os"

	"github.com/google/gopacket/pcap"
)

type offlineInterface struct {
	Path   string
	file   *os.File
	handle *pcap.Handle
	size   uint64
}

func (iface *offlineInterface) SetHandle() error {
	file, err := os.Open(iface.Path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	handle, err := pcap.OpenOfflineFile(file)
	if err != nil {
		file.Close()
		return err
	}
	iface.file = file
	iface.size = uint64(info.Size())
	iface.handle = handle
	return nil
}

func (iface *offlineInterface) Handle() (*pcap.Handle, error) {
	if iface.handle == nil {
		return nil, errors.New("interface has no handle")
	}
	return iface.handle, nil
}

func (iface *offlineInterface) Name() string {
	return iface.Path
}

// Size returns the capture file's byte length, the denominator of the
// load-progress display.
func (iface *offlineInterface) Size() uint64 {
	return iface.size
}
