package capture

import (
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/endorses/sipscope/internal/pkg/packet"
	"github.com/endorses/sipscope/internal/pkg/storage"
)

var configOnce sync.Once

func initConfigDefaults() {
	viper.SetDefault("capture.device", "any")
	viper.SetDefault("capture.eep.listen", "")
	viper.SetDefault("capture.eep.send", "")
	viper.SetDefault("capture.eep.id", 2002)
	viper.SetDefault("capture.eep.password", "")
	viper.SetDefault("tls.keyfile", "")
	viper.SetDefault("tls.server", "")
}

// NewManagerFromConfig assembles a manager with the inputs and outputs
// the configuration names: the capture device or files, the optional
// remote-encapsulation endpoints and the TLS key material.
func NewManagerFromConfig(store *storage.Storage, files []string) (*Manager, error) {
	configOnce.Do(initConfigDefaults)

	m := NewManager(store)

	if keyfile := viper.GetString("tls.keyfile"); keyfile != "" {
		m.SetTLSKeyFile(keyfile, parseServerHint(viper.GetString("tls.server")))
	}

	if len(files) > 0 {
		for _, path := range files {
			input, err := NewOfflineInput(path)
			if err != nil {
				return nil, err
			}
			if err := m.AddInput(input); err != nil {
				return nil, err
			}
		}
	} else {
		input, err := NewLiveInput(viper.GetString("capture.device"))
		if err != nil {
			return nil, err
		}
		if err := m.AddInput(input); err != nil {
			return nil, err
		}
	}

	if listen := viper.GetString("capture.eep.listen"); listen != "" {
		input, err := NewHEPInput(listen)
		if err != nil {
			return nil, err
		}
		if err := m.AddInput(input); err != nil {
			return nil, err
		}
	}
	if send := viper.GetString("capture.eep.send"); send != "" {
		output, err := NewHEPOutput(send,
			uint32(viper.GetInt("capture.eep.id")),
			viper.GetString("capture.eep.password"))
		if err != nil {
			return nil, err
		}
		m.AddOutput(output)
	}
	return m, nil
}

// parseServerHint turns an "addr:port" setting into an Address.
func parseServerHint(hint string) packet.Address {
	host, portStr, ok := strings.Cut(hint, ":")
	if !ok {
		return packet.Address{}
	}
	var port uint16
	for _, r := range portStr {
		if r < '0' || r > '9' {
			return packet.Address{}
		}
		port = port*10 + uint16(r-'0')
	}
	return packet.NewAddress(host, port, packet.TransportTLS)
}
