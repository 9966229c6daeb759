package packet

import (
	"fmt"
	"net"
	"net/netip"
)

// Transport identifies the transport a SIP message travelled on.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
	TransportTLS
	TransportWS
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "UDP"
	case TransportTCP:
		return "TCP"
	case TransportTLS:
		return "TLS"
	case TransportWS:
		return "WS"
	}
	return "???"
}

// Address is an endpoint value: IP, port and transport. It is comparable,
// so it can be used directly as a map key; equality is bitwise on all
// three fields.
type Address struct {
	IP        netip.Addr
	Port      uint16
	Transport Transport
}

// NewAddress builds an Address from a textual IP. Invalid input yields the
// zero Address, which IsValid reports as unset.
func NewAddress(ip string, port uint16, transport Transport) Address {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Address{}
	}
	return Address{IP: addr.Unmap(), Port: port, Transport: transport}
}

// IsValid reports whether the address carries a usable IP.
func (a Address) IsValid() bool {
	return a.IP.IsValid()
}

func (a Address) String() string {
	if !a.IP.IsValid() {
		return ""
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// addrFromIP converts a decoded net.IP, unmapping 4-in-6 forms so that
// addresses compare bitwise.
func addrFromIP(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
