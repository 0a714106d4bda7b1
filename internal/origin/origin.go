// Package origin provides the announcer's origin identity
package origin

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"

	"github.com/edgecli/sapcast/internal/sap"
)

// probeTarget is only used to let the kernel pick a route; nothing is sent
const probeTarget = "8.8.8.8:53"

// New returns an origin for addr with a fresh numeric id. The id comes from
// a random UUID so two announcers on one host, or one announcer restarted,
// never share an identity.
func New(addr netip.Addr) sap.Origin {
	id := uuid.New()
	return sap.Origin{
		Addr: addr.Unmap(),
		ID:   binary.BigEndian.Uint16(id[:2]),
	}
}

// Resolve parses addr when given, otherwise falls back to the outbound
// interface address, and returns a new origin for it.
func Resolve(addr string) (sap.Origin, error) {
	if addr == "" {
		return New(OutboundIP()), nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return sap.Origin{}, fmt.Errorf("invalid origin address %q: %w", addr, err)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return sap.Origin{}, fmt.Errorf("origin address %s is not IPv4", ip)
	}
	return New(ip), nil
}

// OutboundIP returns the local IPv4 address used for the default route,
// or 0.0.0.0 when there is none.
func OutboundIP() netip.Addr {
	conn, err := net.Dial("udp4", probeTarget)
	if err != nil {
		return netip.IPv4Unspecified()
	}
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.IPv4Unspecified()
	}
	ip, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.IPv4Unspecified()
	}
	return ip.Unmap()
}
