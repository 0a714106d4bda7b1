package sap

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/net/ipv4"
)

// SenderOptions controls the outbound multicast socket
type SenderOptions struct {
	// TTL is the multicast hop limit (1 keeps announcements on the local link)
	TTL int
	// Interface names the outbound interface; empty lets the kernel choose
	Interface string
	// Loopback delivers our own announcements to local listeners
	Loopback bool
}

// OpenSender opens an unbound UDP socket configured for multicast sends to
// group:port. The caller owns the returned conn.
func OpenSender(group string, port int, opts SenderOptions) (net.PacketConn, *net.UDPAddr, error) {
	dest, err := groupAddr(group, port)
	if err != nil {
		return nil, nil, err
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open announce socket: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to set multicast TTL %d: %w", ttl, err)
	}
	if err := p.SetMulticastLoopback(opts.Loopback); err != nil {
		log.Printf("[WARN] sap: failed to set multicast loopback: %v", err)
	}
	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("unknown interface %q: %w", opts.Interface, err)
		}
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to select interface %s: %w", ifi.Name, err)
		}
	}

	return conn, dest, nil
}

// ListenGroup joins group:port for receiving, optionally on one interface.
func ListenGroup(group string, port int, ifname string) (*net.UDPConn, error) {
	addr, err := groupAddr(group, port)
	if err != nil {
		return nil, err
	}

	var ifi *net.Interface
	if ifname != "" {
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", ifname, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", addr, err)
	}
	if err := conn.SetReadBuffer(MaxFrameSize * 64); err != nil {
		log.Printf("[WARN] sap: failed to set read buffer: %v", err)
	}
	return conn, nil
}

func groupAddr(group string, port int) (*net.UDPAddr, error) {
	ip := net.ParseIP(group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%q is not an IPv4 multicast group", group)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
