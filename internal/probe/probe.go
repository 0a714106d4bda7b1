package probe

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/sap"
)

const (
	// DefaultReadTimeout bounds each receive so cancellation is noticed
	DefaultReadTimeout = time.Second
	maxDatagram        = 64 * 1024
)

// Join opens a socket on t.Port and joins t.Group, source-specific when
// t.Source is set. ifname selects the interface; empty lets the kernel
// choose.
func Join(t Target, ifname string) (net.PacketConn, error) {
	var ifi *net.Interface
	if ifname != "" {
		var err error
		ifi, err = net.InterfaceByName(ifname)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", ifname, err)
		}
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(t.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind port %d: %w", t.Port, err)
	}

	p := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: t.Group.AsSlice()}
	if t.Source.IsValid() {
		err = p.JoinSourceSpecificGroup(ifi, group, &net.UDPAddr{IP: t.Source.AsSlice()})
	} else {
		err = p.JoinGroup(ifi, group)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join %s: %w", t, err)
	}
	return conn, nil
}

// Prober reads RTP from a joined socket into Stats
type Prober struct {
	conn        net.PacketConn
	stats       *Stats
	metrics     *metrics.Probe
	readTimeout time.Duration
}

// New creates a Prober reading from conn. m may be nil.
func New(conn net.PacketConn, m *metrics.Probe) *Prober {
	return &Prober{
		conn:        conn,
		stats:       NewStats(),
		metrics:     m,
		readTimeout: DefaultReadTimeout,
	}
}

// Stats returns the live counters
func (p *Prober) Stats() *Stats {
	return p.stats
}

// Run receives until ctx is done. A closed socket ends the run with a
// *sap.ResourceFatalError.
func (p *Prober) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return sap.Classify("set read deadline", err)
		}

		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			if sap.IsTimeout(err) {
				continue
			}
			cerr := sap.Classify("receive", err)
			if sap.IsFatal(cerr) {
				if ctx.Err() != nil {
					return nil
				}
				return cerr
			}
			log.Printf("[WARN] probe: %v", cerr)
			continue
		}

		lost, ok := p.stats.Add(buf[:n])
		if !ok {
			p.metrics.Invalid()
			log.Printf("[DEBUG] probe: ignored %d byte datagram from %s", n, addr)
			continue
		}
		p.metrics.Packet(lost)
	}
}
