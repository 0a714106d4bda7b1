// Package mdns mirrors the directory catalog onto DNS-SD so that hosts
// without a SAP listener can still find the live sessions on the link.
package mdns

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/edgecli/sapcast/internal/discovery"
	"github.com/edgecli/sapcast/internal/probe"
)

const (
	// ServiceType is the DNS-SD service sessions are published under
	ServiceType = "_sapcast._udp"
	// Domain is the mDNS domain
	Domain = "local."
)

// TXT keys carried by every published session
const (
	TxtKey     = "key"
	TxtName    = "name"
	TxtGroup   = "group"
	TxtSource  = "source"
	TxtVersion = "version"
	TxtOrigin  = "origin"
	TxtFile    = "file"
)

// server is a running registration
type server interface {
	Shutdown()
}

// registerFunc publishes one service instance. It matches
// zeroconf.RegisterProxy.
type registerFunc func(instance, service, domain string, port int, host string, ips []string, text []string) (server, error)

func registerProxy(instance, service, domain string, port int, host string, ips []string, text []string) (server, error) {
	srv, err := zeroconf.RegisterProxy(instance, service, domain, port, host, ips, text, nil)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// Publisher keeps one DNS-SD registration per live session. It implements
// discovery.Callback.
type Publisher struct {
	register registerFunc

	mu      sync.Mutex
	servers map[string]server
	closed  bool
}

// NewPublisher returns a publisher that registers on all multicast
// interfaces
func NewPublisher() *Publisher {
	return newPublisher(registerProxy)
}

func newPublisher(register registerFunc) *Publisher {
	return &Publisher{
		register: register,
		servers:  make(map[string]server),
	}
}

// OnSessionAnnounced publishes e, replacing any earlier registration of the
// same session
func (p *Publisher) OnSessionAnnounced(e discovery.Entry, isNew bool) {
	target, err := probe.ParseTarget(e.Payload)
	if err != nil {
		log.Printf("[WARN] mdns: not publishing %s: %v", e.Key, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if old, ok := p.servers[e.Key]; ok {
		old.Shutdown()
		delete(p.servers, e.Key)
	}

	srv, err := p.register(e.Key, ServiceType, Domain, target.Port,
		hostLabel(e), []string{e.Origin.Addr.String()}, sessionText(e, target))
	if err != nil {
		log.Printf("[ERROR] mdns: failed to publish %s: %v", e.Key, err)
		return
	}
	p.servers[e.Key] = srv
	log.Printf("[DEBUG] mdns: published %s v%d on port %d", e.Key, e.Version, target.Port)
}

// OnSessionRemoved withdraws the registration of e
func (p *Publisher) OnSessionRemoved(e discovery.Entry, reason discovery.Reason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	srv, ok := p.servers[e.Key]
	if !ok {
		return
	}
	srv.Shutdown()
	delete(p.servers, e.Key)
	log.Printf("[DEBUG] mdns: unpublished %s (%s)", e.Key, reason)
}

// Published returns the number of live registrations
func (p *Publisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// Close withdraws every registration. Later announcements are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, srv := range p.servers {
		srv.Shutdown()
		delete(p.servers, key)
	}
	p.closed = true
}

func sessionText(e discovery.Entry, t probe.Target) []string {
	text := []string{
		TxtKey + "=" + e.Key,
		TxtGroup + "=" + t.Group.String(),
		TxtVersion + "=" + strconv.FormatUint(uint64(e.Version), 10),
		TxtOrigin + "=" + e.Origin.String(),
	}
	if e.Name != "" {
		text = append(text, TxtName+"="+e.Name)
	}
	if t.Source.IsValid() {
		text = append(text, TxtSource+"="+t.Source.String())
	}
	if e.Path != "" {
		text = append(text, TxtFile+"="+e.Path)
	}
	return text
}

// hostLabel names the proxied host after the announcing origin. zeroconf
// appends the domain.
func hostLabel(e discovery.Entry) string {
	addr := strings.ReplaceAll(e.Origin.Addr.String(), ".", "-")
	return fmt.Sprintf("sapcast-%s-%d", addr, e.Origin.ID)
}
