package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Session is a session found through DNS-SD
type Session struct {
	Key     string
	Name    string
	Group   string
	Source  string
	Port    int
	Version uint32
	Origin  string
	File    string
	// Host is the proxy host name and Addrs its announced addresses
	Host  string
	Addrs []net.IP
}

// Browse collects the sessions published on the link until ctx is done.
// Sessions published by several directories are reported once, at their
// highest version.
func Browse(ctx context.Context) ([]Session, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Session)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				s := fromEntry(entry)
				if prev, seen := found[s.Key]; !seen || s.Version > prev.Version {
					found[s.Key] = s
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse %s: %w", ServiceType, err)
	}
	<-ctx.Done()
	<-done

	sessions := make([]Session, 0, len(found))
	for _, s := range found {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) Session {
	s := parseText(entry.Text)
	if s.Key == "" {
		s.Key = entry.Instance
	}
	s.Port = entry.Port
	s.Host = entry.HostName
	s.Addrs = entry.AddrIPv4
	return s
}

// parseText reads the TXT pairs written by the publisher. Unknown keys are
// skipped.
func parseText(text []string) Session {
	var s Session
	for _, kv := range text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case TxtKey:
			s.Key = v
		case TxtName:
			s.Name = v
		case TxtGroup:
			s.Group = v
		case TxtSource:
			s.Source = v
		case TxtVersion:
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				s.Version = uint32(n)
			}
		case TxtOrigin:
			s.Origin = v
		case TxtFile:
			s.File = v
		}
	}
	return s
}
