// Package probe joins an advertised RTP session and reports what arrives:
// packet counts per stream, sequence gaps and datagrams that are not RTP.
package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/pion/sdp/v3"
)

// Target is the media endpoint of one session description
type Target struct {
	Name        string
	Group       netip.Addr
	Port        int
	PayloadType string
	// Source is set for source-specific sessions
	Source netip.Addr
}

func (t Target) String() string {
	s := fmt.Sprintf("%s:%d", t.Group, t.Port)
	if t.Source.IsValid() {
		s += " from " + t.Source.String()
	}
	return s
}

// LoadTarget reads the session description at path
func LoadTarget(path string) (Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Target{}, fmt.Errorf("failed to read session file: %w", err)
	}
	t, err := ParseTarget(data)
	if err != nil {
		return Target{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTarget extracts the first video (else first) media stream of a
// session description. A media-level c= line wins over the session one.
func ParseTarget(data []byte) (Target, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return Target{}, fmt.Errorf("invalid session description: %w", err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return Target{}, errors.New("session description has no media")
	}

	md := sd.MediaDescriptions[0]
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "video" {
			md = m
			break
		}
	}

	conn := sd.ConnectionInformation
	if md.ConnectionInformation != nil {
		conn = md.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return Target{}, errors.New("session description has no connection address")
	}
	group, err := netip.ParseAddr(conn.Address.Address)
	if err != nil {
		return Target{}, fmt.Errorf("invalid connection address %q: %w", conn.Address.Address, err)
	}

	t := Target{
		Name:  strings.TrimSpace(string(sd.SessionName)),
		Group: group.Unmap(),
		Port:  md.MediaName.Port.Value,
	}
	if len(md.MediaName.Formats) > 0 {
		t.PayloadType = md.MediaName.Formats[0]
	}
	if filter, ok := md.Attribute("source-filter"); ok {
		t.Source = sourceFromFilter(filter)
	} else if filter, ok := sd.Attribute("source-filter"); ok {
		t.Source = sourceFromFilter(filter)
	}

	if t.Port <= 0 || t.Port > 65535 {
		return Target{}, fmt.Errorf("invalid media port %d", t.Port)
	}
	if !t.Group.Is4() {
		return Target{}, fmt.Errorf("connection address %s is not IPv4", t.Group)
	}
	return t, nil
}

// sourceFromFilter reads "incl IN IP4 <group> <source>"
func sourceFromFilter(v string) netip.Addr {
	fields := strings.Fields(v)
	if len(fields) < 5 || fields[0] != "incl" {
		return netip.Addr{}
	}
	src, err := netip.ParseAddr(fields[4])
	if err != nil {
		return netip.Addr{}
	}
	return src
}
