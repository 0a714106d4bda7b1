// Package descriptor builds the session descriptions carried in
// announcement frames and derives the session key used to name them.
package descriptor

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/edgecli/sapcast/internal/sap"
)

const (
	// DefaultPort is the default RTP port
	DefaultPort = 5004
	// DefaultPayloadType is the first dynamic RTP payload type
	DefaultPayloadType = 96
	// DefaultEncoding is the rtpmap encoding name
	DefaultEncoding = "H264"
	// DefaultClockRate is the RTP clock for video
	DefaultClockRate = 90000
	// DefaultProfileLevelID is H.264 constrained baseline, level 3.1
	DefaultProfileLevelID = "42e01f"
	// DefaultUsername is the o= username field
	DefaultUsername = "sender"

	maxKeyLength = 200
)

// Params are the inputs a session description is built from
type Params struct {
	// Name is the human readable session name (s=)
	Name string
	// Username is the o= username; DefaultUsername when empty
	Username string
	// Group is the IPv4 multicast group the media is sent to
	Group netip.Addr
	// Port is the RTP port
	Port int
	// TTL is the multicast TTL written in the c= line
	TTL int
	// PayloadType is the dynamic RTP payload type
	PayloadType uint8
	// Encoding is the rtpmap encoding name
	Encoding string
	// ClockRate is the rtpmap clock rate
	ClockRate uint32
	// ProfileLevelID goes into the H.264 fmtp line
	ProfileLevelID string
	// Source, when valid, adds an SSM source-filter attribute
	Source netip.Addr
}

// DefaultParams returns params for name with the group derived from it
func DefaultParams(name string) Params {
	return Params{
		Name:           name,
		Username:       DefaultUsername,
		Group:          GroupFromName(name),
		Port:           DefaultPort,
		TTL:            1,
		PayloadType:    DefaultPayloadType,
		Encoding:       DefaultEncoding,
		ClockRate:      DefaultClockRate,
		ProfileLevelID: DefaultProfileLevelID,
	}
}

// Validate checks that p describes a sendable multicast RTP session
func (p Params) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("session name is required")
	}
	if !p.Group.Is4() || !p.Group.IsMulticast() {
		return fmt.Errorf("group %q is not an IPv4 multicast address", p.Group)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid RTP port %d", p.Port)
	}
	if p.PayloadType < 96 || p.PayloadType > 127 {
		return fmt.Errorf("payload type %d is not in the dynamic range 96-127", p.PayloadType)
	}
	if p.ClockRate == 0 {
		return errors.New("clock rate must be positive")
	}
	if p.Encoding == "" {
		return errors.New("encoding name is required")
	}
	if p.Source.IsValid() && !p.Source.Is4() {
		return fmt.Errorf("source %q is not IPv4", p.Source)
	}
	return nil
}

// Descriptor is one immutable advertised session. Callers must not modify
// Payload.
type Descriptor struct {
	Origin  sap.Origin
	Version uint32
	Payload []byte
	Key     string
	Params  Params
}

// Frame wraps the descriptor in a frame of the given type
func (d *Descriptor) Frame(t sap.MessageType) *sap.Frame {
	return &sap.Frame{
		Type:    t,
		Origin:  d.Origin,
		Version: d.Version,
		Payload: d.Payload,
	}
}

// Build returns the first descriptor (version 1) for origin
func Build(origin sap.Origin, p Params) (*Descriptor, error) {
	return build(origin, 1, p)
}

// Rebuild returns a descriptor for changed params. The origin is kept and
// the version continues from prev.
func Rebuild(prev *Descriptor, p Params) (*Descriptor, error) {
	if prev == nil {
		return nil, errors.New("rebuild needs a previous descriptor")
	}
	return build(prev.Origin, prev.Version+1, p)
}

func build(origin sap.Origin, version uint32, p Params) (*Descriptor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Username == "" {
		p.Username = DefaultUsername
	}
	if p.TTL <= 0 {
		p.TTL = 1
	}

	ttl := p.TTL
	info := sdp.Information(p.Encoding + " RTP")
	pt := fmt.Sprintf("%d", p.PayloadType)

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: p.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}
	media = media.WithValueAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, p.Encoding, p.ClockRate))
	if strings.EqualFold(p.Encoding, "H264") {
		profile := p.ProfileLevelID
		if profile == "" {
			profile = DefaultProfileLevelID
		}
		media = media.WithValueAttribute("fmtp", fmt.Sprintf("%s packetization-mode=1;profile-level-id=%s", pt, profile))
	}
	if p.Source.IsValid() {
		media = media.WithValueAttribute("source-filter", fmt.Sprintf(" incl IN IP4 %s %s", p.Group, p.Source))
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       p.Username,
			SessionID:      uint64(origin.ID),
			SessionVersion: uint64(version),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: origin.Addr.String(),
		},
		SessionName:        sdp.SessionName(p.Name),
		SessionInformation: &info,
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.Group.String(), TTL: &ttl},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	payload, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session description: %w", err)
	}

	return &Descriptor{
		Origin:  origin,
		Version: version,
		Payload: payload,
		Key:     SessionKey(payload, origin),
		Params:  p,
	}, nil
}

// SessionKey derives the stable key of a session from its description:
// the s= name made filesystem safe, else the o= session id, else the
// announcing origin.
func SessionKey(payload []byte, o sap.Origin) string {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(payload); err == nil {
		if key := sanitize(string(sd.SessionName)); key != "" {
			return key
		}
		if sd.Origin.SessionID != 0 {
			return fmt.Sprintf("session_%d", sd.Origin.SessionID)
		}
	} else if name, ok := scanSessionName(payload); ok {
		if key := sanitize(name); key != "" {
			return key
		}
	}
	return sanitize(fmt.Sprintf("session_%s_%d", o.Addr, o.ID))
}

// SessionName returns the s= line of payload, or "" when there is none
func SessionName(payload []byte) string {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(payload); err == nil {
		return strings.TrimSpace(string(sd.SessionName))
	}
	name, _ := scanSessionName(payload)
	return name
}

// scanSessionName finds the s= line of a description pion rejects as a
// whole (missing mandatory lines, bad ordering).
func scanSessionName(payload []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "s=") {
			return strings.TrimSpace(line[2:]), true
		}
	}
	return "", false
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	key := strings.TrimLeft(b.String(), ".")
	if len(key) > maxKeyLength {
		key = key[:maxKeyLength]
	}
	return key
}

// GroupFromName derives a stable 239.255.X.Y group from a session name
func GroupFromName(name string) netip.Addr {
	sum := sha1.Sum([]byte(name))
	return netip.AddrFrom4([4]byte{239, 255, sum[0], sum[1]})
}
