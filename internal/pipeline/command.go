// Package pipeline assembles and supervises the external media engine
// (gst-launch-1.0) that produces and plays the RTP streams.
package pipeline

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

const (
	// DefaultBinary is the media engine launched for both roles
	DefaultBinary = "gst-launch-1.0"
	// DefaultPattern is the videotestsrc pattern
	DefaultPattern = "smpte"
	// DefaultBitrate is the x264 bitrate in kbit/s
	DefaultBitrate = 2000
)

// Target describes the stream a sender pipeline produces
type Target struct {
	Group       netip.Addr
	Port        int
	PayloadType uint8
	TTL         int
	// Pattern is a videotestsrc pattern name (smpte, ball, snow, ...)
	Pattern string
	// Bitrate is in kbit/s
	Bitrate int
}

// Validate checks that the target can be turned into a pipeline
func (t Target) Validate() error {
	if !t.Group.Is4() || !t.Group.IsMulticast() {
		return fmt.Errorf("group %q is not an IPv4 multicast address", t.Group)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("invalid port %d", t.Port)
	}
	if t.Bitrate <= 0 {
		return errors.New("bitrate must be positive")
	}
	if strings.ContainsAny(t.Pattern, " !") {
		return fmt.Errorf("invalid pattern %q", t.Pattern)
	}
	return nil
}

// Command is a program and its arguments
type Command struct {
	Name string
	Args []string
}

// String returns the command line as a shell would show it
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// SenderCommand builds the live H.264 test-pattern pipeline for t:
// videotestsrc ! x264enc ! rtph264pay ! udpsink
func SenderCommand(bin string, t Target) (Command, error) {
	if err := t.Validate(); err != nil {
		return Command{}, err
	}
	if bin == "" {
		bin = DefaultBinary
	}
	pattern := t.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 1
	}

	args := []string{
		"-v",
		"videotestsrc", "is-live=true", "pattern=" + pattern, "!",
		"video/x-raw,framerate=30/1", "!",
		"x264enc", "tune=zerolatency", fmt.Sprintf("bitrate=%d", t.Bitrate),
		"speed-preset=ultrafast", "key-int-max=30", "rc-lookahead=0", "!",
		"rtph264pay", fmt.Sprintf("pt=%d", t.PayloadType), "config-interval=1", "!",
		"udpsink", "host=" + t.Group.String(), fmt.Sprintf("port=%d", t.Port),
		"auto-multicast=true", fmt.Sprintf("ttl-mc=%d", ttl), "sync=false",
	}
	return Command{Name: bin, Args: args}, nil
}

// PlayerCommand builds a pipeline that plays the session described by the
// SDP file at sdpPath.
func PlayerCommand(bin, sdpPath string) (Command, error) {
	if sdpPath == "" {
		return Command{}, errors.New("sdp path is required")
	}
	if bin == "" {
		bin = DefaultBinary
	}
	args := []string{
		"filesrc", "location=" + sdpPath, "!",
		"sdpdemux", "!",
		"decodebin", "!",
		"videoconvert", "!",
		"autovideosink", "sync=false",
	}
	return Command{Name: bin, Args: args}, nil
}
