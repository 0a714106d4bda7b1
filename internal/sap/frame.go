// Package sap implements the session announcement wire protocol: the frame
// codec, its error taxonomy and the multicast sockets frames travel on.
package sap

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
)

const (
	// DefaultGroup is the well-known SAP multicast group for global scope IPv4
	DefaultGroup = "224.2.127.254"
	// DefaultPort is the well-known SAP port
	DefaultPort = 9875

	// ProtocolVersion is the only frame layout this package speaks
	ProtocolVersion = 1

	// HeaderSize is the fixed frame header length in bytes
	HeaderSize = 14

	// MaxFrameSize is the default maximum datagram size (SAP recommends
	// staying under 1KB so announcements fit any link MTU)
	MaxFrameSize = 1024
)

// MessageType identifies whether a frame announces or withdraws a session
type MessageType uint8

const (
	// MessageAnnounce asserts that a session is currently active
	MessageAnnounce MessageType = 1
	// MessageWithdraw asserts that a session is no longer active
	MessageWithdraw MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageAnnounce:
		return "announce"
	case MessageWithdraw:
		return "withdraw"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t MessageType) valid() bool {
	return t == MessageAnnounce || t == MessageWithdraw
}

// Origin identifies the announcing entity: its IPv4 address plus a numeric
// id that is unique among announcers on that host.
type Origin struct {
	Addr netip.Addr
	ID   uint16
}

func (o Origin) String() string {
	return fmt.Sprintf("%s#%d", o.Addr, o.ID)
}

// Frame is one announcement datagram
type Frame struct {
	Type    MessageType
	Origin  Origin
	Version uint32
	Payload []byte
}

// MaxPayload returns the largest payload that fits in a frame of maxFrame bytes
func MaxPayload(maxFrame int) int {
	if maxFrame <= 0 {
		maxFrame = MaxFrameSize
	}
	n := maxFrame - HeaderSize
	if n > 0xFFFF {
		n = 0xFFFF
	}
	if n < 0 {
		return 0
	}
	return n
}

// Encode serializes f into a new buffer no larger than maxFrame bytes.
// A maxFrame of zero selects MaxFrameSize.
func Encode(f *Frame, maxFrame int) ([]byte, error) {
	if f == nil {
		return nil, &EncodingError{Reason: "nil frame"}
	}
	if !f.Type.valid() {
		return nil, &EncodingError{Reason: "unknown message type " + f.Type.String()}
	}
	if !f.Origin.Addr.Is4() {
		return nil, &EncodingError{Reason: fmt.Sprintf("origin address %q is not IPv4", f.Origin.Addr)}
	}
	limit := MaxPayload(maxFrame)
	if len(f.Payload) > limit {
		return nil, &EncodingError{
			Reason: fmt.Sprintf("payload is %d bytes, limit is %d", len(f.Payload), limit),
			Size:   len(f.Payload),
			Limit:  limit,
		}
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = ProtocolVersion
	buf[1] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[2:4], f.Origin.ID)
	addr := f.Origin.Addr.As4()
	copy(buf[4:8], addr[:])
	binary.BigEndian.PutUint32(buf[8:12], f.Version)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses one datagram. The returned frame does not alias buf.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, &MalformedFrameError{
			Reason: fmt.Sprintf("short frame: %d bytes, header is %d", len(buf), HeaderSize),
			Length: len(buf),
		}
	}
	if buf[0] != ProtocolVersion {
		return nil, &MalformedFrameError{
			Reason: fmt.Sprintf("unsupported protocol version %d", buf[0]),
			Length: len(buf),
		}
	}
	msgType := MessageType(buf[1])
	if !msgType.valid() {
		return nil, &MalformedFrameError{
			Reason: fmt.Sprintf("unknown message type %d", buf[1]),
			Length: len(buf),
		}
	}
	declared := int(binary.BigEndian.Uint16(buf[12:14]))
	if remaining := len(buf) - HeaderSize; declared != remaining {
		return nil, &MalformedFrameError{
			Reason: fmt.Sprintf("payload length %d does not match remaining %d bytes", declared, remaining),
			Length: len(buf),
		}
	}

	var addr [4]byte
	copy(addr[:], buf[4:8])
	payload := make([]byte, declared)
	copy(payload, buf[HeaderSize:])

	return &Frame{
		Type: msgType,
		Origin: Origin{
			Addr: netip.AddrFrom4(addr),
			ID:   binary.BigEndian.Uint16(buf[2:4]),
		},
		Version: binary.BigEndian.Uint32(buf[8:12]),
		Payload: payload,
	}, nil
}
