package probe

import (
	"sort"
	"sync"

	"github.com/pion/rtp"
)

// StreamStats are the counters for one SSRC
type StreamStats struct {
	SSRC        uint32
	PayloadType uint8
	Packets     uint64
	Bytes       uint64
	// Lost counts sequence numbers skipped over
	Lost uint64
	// Late counts packets older than the highest sequence seen
	Late uint64

	highest uint16
}

// Stats accumulates what a probe has received
type Stats struct {
	mu      sync.Mutex
	streams map[uint32]*StreamStats
	invalid uint64
}

// NewStats returns empty stats
func NewStats() *Stats {
	return &Stats{streams: make(map[uint32]*StreamStats)}
}

// Add records one datagram and returns how many packets were lost right
// before it. ok is false when the datagram is not RTP.
func (s *Stats) Add(buf []byte) (lost uint64, ok bool) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		s.mu.Lock()
		s.invalid++
		s.mu.Unlock()
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, seen := s.streams[pkt.SSRC]
	if !seen {
		st = &StreamStats{SSRC: pkt.SSRC, highest: pkt.SequenceNumber}
		s.streams[pkt.SSRC] = st
	} else {
		// Sequence numbers wrap at 16 bits; a forward distance in the lower
		// half of the space is progress, anything else arrived late.
		gap := pkt.SequenceNumber - st.highest
		switch {
		case gap == 0 || gap >= 0x8000:
			st.Late++
		default:
			lost = uint64(gap - 1)
			st.Lost += lost
			st.highest = pkt.SequenceNumber
		}
	}
	st.PayloadType = pkt.PayloadType
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	return lost, true
}

// Invalid returns the number of datagrams that were not RTP
func (s *Stats) Invalid() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Streams returns a copy of the per-SSRC counters sorted by SSRC
func (s *Stats) Streams() []StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}

// Totals sums packets and losses over every stream
func (s *Stats) Totals() (packets, lost uint64) {
	for _, st := range s.Streams() {
		packets += st.Packets
		lost += st.Lost
	}
	return packets, lost
}
