package probe

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/sapcast/internal/descriptor"
	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/sap"
)

func rtpPacket(t *testing.T, ssrc uint32, seq uint16, payload string) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: []byte(payload),
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func TestStatsSequence(t *testing.T) {
	s := NewStats()

	for _, seq := range []uint16{10, 11, 12} {
		lost, ok := s.Add(rtpPacket(t, 1, seq, "abcd"))
		require.True(t, ok)
		assert.Zero(t, lost)
	}

	lost, ok := s.Add(rtpPacket(t, 1, 16, "abcd"))
	require.True(t, ok)
	assert.Equal(t, uint64(3), lost)

	// a straggler from the gap is late, not progress
	lost, _ = s.Add(rtpPacket(t, 1, 14, "abcd"))
	assert.Zero(t, lost)

	streams := s.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, uint32(1), streams[0].SSRC)
	assert.Equal(t, uint8(96), streams[0].PayloadType)
	assert.Equal(t, uint64(5), streams[0].Packets)
	assert.Equal(t, uint64(20), streams[0].Bytes)
	assert.Equal(t, uint64(3), streams[0].Lost)
	assert.Equal(t, uint64(1), streams[0].Late)
}

func TestStatsSequenceWrap(t *testing.T) {
	s := NewStats()
	s.Add(rtpPacket(t, 7, 65534, "x"))
	s.Add(rtpPacket(t, 7, 65535, "x"))
	lost, _ := s.Add(rtpPacket(t, 7, 1, "x"))
	assert.Equal(t, uint64(1), lost, "sequence 0 is missing across the wrap")

	streams := s.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, uint64(0), streams[0].Late)
}

func TestStatsDuplicateIsLate(t *testing.T) {
	s := NewStats()
	s.Add(rtpPacket(t, 7, 100, "x"))
	s.Add(rtpPacket(t, 7, 100, "x"))

	streams := s.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, uint64(1), streams[0].Late)
	assert.Zero(t, streams[0].Lost)
}

func TestStatsStreamsAndInvalid(t *testing.T) {
	s := NewStats()
	s.Add(rtpPacket(t, 200, 1, "x"))
	s.Add(rtpPacket(t, 100, 1, "x"))
	s.Add(rtpPacket(t, 100, 3, "x"))

	_, ok := s.Add([]byte{0x01, 0x02})
	assert.False(t, ok)

	streams := s.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, uint32(100), streams[0].SSRC)
	assert.Equal(t, uint32(200), streams[1].SSRC)
	assert.Equal(t, uint64(1), s.Invalid())

	packets, lost := s.Totals()
	assert.Equal(t, uint64(3), packets)
	assert.Equal(t, uint64(1), lost)
}

func TestParseTargetFromDescriptor(t *testing.T) {
	origin := sap.Origin{Addr: netip.MustParseAddr("192.0.2.10"), ID: 9}
	params := descriptor.DefaultParams("Camera 1")
	params.Group = netip.MustParseAddr("239.255.0.42")
	params.Port = 5006

	d, err := descriptor.Build(origin, params)
	require.NoError(t, err)

	target, err := ParseTarget(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, "Camera 1", target.Name)
	assert.Equal(t, netip.MustParseAddr("239.255.0.42"), target.Group)
	assert.Equal(t, 5006, target.Port)
	assert.Equal(t, "96", target.PayloadType)
	assert.False(t, target.Source.IsValid())
	assert.Equal(t, "239.255.0.42:5006", target.String())
}

func TestParseTargetSourceSpecific(t *testing.T) {
	origin := sap.Origin{Addr: netip.MustParseAddr("192.0.2.50"), ID: 1}
	params := descriptor.DefaultParams("SSM Feed")
	params.Group = netip.MustParseAddr("232.1.2.3")
	params.Source = netip.MustParseAddr("192.0.2.50")

	d, err := descriptor.Build(origin, params)
	require.NoError(t, err)

	target, err := ParseTarget(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.50"), target.Source)
	assert.Equal(t, "232.1.2.3:5004 from 192.0.2.50", target.String())
}

func TestParseTargetMediaConnection(t *testing.T) {
	payload := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=Two streams\r\n" +
		"c=IN IP4 239.1.1.1/1\r\n" +
		"t=0 0\r\n" +
		"m=audio 5000 RTP/AVP 0\r\n" +
		"m=video 5002 RTP/AVP 97\r\n" +
		"c=IN IP4 239.1.1.2/1\r\n" +
		"a=rtpmap:97 H264/90000\r\n"

	target, err := ParseTarget([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("239.1.1.2"), target.Group)
	assert.Equal(t, 5002, target.Port)
	assert.Equal(t, "97", target.PayloadType)
}

func TestParseTargetErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"garbage", "not a description"},
		{"no media", "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nc=IN IP4 239.1.1.1/1\r\nt=0 0\r\n"},
		{"no connection", "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=x\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTarget([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestLoadTarget(t *testing.T) {
	d, err := descriptor.Build(sap.Origin{Addr: netip.MustParseAddr("192.0.2.10"), ID: 1}, descriptor.DefaultParams("Feed A - Ball"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "Feed_A_-_Ball.sdp")
	require.NoError(t, os.WriteFile(path, d.Payload, 0644))

	target, err := LoadTarget(path)
	require.NoError(t, err)
	assert.Equal(t, descriptor.GroupFromName("Feed A - Ball"), target.Group)

	_, err = LoadTarget(filepath.Join(t.TempDir(), "missing.sdp"))
	assert.Error(t, err)
}

func TestProberRun(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewProbe(reg)
	p := New(conn, m)
	p.readTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	for _, seq := range []uint16{1, 2, 5} {
		_, err := sender.Write(rtpPacket(t, 42, seq, "frame"))
		require.NoError(t, err)
	}
	_, err = sender.Write([]byte("junk"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		packets, _ := p.Stats().Totals()
		return packets == 3 && p.Stats().Invalid() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	conn.Close()

	_, lost := p.Stats().Totals()
	assert.Equal(t, uint64(2), lost)
	assert.Equal(t, 3.0, counterValue(t, reg, "sapcast_probe_rtp_packets_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "sapcast_probe_rtp_packets_lost_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "sapcast_probe_invalid_packets_total"))
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestProberClosedSocket(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	p := New(conn, nil)
	p.readTimeout = 20 * time.Millisecond

	require.NoError(t, conn.Close())
	err = p.Run(context.Background())
	assert.True(t, sap.IsFatal(err))
}
