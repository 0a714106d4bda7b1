package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/sapcast/internal/announcer"
	"github.com/edgecli/sapcast/internal/descriptor"
	"github.com/edgecli/sapcast/internal/sap"
)

// harness runs a directory on loopback and hands out announcers aimed at it
type harness struct {
	t     *testing.T
	svc   *Service
	clock *fakeClock
	addr  net.Addr
	stop  func()
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	cfg.OutputDir = t.TempDir()
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.SweepInterval = time.Hour
	clock := newFakeClock()
	svc, err := NewService(conn, cfg, WithClock(clock.Now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	h := &harness{t: t, svc: svc, clock: clock, addr: conn.LocalAddr()}
	h.stop = func() {
		cancel()
		require.NoError(t, <-done)
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) announcer() (*announcer.Announcer, net.PacketConn) {
	h.t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(h.t, err)
	return announcer.New(conn, h.addr, announcer.Options{}), conn
}

func (h *harness) waitFor(cond func([]Entry) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.svc.Sessions()) }, 2*time.Second, 5*time.Millisecond)
}

func opaqueDescriptor(version uint32, payload string) *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Origin:  originA,
		Version: version,
		Payload: []byte(payload),
		Key:     descriptor.SessionKey([]byte(payload), originA),
	}
}

var burstSchedule = announcer.Schedule{BurstCount: 3, BurstSpacing: 5 * time.Millisecond, Interval: 20 * time.Second}

func TestScenarioBurstUpdateStop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a, _ := h.announcer()

	require.NoError(t, a.Start(opaqueDescriptor(1, "P1"), burstSchedule))
	h.waitFor(func(s []Entry) bool { return len(s) == 1 })

	sessions := h.svc.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, uint32(1), sessions[0].Version)
	files := sessionFiles(t, h.svc.Store().Dir())
	require.Len(t, files, 1)
	assert.Equal(t, "P1", readFile(t, files[0]))

	require.NoError(t, a.Update(opaqueDescriptor(2, "P2")))
	require.NoError(t, a.Announce())
	h.waitFor(func(s []Entry) bool { return len(s) == 1 && s[0].Version == 2 })

	files = sessionFiles(t, h.svc.Store().Dir())
	require.Len(t, files, 1)
	assert.Equal(t, "P2", readFile(t, files[0]))

	require.NoError(t, a.Stop())
	h.waitFor(func(s []Entry) bool { return len(s) == 0 })
	assert.Empty(t, sessionFiles(t, h.svc.Store().Dir()))
}

func TestScenarioCrashedAnnouncerExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpireAfter = 300 * time.Second
	h := newHarness(t, cfg)
	a, conn := h.announcer()

	fast := announcer.Schedule{BurstCount: 3, BurstSpacing: 5 * time.Millisecond, Interval: 10 * time.Millisecond}
	require.NoError(t, a.Start(opaqueDescriptor(1, "P1"), fast))
	h.waitFor(func(s []Entry) bool { return len(s) == 1 })

	// The socket dies under the announcer: no withdraw is ever sent
	require.NoError(t, conn.Close())
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("announcer kept running on a closed socket")
	}
	assert.True(t, sap.IsFatal(a.Err()))

	// Let frames already in flight land before the clock moves
	time.Sleep(50 * time.Millisecond)

	h.clock.Advance(299 * time.Second)
	assert.Empty(t, h.svc.Sweep())
	assert.Len(t, h.svc.Sessions(), 1)

	h.clock.Advance(2 * time.Second)
	require.Len(t, h.svc.Sweep(), 1)
	assert.Empty(t, h.svc.Sessions())
	assert.Empty(t, sessionFiles(t, h.svc.Store().Dir()))
}

func TestScenarioTwoAnnouncersOneDirectory(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	for _, name := range []string{"Feed A - Ball", "Feed B - SMPTE"} {
		a, _ := h.announcer()
		d, err := descriptor.Build(originFor(name), descriptor.DefaultParams(name))
		require.NoError(t, err)
		require.NoError(t, a.Start(d, burstSchedule))
		t.Cleanup(func() { a.Stop() })
	}

	h.waitFor(func(s []Entry) bool { return len(s) == 2 })
	sessions := h.svc.Sessions()
	assert.Equal(t, "Feed_A_-_Ball", sessions[0].Key)
	assert.Equal(t, "Feed_B_-_SMPTE", sessions[1].Key)
}

func originFor(name string) sap.Origin {
	if name == "Feed A - Ball" {
		return originA
	}
	return originB
}
