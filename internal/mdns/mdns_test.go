package mdns

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/sapcast/internal/discovery"
	"github.com/edgecli/sapcast/internal/sap"
)

const camSDP = "v=0\r\n" +
	"o=sender 1 1 IN IP4 192.0.2.10\r\n" +
	"s=Cam\r\n" +
	"c=IN IP4 239.1.2.3/1\r\n" +
	"t=0 0\r\n" +
	"m=video 5004 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

type registration struct {
	instance string
	port     int
	host     string
	ips      []string
	text     []string
}

type fakeServer struct {
	mu   sync.Mutex
	down bool
}

func (s *fakeServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = true
}

func (s *fakeServer) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

type fakeRegistrar struct {
	regs    []registration
	servers []*fakeServer
	err     error
}

func (f *fakeRegistrar) register(instance, service, domain string, port int, host string, ips []string, text []string) (server, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.regs = append(f.regs, registration{instance: instance, port: port, host: host, ips: ips, text: text})
	srv := &fakeServer{}
	f.servers = append(f.servers, srv)
	return srv, nil
}

func camEntry(version uint32) discovery.Entry {
	return discovery.Entry{
		Key:     "Cam",
		Name:    "Cam",
		Origin:  sap.Origin{Addr: netip.MustParseAddr("192.0.2.10"), ID: 7},
		Version: version,
		Payload: []byte(camSDP),
		Path:    "/srv/Cam.sdp",
	}
}

func TestPublishSession(t *testing.T) {
	reg := &fakeRegistrar{}
	p := newPublisher(reg.register)

	p.OnSessionAnnounced(camEntry(1), true)

	require.Len(t, reg.regs, 1)
	r := reg.regs[0]
	assert.Equal(t, "Cam", r.instance)
	assert.Equal(t, 5004, r.port)
	assert.Equal(t, "sapcast-192-0-2-10-7", r.host)
	assert.Equal(t, []string{"192.0.2.10"}, r.ips)
	assert.Contains(t, r.text, "group=239.1.2.3")
	assert.Contains(t, r.text, "version=1")
	assert.Contains(t, r.text, "file=/srv/Cam.sdp")
	assert.Equal(t, 1, p.Published())
}

func TestUpdateReplacesRegistration(t *testing.T) {
	reg := &fakeRegistrar{}
	p := newPublisher(reg.register)

	p.OnSessionAnnounced(camEntry(1), true)
	p.OnSessionAnnounced(camEntry(2), false)

	require.Len(t, reg.servers, 2)
	assert.True(t, reg.servers[0].isDown())
	assert.False(t, reg.servers[1].isDown())
	assert.Contains(t, reg.regs[1].text, "version=2")
	assert.Equal(t, 1, p.Published())
}

func TestRemoveShutsDown(t *testing.T) {
	reg := &fakeRegistrar{}
	p := newPublisher(reg.register)

	p.OnSessionAnnounced(camEntry(1), true)
	p.OnSessionRemoved(camEntry(1), discovery.ReasonExpired)

	assert.True(t, reg.servers[0].isDown())
	assert.Equal(t, 0, p.Published())

	// unknown sessions are ignored
	p.OnSessionRemoved(discovery.Entry{Key: "Other"}, discovery.ReasonWithdrawn)
}

func TestUnparsablePayloadIsSkipped(t *testing.T) {
	reg := &fakeRegistrar{}
	p := newPublisher(reg.register)

	e := camEntry(1)
	e.Payload = []byte("not a session description")
	p.OnSessionAnnounced(e, true)

	assert.Empty(t, reg.regs)
	assert.Equal(t, 0, p.Published())
}

func TestRegisterFailureIsNotFatal(t *testing.T) {
	reg := &fakeRegistrar{err: errors.New("no multicast interface")}
	p := newPublisher(reg.register)

	p.OnSessionAnnounced(camEntry(1), true)
	assert.Equal(t, 0, p.Published())
}

func TestCloseWithdrawsEverything(t *testing.T) {
	reg := &fakeRegistrar{}
	p := newPublisher(reg.register)

	p.OnSessionAnnounced(camEntry(1), true)
	p.Close()

	assert.True(t, reg.servers[0].isDown())
	assert.Equal(t, 0, p.Published())

	p.OnSessionAnnounced(camEntry(2), false)
	assert.Len(t, reg.regs, 1)
}

func TestParseText(t *testing.T) {
	s := parseText([]string{
		"key=Cam",
		"name=Front door",
		"group=239.1.2.3",
		"source=192.0.2.10",
		"version=12",
		"origin=192.0.2.10#7",
		"file=/srv/Cam.sdp",
		"junk",
		"color=blue",
	})

	assert.Equal(t, Session{
		Key:     "Cam",
		Name:    "Front door",
		Group:   "239.1.2.3",
		Source:  "192.0.2.10",
		Version: 12,
		Origin:  "192.0.2.10#7",
		File:    "/srv/Cam.sdp",
	}, s)
}

func TestParseTextBadVersion(t *testing.T) {
	s := parseText([]string{"key=Cam", "version=lots"})
	assert.Equal(t, "Cam", s.Key)
	assert.Zero(t, s.Version)
}
