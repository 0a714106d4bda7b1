package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorsAreNoops(t *testing.T) {
	var a *Announcer
	var d *Directory
	var p *Probe

	assert.NotPanics(t, func() {
		a.Sent("announce")
		a.Failed("announce")
		a.Version(3)
		d.Frame("announce", "added")
		d.Malformed()
		d.Expired(2)
		d.StoreError()
		d.Sessions(1)
		p.Packet(4)
		p.Invalid()
	})
}

func TestDirectoryCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := NewDirectory(reg)

	d.Frame("announce", "added")
	d.Frame("announce", "added")
	d.Frame("withdraw", "unknown")
	d.Malformed()
	d.Expired(3)
	d.Sessions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(d.frames.WithLabelValues("announce", "added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.frames.WithLabelValues("withdraw", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.malformed))
	assert.Equal(t, 3.0, testutil.ToFloat64(d.expired))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.sessions))
}

func TestAnnouncerAndProbeCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAnnouncer(reg)
	p := NewProbe(reg)

	a.Sent("announce")
	a.Failed("withdraw")
	a.Version(5)
	p.Packet(0)
	p.Packet(2)
	p.Invalid()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.sent.WithLabelValues("announce")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.failures.WithLabelValues("withdraw")))
	assert.Equal(t, 5.0, testutil.ToFloat64(a.version))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.packets))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.lost))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.invalid))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	NewDirectory(reg).Sessions(4)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "sapcast_directory_sessions 4"), body)
}
