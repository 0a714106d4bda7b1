// Package metrics exposes Prometheus collectors for the announcer, the
// directory and the stream probe, plus the HTTP endpoint serving them.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sapcast"

// NewRegistry returns a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Announcer counts frames sent by one announcer. A nil *Announcer is valid
// and records nothing.
type Announcer struct {
	sent     *prometheus.CounterVec
	failures *prometheus.CounterVec
	version  prometheus.Gauge
}

// NewAnnouncer registers announcer collectors on reg
func NewAnnouncer(reg prometheus.Registerer) *Announcer {
	f := promauto.With(reg)
	return &Announcer{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "announcer",
			Name:      "frames_sent_total",
			Help:      "Announcement frames sent, by message type.",
		}, []string{"type"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "announcer",
			Name:      "send_failures_total",
			Help:      "Announcement frames that failed to send, by message type.",
		}, []string{"type"}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "announcer",
			Name:      "descriptor_version",
			Help:      "Version of the descriptor currently announced.",
		}),
	}
}

// Sent records one successful send
func (m *Announcer) Sent(msgType string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(msgType).Inc()
}

// Failed records one failed send
func (m *Announcer) Failed(msgType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(msgType).Inc()
}

// Version records the announced descriptor version
func (m *Announcer) Version(v uint32) {
	if m == nil {
		return
	}
	m.version.Set(float64(v))
}

// Directory tracks the directory's session table. A nil *Directory is valid.
type Directory struct {
	sessions  prometheus.Gauge
	frames    *prometheus.CounterVec
	malformed prometheus.Counter
	expired   prometheus.Counter
	writeErrs prometheus.Counter
}

// NewDirectory registers directory collectors on reg
func NewDirectory(reg prometheus.Registerer) *Directory {
	f := promauto.With(reg)
	return &Directory{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "sessions",
			Help:      "Sessions currently in the table.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "frames_total",
			Help:      "Valid frames received, by message type and outcome.",
		}, []string{"type", "outcome"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "malformed_frames_total",
			Help:      "Datagrams discarded because they did not decode.",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "expired_sessions_total",
			Help:      "Sessions removed by the expiry sweep.",
		}),
		writeErrs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "store_errors_total",
			Help:      "Session file writes or removals that failed.",
		}),
	}
}

// Frame records one applied or ignored frame
func (m *Directory) Frame(msgType, outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(msgType, outcome).Inc()
}

// Malformed records one undecodable datagram
func (m *Directory) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Expired records sessions removed by a sweep
func (m *Directory) Expired(n int) {
	if m == nil {
		return
	}
	m.expired.Add(float64(n))
}

// StoreError records a failed file operation
func (m *Directory) StoreError() {
	if m == nil {
		return
	}
	m.writeErrs.Inc()
}

// Sessions sets the current table size
func (m *Directory) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// Probe counts RTP packets seen by the stream probe. A nil *Probe is valid.
type Probe struct {
	packets prometheus.Counter
	lost    prometheus.Counter
	invalid prometheus.Counter
}

// NewProbe registers probe collectors on reg
func NewProbe(reg prometheus.Registerer) *Probe {
	f := promauto.With(reg)
	return &Probe{
		packets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "rtp_packets_total",
			Help:      "RTP packets received.",
		}),
		lost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "rtp_packets_lost_total",
			Help:      "RTP packets missing from sequence number gaps.",
		}),
		invalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "invalid_packets_total",
			Help:      "Datagrams that were not RTP.",
		}),
	}
}

// Packet records one RTP packet and the gap before it
func (m *Probe) Packet(lost uint64) {
	if m == nil {
		return
	}
	m.packets.Inc()
	if lost > 0 {
		m.lost.Add(float64(lost))
	}
}

// Invalid records one non-RTP datagram
func (m *Probe) Invalid() {
	if m == nil {
		return
	}
	m.invalid.Inc()
}

// Handler returns the /metrics handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes g on addr under /metrics until ctx is done
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] metrics: serving on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
