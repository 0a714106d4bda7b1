// Package announcer periodically multicasts a session descriptor and
// withdraws it on shutdown.
package announcer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/edgecli/sapcast/internal/descriptor"
	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/sap"
)

const (
	// DefaultBurstCount is how many announcements are sent at startup
	DefaultBurstCount = 3
	// DefaultBurstSpacing separates the startup announcements
	DefaultBurstSpacing = 1 * time.Second
	// DefaultInterval is the steady announce period
	DefaultInterval = 20 * time.Second

	writeTimeout = 2 * time.Second
)

// ErrNotRunning is returned by operations that need a running announcer
var ErrNotRunning = errors.New("announcer is not running")

// State is the announcer lifecycle state
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Schedule is the announce timing policy: a short burst to shorten the time
// to first discovery, then a steady interval.
type Schedule struct {
	BurstCount   int
	BurstSpacing time.Duration
	Interval     time.Duration
}

// DefaultSchedule returns 3 announcements one second apart, then one every 20s
func DefaultSchedule() Schedule {
	return Schedule{
		BurstCount:   DefaultBurstCount,
		BurstSpacing: DefaultBurstSpacing,
		Interval:     DefaultInterval,
	}
}

func (s Schedule) normalized() Schedule {
	if s.BurstCount < 1 {
		s.BurstCount = 1
	}
	if s.BurstSpacing < 0 {
		s.BurstSpacing = 0
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	return s
}

// Options tune an Announcer
type Options struct {
	// MaxFrame bounds encoded frames; zero selects sap.MaxFrameSize
	MaxFrame int
	// Metrics is optional
	Metrics *metrics.Announcer
}

// Announcer owns one send socket and the timer that drives it
type Announcer struct {
	conn     net.PacketConn
	dest     net.Addr
	maxFrame int
	metrics  *metrics.Announcer

	mu     sync.Mutex
	state  State
	desc   *descriptor.Descriptor
	cancel context.CancelFunc
	err    error

	// sendMu keeps ticks, explicit Announce calls and the final withdraw
	// strictly sequential
	sendMu sync.Mutex

	loopDone   chan struct{}
	stopped    chan struct{}
	markedOnce sync.Once
}

// New creates an idle announcer sending to dest over conn. The announcer
// takes ownership of conn and closes it when stopped.
func New(conn net.PacketConn, dest net.Addr, opts Options) *Announcer {
	return &Announcer{
		conn:     conn,
		dest:     dest,
		maxFrame: opts.MaxFrame,
		metrics:  opts.Metrics,
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins announcing desc on schedule s. An oversized descriptor is
// rejected with *sap.EncodingError before anything is sent.
func (a *Announcer) Start(desc *descriptor.Descriptor, s Schedule) error {
	if desc == nil {
		return errors.New("announcer: nil descriptor")
	}
	if _, err := sap.Encode(desc.Frame(sap.MessageAnnounce), a.maxFrame); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Idle {
		return fmt.Errorf("announcer: cannot start from state %s", a.state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.desc = desc
	a.cancel = cancel
	a.state = Running
	a.metrics.Version(desc.Version)

	go a.run(ctx, s.normalized())

	log.Printf("[INFO] announcer: announcing %q from %s (version %d) to %s",
		desc.Key, desc.Origin, desc.Version, a.dest)
	return nil
}

// Update replaces the announced descriptor with a rebuilt one. It must come
// from the same origin with a higher version. The next tick carries it; no
// new burst is started.
func (a *Announcer) Update(desc *descriptor.Descriptor) error {
	if desc == nil {
		return errors.New("announcer: nil descriptor")
	}
	if _, err := sap.Encode(desc.Frame(sap.MessageAnnounce), a.maxFrame); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Running {
		return ErrNotRunning
	}
	if desc.Origin != a.desc.Origin {
		return fmt.Errorf("announcer: descriptor origin %s does not match %s", desc.Origin, a.desc.Origin)
	}
	if desc.Version <= a.desc.Version {
		return fmt.Errorf("announcer: descriptor version %d is not newer than %d", desc.Version, a.desc.Version)
	}

	a.desc = desc
	a.metrics.Version(desc.Version)
	log.Printf("[INFO] announcer: descriptor %q updated to version %d", desc.Key, desc.Version)
	return nil
}

// Announce sends one announce frame now, as a scheduled tick would
func (a *Announcer) Announce() error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.Lock()
	state, desc := a.state, a.desc
	a.mu.Unlock()

	if state != Running {
		return ErrNotRunning
	}
	return a.send(desc.Frame(sap.MessageAnnounce))
}

// Stop withdraws the session and releases the socket. It waits for any
// in-flight tick, sends exactly one withdraw with the last announced
// version, then closes the socket. Calling Stop again is a no-op.
func (a *Announcer) Stop() error {
	a.mu.Lock()
	switch a.state {
	case Stopped:
		a.mu.Unlock()
		return nil
	case Idle:
		a.state = Stopped
		a.mu.Unlock()
		err := a.conn.Close()
		a.markStopped()
		return err
	}
	a.state = Stopped
	cancel, desc := a.cancel, a.desc
	a.mu.Unlock()

	cancel()
	<-a.loopDone

	a.sendMu.Lock()
	sendErr := a.send(desc.Frame(sap.MessageWithdraw))
	a.sendMu.Unlock()

	closeErr := a.conn.Close()
	a.markStopped()

	if sendErr != nil {
		log.Printf("[WARN] announcer: withdraw of %q failed: %v", desc.Key, sendErr)
		return sendErr
	}
	log.Printf("[INFO] announcer: withdrew %q (version %d)", desc.Key, desc.Version)
	if closeErr != nil {
		return fmt.Errorf("announcer: close socket: %w", closeErr)
	}
	return nil
}

// State returns the current lifecycle state
func (a *Announcer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Descriptor returns the descriptor currently announced
func (a *Announcer) Descriptor() *descriptor.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.desc
}

// Done is closed once the announcer is stopped, by Stop or by a fatal
// socket error.
func (a *Announcer) Done() <-chan struct{} {
	return a.stopped
}

// Err returns the fatal error that stopped the announcer, if any
func (a *Announcer) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// run is the single send stream: the burst, then the steady ticker
func (a *Announcer) run(ctx context.Context, s Schedule) {
	defer close(a.loopDone)

	for i := 0; i < s.BurstCount; i++ {
		if i > 0 && !sleep(ctx, s.BurstSpacing) {
			return
		}
		if a.tick(ctx) {
			return
		}
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.tick(ctx) {
				return
			}
		}
	}
}

// tick sends one announcement and reports whether the loop must end
func (a *Announcer) tick(ctx context.Context) bool {
	err := a.Announce()
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotRunning):
		return true
	case sap.IsFatal(err):
		a.fail(err)
		return true
	case ctx.Err() != nil:
		return true
	}
	log.Printf("[WARN] announcer: send failed, retrying next tick: %v", err)
	return false
}

// fail moves a running announcer to Stopped after a socket error
func (a *Announcer) fail(err error) {
	a.mu.Lock()
	if a.state != Running {
		a.mu.Unlock()
		return
	}
	a.state = Stopped
	a.err = err
	a.mu.Unlock()

	log.Printf("[ERROR] announcer: stopping: %v", err)
	a.conn.Close()
	a.markStopped()
}

func (a *Announcer) send(f *sap.Frame) error {
	msgType := f.Type.String()
	buf, err := sap.Encode(f, a.maxFrame)
	if err != nil {
		a.metrics.Failed(msgType)
		return err
	}

	if err := a.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("[DEBUG] announcer: set write deadline: %v", err)
	}
	if _, err := a.conn.WriteTo(buf, a.dest); err != nil {
		a.metrics.Failed(msgType)
		return sap.Classify("send "+msgType, err)
	}
	a.metrics.Sent(msgType)
	return nil
}

func (a *Announcer) markStopped() {
	a.markedOnce.Do(func() { close(a.stopped) })
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
