// Package discovery implements the session directory: it listens for
// announcement frames, keeps the live session table, mirrors it to one file
// per session and expires sessions whose announcer went silent.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgecli/sapcast/internal/descriptor"
	"github.com/edgecli/sapcast/internal/metrics"
	"github.com/edgecli/sapcast/internal/sap"
)

const (
	// DefaultExpireAfter is how long a session survives without an announce
	DefaultExpireAfter = 5 * time.Minute
	// DefaultSweepInterval is how often stale sessions are looked for
	DefaultSweepInterval = 30 * time.Second
	// DefaultReadTimeout bounds each receive so shutdown is never starved
	DefaultReadTimeout = 1 * time.Second
	// DefaultIndexFile is the catalog written next to the session files
	DefaultIndexFile = "sessions.toml"

	maxDatagram = 64 * 1024
)

// Config holds the directory policy
type Config struct {
	// OutputDir receives one file per live session
	OutputDir string
	// ExpireAfter removes sessions not refreshed for longer than this
	ExpireAfter time.Duration
	// SweepInterval is the expiry sweep period
	SweepInterval time.Duration
	// ReadTimeout bounds each socket read
	ReadTimeout time.Duration
	// IndexFile is the catalog path, relative to OutputDir unless absolute.
	// Empty disables the catalog.
	IndexFile string
	// CleanupOnExit removes every managed session file on shutdown
	CleanupOnExit bool
}

// DefaultConfig returns the default directory policy writing to the
// current directory
func DefaultConfig() Config {
	return Config{
		OutputDir:     ".",
		ExpireAfter:   DefaultExpireAfter,
		SweepInterval: DefaultSweepInterval,
		ReadTimeout:   DefaultReadTimeout,
		IndexFile:     DefaultIndexFile,
	}
}

// Entry is one live session
type Entry struct {
	Key      string
	Name     string
	Origin   sap.Origin
	Version  uint32
	Payload  []byte
	LastSeen time.Time
	Path     string
}

// Outcome describes what a frame did to the table
type Outcome int

const (
	OutcomeAdded Outcome = iota
	OutcomeUpdated
	OutcomeRefreshed
	OutcomeIgnored
	OutcomeRemoved
	OutcomeUnknown
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdded:
		return "added"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRemoved:
		return "removed"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Reason says why a session left the table
type Reason string

const (
	ReasonWithdrawn Reason = "withdrawn"
	ReasonExpired   Reason = "expired"
	ReasonReplaced  Reason = "replaced"
	ReasonShutdown  Reason = "shutdown"
)

// Callback is notified of table changes, outside the table lock
type Callback interface {
	OnSessionAnnounced(e Entry, isNew bool)
	OnSessionRemoved(e Entry, reason Reason)
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces time.Now for lastSeen stamps and the sweep
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records table activity on m
func WithMetrics(m *metrics.Directory) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCallback registers cb for table changes. Callbacks run in the
// order they were registered.
func WithCallback(cb Callback) Option {
	return func(s *Service) { s.callbacks = append(s.callbacks, cb) }
}

// Service is the directory. It is the only writer of its table and files.
type Service struct {
	cfg       Config
	conn      net.PacketConn
	store     *Store
	indexPath string

	now       func() time.Time
	metrics   *metrics.Directory
	callbacks []Callback

	table map[string]*Entry
	mu    sync.Mutex
}

// change is a table mutation reported to the callback after unlocking
type change struct {
	entry   Entry
	outcome Outcome
	reason  Reason
}

// NewService creates a directory reading frames from conn. The service
// takes ownership of conn and closes it when Run returns.
func NewService(conn net.PacketConn, cfg Config, opts ...Option) (*Service, error) {
	def := DefaultConfig()
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = def.ExpireAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	store, err := NewStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		conn:  conn,
		store: store,
		now:   time.Now,
		table: make(map[string]*Entry),
	}
	if cfg.IndexFile != "" {
		s.indexPath = cfg.IndexFile
		if !filepath.IsAbs(s.indexPath) {
			s.indexPath = filepath.Join(store.Dir(), s.indexPath)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run receives frames and sweeps stale sessions until ctx is done or the
// socket fails. Cancellation returns nil; a socket failure returns a
// *sap.ResourceFatalError.
func (s *Service) Run(ctx context.Context) error {
	log.Printf("[INFO] directory: listening on %s, writing sessions to %s (expire after %s)",
		s.conn.LocalAddr(), s.store.Dir(), s.cfg.ExpireAfter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listenLoop(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	err := g.Wait()

	s.shutdown()
	if err != nil {
		log.Printf("[ERROR] directory: stopped: %v", err)
		return err
	}
	log.Printf("[INFO] directory: stopped")
	return nil
}

// listenLoop receives datagrams until ctx is done
func (s *Service) listenLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Bounded read so cancellation is noticed
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			if fatal := sap.Classify("set read deadline", err); sap.IsFatal(fatal) {
				return fatal
			}
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if sap.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			classified := sap.Classify("receive", err)
			if sap.IsFatal(classified) {
				return classified
			}
			log.Printf("[WARN] directory: %v", classified)
			continue
		}

		frame, err := sap.Decode(buf[:n])
		if err != nil {
			s.metrics.Malformed()
			log.Printf("[DEBUG] directory: discarded datagram from %s: %v", addr, err)
			continue
		}

		s.HandleFrame(frame)
	}
}

// sweepLoop expires stale sessions every SweepInterval
func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// HandleFrame applies one decoded frame to the table
func (s *Service) HandleFrame(f *sap.Frame) Outcome {
	now := s.now()

	s.mu.Lock()
	var outcome Outcome
	var changes []change
	switch f.Type {
	case sap.MessageAnnounce:
		outcome, changes = s.applyAnnounce(f, now)
	case sap.MessageWithdraw:
		outcome, changes = s.applyWithdraw(f)
	default:
		outcome = OutcomeFailed
	}
	if len(changes) > 0 {
		s.writeIndexLocked(now)
	}
	size := len(s.table)
	s.mu.Unlock()

	s.metrics.Frame(f.Type.String(), outcome.String())
	s.metrics.Sessions(size)
	s.notify(changes)
	return outcome
}

func (s *Service) applyAnnounce(f *sap.Frame, now time.Time) (Outcome, []change) {
	key := descriptor.SessionKey(f.Payload, f.Origin)
	prev, known := s.table[key]

	// Versions are per origin: once an origin has moved on, late frames of
	// its older announcements must not resurrect a key it left.
	if newestKey, newest, ok := s.newestLocked(f.Origin); ok {
		if f.Version < newest || (f.Version == newest && newestKey != key) {
			log.Printf("[DEBUG] directory: stale announce %q from %s (version %d, have %d)", key, f.Origin, f.Version, newest)
			return OutcomeIgnored, nil
		}
	}

	if known && prev.Origin == f.Origin && f.Version <= prev.Version {
		// A steady re-announce of the current version keeps the session
		// alive; anything older is a reordered duplicate.
		if f.Version == prev.Version {
			prev.LastSeen = now
			return OutcomeRefreshed, nil
		}
		return OutcomeIgnored, nil
	}

	path, err := s.store.Write(key, f.Payload)
	if err != nil {
		s.metrics.StoreError()
		log.Printf("[ERROR] directory: %v", err)
		return OutcomeFailed, nil
	}

	entry := &Entry{
		Key:      key,
		Name:     descriptor.SessionName(f.Payload),
		Origin:   f.Origin,
		Version:  f.Version,
		Payload:  append([]byte(nil), f.Payload...),
		LastSeen: now,
		Path:     path,
	}
	s.table[key] = entry

	outcome := OutcomeAdded
	switch {
	case !known:
		log.Printf("[INFO] directory: new session %q from %s (version %d) -> %s", key, f.Origin, f.Version, path)
	case prev.Origin != f.Origin:
		outcome = OutcomeUpdated
		log.Printf("[WARN] directory: session %q taken over by %s (was %s)", key, f.Origin, prev.Origin)
	default:
		outcome = OutcomeUpdated
		log.Printf("[INFO] directory: session %q updated to version %d", key, f.Version)
	}
	changes := []change{{entry: *entry, outcome: outcome}}

	// An origin advertises one session; older keys it used were renamed away
	for k, e := range s.table {
		if k != key && e.Origin == f.Origin && e.Version < f.Version {
			old := s.removeLocked(k)
			log.Printf("[INFO] directory: session %q replaced by %q", k, key)
			changes = append(changes, change{entry: old, outcome: OutcomeRemoved, reason: ReasonReplaced})
		}
	}
	return outcome, changes
}

// newestLocked returns the key holding the highest version stored for o
func (s *Service) newestLocked(o sap.Origin) (string, uint32, bool) {
	var (
		key     string
		version uint32
		found   bool
	)
	for k, e := range s.table {
		if e.Origin != o {
			continue
		}
		if !found || e.Version > version {
			key, version, found = k, e.Version, true
		}
	}
	return key, version, found
}

func (s *Service) applyWithdraw(f *sap.Frame) (Outcome, []change) {
	var changes []change
	for k, e := range s.table {
		if e.Origin != f.Origin {
			continue
		}
		old := s.removeLocked(k)
		log.Printf("[INFO] directory: session %q withdrawn by %s -> removed %s", k, f.Origin, old.Path)
		changes = append(changes, change{entry: old, outcome: OutcomeRemoved, reason: ReasonWithdrawn})
	}
	if len(changes) == 0 {
		log.Printf("[DEBUG] directory: withdraw from unknown origin %s", f.Origin)
		return OutcomeUnknown, nil
	}
	return OutcomeRemoved, changes
}

// Sweep removes every session not refreshed for longer than ExpireAfter
// and returns them.
func (s *Service) Sweep() []Entry {
	now := s.now()

	s.mu.Lock()
	var changes []change
	for k, e := range s.table {
		if now.Sub(e.LastSeen) <= s.cfg.ExpireAfter {
			continue
		}
		old := s.removeLocked(k)
		log.Printf("[INFO] directory: session %q expired (no announce for %s) -> removed %s",
			k, now.Sub(old.LastSeen).Truncate(time.Second), old.Path)
		changes = append(changes, change{entry: old, outcome: OutcomeRemoved, reason: ReasonExpired})
	}
	if len(changes) > 0 {
		s.writeIndexLocked(now)
	}
	size := len(s.table)
	s.mu.Unlock()

	s.metrics.Expired(len(changes))
	s.metrics.Sessions(size)
	s.notify(changes)

	expired := make([]Entry, 0, len(changes))
	for _, c := range changes {
		expired = append(expired, c.entry)
	}
	return expired
}

// Sessions returns a snapshot of the table sorted by key
func (s *Service) Sessions() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Store returns the file store backing the table
func (s *Service) Store() *Store {
	return s.store
}

// shutdown releases the socket and, if configured, the session files
func (s *Service) shutdown() {
	if err := s.conn.Close(); err != nil {
		log.Printf("[DEBUG] directory: close socket: %v", err)
	}
	if !s.cfg.CleanupOnExit {
		return
	}

	s.mu.Lock()
	var changes []change
	for k := range s.table {
		old := s.removeLocked(k)
		changes = append(changes, change{entry: old, outcome: OutcomeRemoved, reason: ReasonShutdown})
	}
	s.writeIndexLocked(s.now())
	s.mu.Unlock()

	s.metrics.Sessions(0)
	s.notify(changes)
	log.Printf("[INFO] directory: removed %d session files on exit", len(changes))
}

// removeLocked drops key from the table and deletes its file
func (s *Service) removeLocked(key string) Entry {
	e := s.table[key]
	delete(s.table, key)
	if err := s.store.Remove(key); err != nil {
		s.metrics.StoreError()
		log.Printf("[ERROR] directory: %v", err)
	}
	return *e
}

func (s *Service) snapshotLocked() []Entry {
	entries := make([]Entry, 0, len(s.table))
	for _, e := range s.table {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func (s *Service) writeIndexLocked(now time.Time) {
	if s.indexPath == "" {
		return
	}
	if err := WriteIndex(s.indexPath, s.snapshotLocked(), now); err != nil {
		s.metrics.StoreError()
		log.Printf("[ERROR] directory: %v", err)
	}
}

func (s *Service) notify(changes []change) {
	for _, cb := range s.callbacks {
		for _, c := range changes {
			switch c.outcome {
			case OutcomeAdded, OutcomeUpdated:
				cb.OnSessionAnnounced(c.entry, c.outcome == OutcomeAdded)
			case OutcomeRemoved:
				cb.OnSessionRemoved(c.entry, c.reason)
			}
		}
	}
}

// String summarizes an entry for logs and listings
func (e Entry) String() string {
	return fmt.Sprintf("%s (origin %s, version %d)", e.Key, e.Origin, e.Version)
}
