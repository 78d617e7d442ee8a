// Package mux implements the RFCOMM multiplexer: sessions over a transport
// link, and the data link connections (DLCs) multiplexed on top of them.
//
// All state belongs to a Mux and is guarded by its lock. Transport events,
// timer expiries and calls from the upper layer are serialized through it,
// and upper layer callbacks run while it is held.
package mux

import (
	"context"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/google/uuid"
	log "github.com/mgutz/logxi/v1"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/config"
	"github.com/risa-org/rfcomm/eventbus"
	"github.com/risa-org/rfcomm/store/memory"
	"github.com/risa-org/rfcomm/transport"
)

var logger = log.New("rfcomm")

// SetLogLevel sets the level of the package logger, e.g. log.LevelDebug.
// The LOGXI environment variable sets it at startup.
func SetLogLevel(level int) { logger.SetLevel(level) }

// Credit and in-flight limits.
const (
	CreditsMax     = 30 // most credits granted in one frame
	CreditsDefault = 7  // initial grant, and the stand-alone grant threshold
	MaxPending     = 4  // frames in flight per DLC without credit flow control
)

// Option configures a Mux.
type Option func(*Mux)

// WithDialer sets the dialer used to open sessions to remote devices.
// Without one, Connect fails unless a session to the peer already exists.
func WithDialer(d transport.Dialer) Option {
	return func(m *Mux) { m.dialer = d }
}

// WithClock replaces the timer source.
func WithClock(c Clock) Option {
	return func(m *Mux) { m.clock = c }
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p eventbus.EventPublisher) Option {
	return func(m *Mux) { m.events = p }
}

// Mux owns every session and DLC on one device.
type Mux struct {
	mu sync.Mutex

	cfg    config.Configuration
	clock  Clock
	dialer transport.Dialer
	events eventbus.EventPublisher

	sessions  *memory.Store[*Session] // sessions with a transport, keyed by id
	listening []*Session              // listening sessions in registration order
	handles   handleTable

	stats  counters
	closed bool
}

// New creates a multiplexer.
func New(cfg config.Configuration, opts ...Option) (*Mux, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(err,
			fmsg.With("invalid multiplexer configuration"),
			ftag.With(ftag.InvalidArgument),
		)
	}

	m := &Mux{
		cfg:      cfg,
		clock:    realClock{},
		events:   eventbus.Nil(),
		sessions: memory.New[*Session](),
		stats:    newCounters(),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Config returns the configuration the multiplexer runs with.
func (m *Mux) Config() config.Configuration {
	return m.cfg
}

// Accept starts a session on an inbound transport. A listener must be
// registered on the transport's local address, or on the wildcard address.
// The caller keeps ownership of a only when an error is returned.
func (m *Mux) Accept(a transport.Adapter) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return uuid.Nil, ErrClosed
	}

	laddr, raddr := a.LocalAddr(), a.RemoteAddr()
	if !m.hasListener(laddr) {
		return uuid.Nil, fault.Wrap(ErrNoListener,
			fctx.With(context.Background(), "local", laddr.String(), "remote", raddr.String()),
			ftag.With(ftag.NotFound),
		)
	}

	s := m.newSession(SessionWaitConnect, laddr, raddr, false)
	m.attachTransport(s, a)
	m.armSessionTimer(s, m.cfg.AckTimeout)

	logger.Info("session accepted", "id", s.id, "local", laddr, "remote", raddr)
	return s.id, nil
}

// CloseSession tears down one session and every DLC on it.
func (m *Mux) CloseSession(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions.Get(id)
	if !ok {
		return fault.Wrap(ErrNotConnected,
			fctx.With(context.Background(), "session", id.String()),
			ftag.With(ftag.NotFound),
		)
	}
	m.freeSession(s, ErrReset)
	return nil
}

// Close shuts down every session and listener. DLCs are closed with
// ErrClosed and must still be detached by their owners.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var all []*Session
	m.sessions.Range(func(_ uuid.UUID, s *Session) bool {
		all = append(all, s)
		return true
	})
	all = append(all, m.listening...)

	for _, s := range all {
		m.freeSession(s, ErrClosed)
	}
	return nil
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID        uuid.UUID
	State     SessionState
	Local     bdaddr.Addr
	Remote    bdaddr.Addr
	Initiator bool
	CFC       bool
	DLCs      int
}

// Sessions returns a snapshot of the sessions that have a transport.
func (m *Mux) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SessionInfo
	m.sessions.Range(func(id uuid.UUID, s *Session) bool {
		out = append(out, SessionInfo{
			ID:        id,
			State:     s.state,
			Local:     s.laddr,
			Remote:    s.raddr,
			Initiator: s.initiator(),
			CFC:       s.flags&flagCFC != 0,
			DLCs:      len(s.dlcs),
		})
		return true
	})
	return out
}

func (m *Mux) hasListener(laddr bdaddr.Addr) bool {
	for _, ls := range m.listening {
		if ls.laddr == laddr || ls.laddr.IsAny() {
			return true
		}
	}
	return false
}

func (m *Mux) publish(id eventbus.EventID, data any) {
	m.events.Publish(id, data)
}

// Stats holds multiplexer wide counters.
type Stats struct {
	Sessions  int
	Listeners int
	DLCs      int
	FramesIn  int64
	BadFrames int64
	Rejected  int64
	BytesIn   int64
	BytesOut  int64
	BytesLost int64
}

type counters struct {
	framesIn  *xsync.Counter
	badFrames *xsync.Counter
	rejected  *xsync.Counter
	bytesIn   *xsync.Counter
	bytesOut  *xsync.Counter
	bytesLost *xsync.Counter
}

func newCounters() counters {
	return counters{
		framesIn:  xsync.NewCounter(),
		badFrames: xsync.NewCounter(),
		rejected:  xsync.NewCounter(),
		bytesIn:   xsync.NewCounter(),
		bytesOut:  xsync.NewCounter(),
		bytesLost: xsync.NewCounter(),
	}
}

// Stats returns the current counters.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	dlcs, listeners := m.handles.live, len(m.listening)
	m.mu.Unlock()

	return Stats{
		Sessions:  m.sessions.Count(),
		Listeners: listeners,
		DLCs:      dlcs,
		FramesIn:  m.stats.framesIn.Value(),
		BadFrames: m.stats.badFrames.Value(),
		Rejected:  m.stats.rejected.Value(),
		BytesIn:   m.stats.bytesIn.Value(),
		BytesOut:  m.stats.bytesOut.Value(),
		BytesLost: m.stats.bytesLost.Value(),
	}
}

// handleTable hands out generation checked references to DLCs, so
// entries that outlive a DLC (queued frames, timers) never reach a
// released one.
type handleTable struct {
	slots []slot
	free  []uint32
	live  int
}

type slot struct {
	gen uint32
	d   *DLC
}

func (t *handleTable) alloc(d *DLC) uint64 {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	t.slots[idx].d = d
	t.live++
	return uint64(idx+1)<<32 | uint64(t.slots[idx].gen)
}

func (t *handleTable) resolve(h uint64) *DLC {
	idx := uint32(h>>32) - 1
	if h == 0 || int(idx) >= len(t.slots) {
		return nil
	}
	s := t.slots[idx]
	if s.gen != uint32(h) {
		return nil
	}
	return s.d
}

func (t *handleTable) release(h uint64) {
	if t.resolve(h) == nil {
		return
	}
	idx := uint32(h>>32) - 1
	t.slots[idx].d = nil
	t.slots[idx].gen++
	t.free = append(t.free, idx)
	t.live--
}
