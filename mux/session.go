package mux

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/google/uuid"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/eventbus"
	"github.com/risa-org/rfcomm/frame"
	"github.com/risa-org/rfcomm/transport"
	"github.com/risa-org/rfcomm/transport/sender"
)

// SessionState is the state of a multiplexer session.
type SessionState int

const (
	SessionClosed         SessionState = iota // released
	SessionListen                             // holds listening DLCs, no transport
	SessionWaitConnect                        // waiting for the transport or the DLCI 0 handshake
	SessionOpen                               // DLCs may be opened
	SessionWaitDisconnect                     // DISC on DLCI 0 exchanged, transport going down
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionListen:
		return "listen"
	case SessionWaitConnect:
		return "wait-connect"
	case SessionOpen:
		return "open"
	case SessionWaitDisconnect:
		return "wait-disconnect"
	default:
		return "unknown"
	}
}

type sessionFlags uint8

const (
	flagInitiator sessionFlags = 1 << iota // we sent SABM on DLCI 0
	flagCFC                                // credit based flow control in use
	flagRFC                                // peer sent FCoff
)

// Session is one multiplexer instance over a transport link, or the
// holder of listening DLCs for a local address.
type Session struct {
	id    uuid.UUID
	state SessionState
	flags sessionFlags

	laddr bdaddr.Addr
	raddr bdaddr.Addr

	dlcs []*DLC // in insertion order

	adapter transport.Adapter
	tx      *sender.Sender

	timer    Timer
	timerSeq uint64

	cancelDial context.CancelFunc
}

// ID returns the session identifier; listening sessions have none.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) initiator() bool { return s.flags&flagInitiator != 0 }

func (s *Session) lookup(dlci uint8) *DLC {
	for _, d := range s.dlcs {
		if d.dlci == dlci {
			return d
		}
	}
	return nil
}

func (s *Session) remove(d *DLC) {
	if i := slices.Index(s.dlcs, d); i >= 0 {
		s.dlcs = slices.Delete(s.dlcs, i, i+1)
	}
}

func (m *Mux) newSession(state SessionState, laddr, raddr bdaddr.Addr, initiator bool) *Session {
	s := &Session{state: state, laddr: laddr, raddr: raddr}
	if initiator {
		s.flags |= flagInitiator
	}
	if state == SessionListen {
		m.listening = append(m.listening, s)
		return s
	}
	s.id = m.sessions.Create(s)
	return s
}

// insert adds d to the session. An open session stops waiting to expire.
func (m *Mux) insert(s *Session, d *DLC) {
	s.dlcs = append(s.dlcs, d)
	d.session = s
	if s.state == SessionOpen {
		m.stopSessionTimer(s)
	}
}

// findSession returns a session to raddr that new DLCs can join.
func (m *Mux) findSession(laddr, raddr bdaddr.Addr) *Session {
	var found *Session
	m.sessions.Range(func(_ uuid.UUID, s *Session) bool {
		if s.raddr != raddr || (!laddr.IsAny() && s.laddr != laddr) {
			return true
		}
		if s.state != SessionWaitConnect && s.state != SessionOpen {
			return true
		}
		found = s
		return false
	})
	return found
}

// listenSession returns the listening session bound to laddr, creating
// it if needed.
func (m *Mux) listenSession(laddr bdaddr.Addr) *Session {
	for _, s := range m.listening {
		if s.laddr == laddr {
			return s
		}
	}
	return m.newSession(SessionListen, laddr, bdaddr.Any, false)
}

// dial opens the transport for an initiating session in the background.
func (m *Mux) dial(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AckTimeout)
	s.cancelDial = cancel
	laddr, raddr := s.laddr, s.raddr
	if laddr.IsAny() {
		laddr = m.cfg.Local
	}

	go func() {
		defer cancel()
		a, err := m.dialer.Dial(ctx, laddr, raddr)

		m.mu.Lock()
		defer m.mu.Unlock()

		s.cancelDial = nil
		if s.state != SessionWaitConnect {
			if a != nil {
				go a.Close()
			}
			return
		}
		if err != nil {
			logger.Warn("dial failed", "remote", raddr, "err", err)
			m.freeSession(s, fault.Wrap(err,
				fctx.With(ctx, "remote", raddr.String()),
				fmsg.With("dial failed"),
			))
			return
		}

		m.attachTransport(s, a)
		if s.laddr.IsAny() {
			s.laddr = a.LocalAddr()
			for _, d := range s.dlcs {
				d.laddr.Addr = s.laddr
			}
		}

		if err := s.tx.SendFrame(frame.SABM, 0); err != nil {
			m.freeSession(s, err)
			return
		}
		m.armSessionTimer(s, m.cfg.AckTimeout)
	}()
}

func (m *Mux) attachTransport(s *Session, a transport.Adapter) {
	s.adapter = a
	s.tx = sender.New(a, s.initiator())
	go m.run(s, a)
}

// run feeds transport events into the multiplexer until the transport
// goes down.
func (m *Mux) run(s *Session, a transport.Adapter) {
	recv := a.Receive()
	for {
		select {
		case pkt, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			m.mu.Lock()
			if s.state != SessionClosed {
				m.input(s, pkt)
			}
			m.mu.Unlock()

		case n := <-a.Completed():
			m.mu.Lock()
			if s.state != SessionClosed {
				m.complete(s, n)
			}
			m.mu.Unlock()

		case ev := <-a.Disconnected():
			// frames read before the link dropped are still delivered
			if recv != nil {
				for pkt := range recv {
					m.mu.Lock()
					if s.state != SessionClosed {
						m.input(s, pkt)
					}
					m.mu.Unlock()
				}
			}

			m.mu.Lock()
			if s.state != SessionClosed {
				logger.Info("transport down", "id", s.id, "remote", s.raddr, "reason", ev.Reason)
				err := ErrReset
				if ev.Err != nil {
					err = errors.Join(ErrReset, ev.Err)
				}
				m.freeSession(s, err)
			}
			m.mu.Unlock()
			return
		}
	}
}

// openSession completes the DLCI 0 handshake.
func (m *Mux) openSession(s *Session) {
	m.stopSessionTimer(s)
	s.state = SessionOpen

	logger.Info("session open", "id", s.id, "remote", s.raddr, "initiator", s.initiator())
	m.publish(eventbus.SessionOpened, eventbus.SessionEvent{ID: s.id, Local: s.laddr, Remote: s.raddr})

	for _, d := range slices.Clone(s.dlcs) {
		if d.state != StateWaitSession {
			continue
		}
		if err := m.setMode(d); err != nil {
			m.closeDLC(d, err)
			continue
		}
		if err := m.connectDLC(d); err != nil {
			m.closeDLC(d, err)
		}
	}

	if len(s.dlcs) == 0 && s.state == SessionOpen && s.timer == nil {
		m.armSessionTimer(s, m.cfg.AckTimeout)
	}
}

// freeSession closes every DLC on s with err and releases it.
func (m *Mux) freeSession(s *Session, err error) {
	if s.state == SessionClosed {
		return
	}
	prev := s.state
	s.state = SessionClosed

	m.stopSessionTimer(s)
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	for _, d := range slices.Clone(s.dlcs) {
		m.closeDLC(d, err)
	}

	if prev == SessionListen {
		if i := slices.Index(m.listening, s); i >= 0 {
			m.listening = slices.Delete(m.listening, i, i+1)
		}
		return
	}

	m.sessions.Delete(s.id)
	if s.adapter != nil {
		// the adapter may block on a closing handshake
		go s.adapter.Close()
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	logger.Info("session closed", "id", s.id, "remote", s.raddr, "reason", reason)
	m.publish(eventbus.SessionClosed, eventbus.SessionEvent{ID: s.id, Local: s.laddr, Remote: s.raddr, Reason: reason})
}

func (m *Mux) armSessionTimer(s *Session, d time.Duration) {
	m.stopSessionTimer(s)
	s.timerSeq++
	id, seq := s.id, s.timerSeq
	s.timer = m.clock.AfterFunc(d, func() { m.sessionTimeout(id, seq) })
}

func (m *Mux) stopSessionTimer(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// sessionTimeout handles an unanswered handshake or an idle session.
func (m *Mux) sessionTimeout(id uuid.UUID, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions.Get(id)
	if !ok || s.timer == nil || s.timerSeq != seq {
		return
	}
	s.timer = nil

	switch s.state {
	case SessionOpen:
		if len(s.dlcs) > 0 {
			return
		}
		logger.Debug("session idle", "id", s.id, "remote", s.raddr)
		if err := s.tx.SendFrame(frame.DISC, 0); err != nil {
			m.freeSession(s, nil)
			return
		}
		s.state = SessionWaitDisconnect
		m.armSessionTimer(s, m.cfg.AckTimeout)
	case SessionWaitDisconnect:
		m.freeSession(s, nil)
	default:
		m.freeSession(s, ErrTimeout)
	}
}
