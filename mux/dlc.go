package mux

import (
	"context"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/ftag"
	"github.com/google/uuid"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/frame"
)

// State is the state of a DLC.
type State int

const (
	StateClosed         State = iota // not on any session
	StateListen                      // waiting for incoming connections
	StateWaitSession                 // waiting for the session to open
	StateWaitConnect                 // PN sent, or waiting for the peer's SABM
	StateWaitRecvUA                  // SABM sent
	StateOpen                        // data may flow
	StateWaitDisconnect              // DISC sent
)

var stateNames = map[State]string{
	StateClosed:         "closed",
	StateListen:         "listen",
	StateWaitSession:    "wait-session",
	StateWaitConnect:    "wait-connect",
	StateWaitRecvUA:     "wait-recv-ua",
	StateOpen:           "open",
	StateWaitDisconnect: "wait-disconnect",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// lifecycle tracks teardown, which can outlive the protocol state while
// timer callbacks are still in flight.
type lifecycle uint8

const (
	lifeActive lifecycle = iota
	lifeClosing
	lifeDestroyPending
	lifeDestroyed
)

type dlcFlags uint8

const (
	flagShutdown dlcFlags = 1 << iota // disconnect once the transmit buffer drains
	flagInbound                       // created for a peer, owned by the mux until Connected
)

// DLC is one data link connection. It is created by Attach, or by a
// listener accepting a peer, and must be released with Detach.
type DLC struct {
	m      *Mux
	handle uint64
	upper  Upper

	session *Session
	state   State
	life    lifecycle
	flags   dlcFlags

	dlci  uint8
	laddr bdaddr.SockAddr
	raddr bdaddr.SockAddr
	mode  Mode
	mtu   int

	txbuf   []byte
	pending int // frames sent, not yet completed
	rxsize  int // bytes the upper layer can still take
	rxcred  int // credits granted to the peer
	txcred  int // credits the peer granted us
	lmodem  uint8
	rmodem  uint8

	timer    Timer
	timerSeq uint64
	inflight int // armed timer callbacks that have not run
}

// Attach creates a closed DLC that reports to up.
func (m *Mux) Attach(up Upper) (*DLC, error) {
	if up == nil {
		return nil, ErrInvalidParam
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	return m.attach(up), nil
}

func (m *Mux) attach(up Upper) *DLC {
	d := &DLC{
		m:      m,
		upper:  up,
		mtu:    m.cfg.MTU,
		rxsize: m.cfg.RxBufSize,
		lmodem: frame.ModemRTC | frame.ModemRTR | frame.ModemDV,
	}
	d.handle = m.handles.alloc(d)
	return d
}

// Bind sets the local address and channel.
func (d *DLC) Bind(addr bdaddr.SockAddr) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if d.life != lifeActive || d.state != StateClosed {
		return ErrInvalidState
	}
	d.laddr = addr
	return nil
}

// SetMode sets the link protection the DLC requires. Stronger modes
// imply the weaker ones.
func (d *DLC) SetMode(mode Mode) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if d.life != lifeActive {
		return ErrInvalidState
	}
	d.mode = mode.normalize()

	// an open channel must meet the new mode at once
	if d.state == StateOpen {
		if err := d.m.setMode(d); err != nil {
			d.m.closeDLC(d, err)
			return err
		}
	}
	return nil
}

// SetMTU sets the frame size offered in parameter negotiation.
func (d *DLC) SetMTU(mtu int) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	cfg := d.m.cfg
	if mtu < cfg.MinMTU || mtu > cfg.MaxMTU {
		return fmt.Errorf("%w: mtu %d outside %d..%d", ErrInvalidParam, mtu, cfg.MinMTU, cfg.MaxMTU)
	}
	if d.life != lifeActive || d.state != StateClosed {
		return ErrInvalidState
	}
	d.mtu = mtu
	return nil
}

// SetRxBufSize sets the receive window the DLC starts with. Credits
// granted to the peer never exceed size / MTU.
func (d *DLC) SetRxBufSize(size int) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if size < d.mtu {
		return fmt.Errorf("%w: receive buffer %d smaller than mtu %d", ErrInvalidParam, size, d.mtu)
	}
	if d.life != lifeActive || d.state != StateClosed {
		return ErrInvalidState
	}
	d.rxsize = size
	return nil
}

// Connect opens a channel to remote, joining an existing session to the
// device or starting a new one. Completion is reported through
// Upper.Connected or Upper.Disconnected.
func (d *DLC) Connect(remote bdaddr.SockAddr) error {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if d.life != lifeActive || d.state != StateClosed {
		return ErrInvalidState
	}
	if remote.Addr.IsAny() || remote.Channel < 1 || remote.Channel > frame.MaxChannel {
		return fault.Wrap(ErrInvalidParam,
			fctx.With(context.Background(), "remote", remote.String()),
			ftag.With(ftag.InvalidArgument),
		)
	}

	s := m.findSession(d.laddr.Addr, remote.Addr)
	if s == nil {
		if m.dialer == nil {
			return ErrNoDialer
		}
		s = m.newSession(SessionWaitConnect, d.laddr.Addr, remote.Addr, true)
		m.dial(s)
	}

	var dir uint8 = 1
	if s.initiator() {
		dir = 0
	}
	dlci := frame.MakeDLCI(dir, remote.Channel)
	if s.lookup(dlci) != nil {
		return fault.Wrap(ErrInUse,
			fctx.With(context.Background(), "remote", remote.String()),
			ftag.With(ftag.AlreadyExists),
		)
	}

	d.raddr = remote
	d.laddr.Addr = s.laddr
	d.laddr.Channel = remote.Channel
	d.dlci = dlci
	d.state = StateWaitSession
	m.insert(s, d)

	logger.Debug("connecting", "remote", remote, "dlci", dlci, "session", s.id)

	if s.state != SessionOpen {
		return nil
	}

	if err := m.setMode(d); err != nil {
		m.closeDLC(d, err)
		return err
	}
	if err := m.connectDLC(d); err != nil {
		m.closeDLC(d, err)
		return err
	}
	return nil
}

// Listen registers the DLC to accept connections on its bound channel.
func (d *DLC) Listen() error {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if d.life != lifeActive || d.state != StateClosed {
		return ErrInvalidState
	}
	if d.laddr.Channel < 1 || d.laddr.Channel > frame.MaxChannel {
		return fault.Wrap(ErrInvalidParam,
			fctx.With(context.Background(), "local", d.laddr.String()),
			ftag.With(ftag.InvalidArgument),
		)
	}

	s := m.listenSession(d.laddr.Addr)
	d.state = StateListen
	m.insert(s, d)

	logger.Debug("listening", "local", d.laddr)
	return nil
}

// Send queues data for transmission. Data is held until the channel
// opens and credits allow it out.
func (d *DLC) Send(data []byte) error {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.life != lifeActive {
		return ErrInvalidState
	}
	switch d.state {
	case StateClosed, StateListen:
		return ErrNotConnected
	case StateWaitDisconnect:
		return ErrInvalidState
	}
	if d.flags&flagShutdown != 0 {
		return ErrInvalidState
	}
	if len(data) == 0 {
		return nil
	}

	d.txbuf = append(d.txbuf, data...)
	if d.state == StateOpen {
		m.startDLC(d)
	}
	return nil
}

// Rcvd tells the DLC how many bytes the upper layer can now accept.
// With credit flow control this may grant the peer more credits.
func (d *DLC) Rcvd(space int) {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.life != lifeActive || space < 0 {
		return
	}
	d.rxsize = space

	if d.state == StateOpen && d.session.flags&flagCFC != 0 {
		m.startDLC(d)
	}
}

// Disconnect closes the channel. With linger set, an open channel first
// sends everything already queued.
func (d *DLC) Disconnect(linger bool) error {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.life != lifeActive {
		return ErrInvalidState
	}

	switch d.state {
	case StateClosed:
		return ErrNotConnected

	case StateListen, StateWaitSession:
		m.closeDLC(d, nil)
		return nil

	case StateWaitDisconnect:
		return nil

	case StateOpen:
		if linger && (len(d.txbuf) > 0 || d.pending > 0) {
			d.flags |= flagShutdown
			return nil
		}
	}

	return m.sendDisc(d)
}

// Detach closes the DLC if needed and releases it. The DLC must not be
// used afterwards.
func (d *DLC) Detach() {
	m := d.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.life != lifeActive {
		return
	}
	if d.state != StateClosed {
		m.closeDLC(d, nil)
	}
	d.txbuf = nil

	if d.inflight > 0 {
		d.life = lifeDestroyPending
		return
	}
	m.release(d)
}

func (m *Mux) release(d *DLC) {
	m.handles.release(d.handle)
	d.life = lifeDestroyed
	d.upper = nil
}

// State returns the protocol state.
func (d *DLC) State() State {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.state
}

// DLCI returns the connection identifier, valid once connecting.
func (d *DLC) DLCI() uint8 {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.dlci
}

// MTU returns the negotiated frame size.
func (d *DLC) MTU() int {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.mtu
}

func (d *DLC) Mode() Mode {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.mode
}

func (d *DLC) LocalAddr() bdaddr.SockAddr {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.laddr
}

func (d *DLC) RemoteAddr() bdaddr.SockAddr {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.raddr
}

// Session returns the id of the session carrying the DLC, or uuid.Nil.
func (d *DLC) Session() uuid.UUID {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if d.session == nil {
		return uuid.Nil
	}
	return d.session.id
}

// Credits returns the transmit and receive credits.
func (d *DLC) Credits() (tx, rx int) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return d.txcred, d.rxcred
}

// Buffered returns the bytes queued but not yet sent.
func (d *DLC) Buffered() int {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	return len(d.txbuf)
}
