package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/config"
	"github.com/risa-org/rfcomm/frame"
	"github.com/risa-org/rfcomm/transport"
)

var (
	localAddr  = bdaddr.MustParse("00:00:00:00:00:01")
	remoteAddr = bdaddr.MustParse("00:00:00:00:00:02")
)

// mockAdapter records every packet sent and never writes anything.
type mockAdapter struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	modeErr error
	mode    transport.LinkMode
	closed  bool

	local, remote bdaddr.Addr

	recv chan []byte
	done chan int
	disc chan transport.DisconnectEvent
	once sync.Once
}

func newMockAdapter(local, remote bdaddr.Addr) *mockAdapter {
	return &mockAdapter{
		local:  local,
		remote: remote,
		recv:   make(chan []byte, 16),
		done:   make(chan int, 1),
		disc:   make(chan transport.DisconnectEvent, 1),
	}
}

func (a *mockAdapter) Send(pkt []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrTransportClosed
	}
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, append([]byte(nil), pkt...))
	return nil
}

func (a *mockAdapter) Receive() <-chan []byte                         { return a.recv }
func (a *mockAdapter) Completed() <-chan int                          { return a.done }
func (a *mockAdapter) Disconnected() <-chan transport.DisconnectEvent { return a.disc }
func (a *mockAdapter) LocalAddr() bdaddr.Addr                         { return a.local }
func (a *mockAdapter) RemoteAddr() bdaddr.Addr                        { return a.remote }

func (a *mockAdapter) SetLinkMode(mode transport.LinkMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modeErr != nil {
		return a.modeErr
	}
	a.mode = mode
	return nil
}

func (a *mockAdapter) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.recv)
		a.disc <- transport.DisconnectEvent{Reason: transport.ReasonClosedClean}
	})
	return nil
}

func (a *mockAdapter) setSendErr(err error) {
	a.mu.Lock()
	a.sendErr = err
	a.mu.Unlock()
}

// take returns and forgets the frames sent so far.
func (a *mockAdapter) take(t *testing.T) []frame.Frame {
	t.Helper()
	a.mu.Lock()
	sent := a.sent
	a.sent = nil
	a.mu.Unlock()

	out := make([]frame.Frame, 0, len(sent))
	for _, b := range sent {
		f, err := frame.Unmarshal(b)
		if err != nil {
			t.Fatalf("sent an invalid frame % x: %v", b, err)
		}
		out = append(out, f)
	}
	return out
}

// takeMCC returns the control messages among the frames sent so far.
func (a *mockAdapter) takeMCC(t *testing.T) []frame.MCC {
	t.Helper()
	var out []frame.MCC
	for _, f := range a.take(t) {
		if f.Type != frame.UIH || f.DLCI != 0 {
			continue
		}
		c, err := frame.UnmarshalMCC(f.Data)
		if err != nil {
			t.Fatalf("invalid control message: %v", err)
		}
		out = append(out, c)
	}
	return out
}

// mockClock only fires timers when the test says so.
type mockClock struct {
	mu     sync.Mutex
	timers []*mockTimer
}

type mockTimer struct {
	c       *mockClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *mockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{c: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *mockTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// expire marks every pending timer as fired and returns the callbacks
// without running them, as if they were waiting for the lock.
func (c *mockClock) expire() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fns []func()
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		fns = append(fns, t.f)
	}
	return fns
}

// fire runs every pending timer.
func (c *mockClock) fire() int {
	fns := c.expire()
	for _, f := range fns {
		f()
	}
	return len(fns)
}

// mockUpper records callbacks. Children are the uppers handed out by
// NewConn.
type mockUpper struct {
	refuse bool

	newConns     int
	connected    int
	disconnected []error
	completed    int
	input        []byte
	dlc          *DLC
	children     []*mockUpper
}

func (u *mockUpper) NewConn(local, remote bdaddr.SockAddr) Upper {
	u.newConns++
	if u.refuse {
		return nil
	}
	child := &mockUpper{}
	u.children = append(u.children, child)
	return child
}

func (u *mockUpper) Connected(d *DLC) {
	u.connected++
	u.dlc = d
}

func (u *mockUpper) Disconnected(err error) {
	u.disconnected = append(u.disconnected, err)
}

func (u *mockUpper) Complete(n int)    { u.completed += n }
func (u *mockUpper) Input(data []byte) { u.input = append(u.input, data...) }

func newTestMux(t *testing.T, opts ...Option) (*Mux, *mockClock) {
	t.Helper()
	clk := &mockClock{}
	m, err := New(config.New(), append([]Option{WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, clk
}

// openTestSession creates a session that has completed the DLCI 0
// handshake over a mock adapter.
func openTestSession(t *testing.T, m *Mux, initiator bool) (*Session, *mockAdapter) {
	t.Helper()
	a := newMockAdapter(localAddr, remoteAddr)

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.newSession(SessionWaitConnect, localAddr, remoteAddr, initiator)
	m.attachTransport(s, a)
	m.openSession(s)
	return s, a
}

func mustMarshal(t *testing.T, f frame.Frame) []byte {
	t.Helper()
	b, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return b
}

// feed delivers a frame from the peer.
func feed(t *testing.T, m *Mux, s *Session, f frame.Frame) {
	t.Helper()
	b := mustMarshal(t, f)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input(s, b)
}

func feedMCC(t *testing.T, m *Mux, s *Session, c frame.MCC) {
	t.Helper()
	feed(t, m, s, frame.Frame{Type: frame.UIH, Data: c.Marshal()})
}

// locked runs fn with the multiplexer lock held.
func locked(m *Mux, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func mockDialer(a transport.Adapter) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, local, remote bdaddr.Addr) (transport.Adapter, error) {
		return a, nil
	})
}
