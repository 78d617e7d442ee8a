package mux

import (
	"errors"
	"testing"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/frame"
)

func listen(t *testing.T, m *Mux, addr bdaddr.Addr, channel uint8) *mockUpper {
	t.Helper()
	u := &mockUpper{}
	d, err := m.Attach(u)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := d.Bind(bdaddr.SockAddr{Addr: addr, Channel: channel}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := d.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	return u
}

// sabm asks for a channel the way an initiating peer does.
func sabm(channel uint8) frame.Frame {
	return frame.Frame{DLCI: frame.MakeDLCI(0, channel), CR: true, Type: frame.SABM, PF: true}
}

func TestExactListenerBeatsWildcard(t *testing.T) {
	m, _ := newTestMux(t)

	// registration order must not matter between the two
	wild := listen(t, m, bdaddr.Any, 5)
	exact := listen(t, m, localAddr, 5)

	s, a := openTestSession(t, m, false)
	a.take(t)
	feed(t, m, s, sabm(5))

	if exact.newConns != 1 || wild.newConns != 0 {
		t.Fatalf("expected exact listener to be used, exact=%d wild=%d", exact.newConns, wild.newConns)
	}
	child := exact.children[0]
	if child.connected != 1 {
		t.Errorf("expected accepted DLC to be connected, got %d", child.connected)
	}
	if got := child.dlc.LocalAddr(); got.Addr != localAddr || got.Channel != 5 {
		t.Errorf("unexpected local address %s", got)
	}
	if got := child.dlc.RemoteAddr(); got.Addr != remoteAddr || got.Channel != 5 {
		t.Errorf("unexpected remote address %s", got)
	}

	frames := a.take(t)
	if len(frames) != 2 || frames[0].Type != frame.UA || frames[0].DLCI != 10 {
		t.Fatalf("expected UA then MSC, got %+v", frames)
	}
	if !frames[0].CR {
		t.Error("responses from the responder carry C/R set")
	}
}

func TestWildcardListenerUsedWithoutExact(t *testing.T) {
	m, _ := newTestMux(t)
	wild := listen(t, m, bdaddr.Any, 5)
	other := listen(t, m, bdaddr.MustParse("00:00:00:00:00:09"), 5)

	s, _ := openTestSession(t, m, false)
	feed(t, m, s, sabm(5))

	if wild.newConns != 1 || other.newConns != 0 {
		t.Errorf("expected wildcard listener, wild=%d other=%d", wild.newConns, other.newConns)
	}
}

func TestEarliestListenerWins(t *testing.T) {
	m, _ := newTestMux(t)
	first := listen(t, m, localAddr, 7)
	second := listen(t, m, localAddr, 7)

	s, _ := openTestSession(t, m, false)
	feed(t, m, s, sabm(7))

	if first.newConns != 1 || second.newConns != 0 {
		t.Errorf("expected the first listener, first=%d second=%d", first.newConns, second.newConns)
	}
}

func TestNoListenerSendsOneDM(t *testing.T) {
	m, _ := newTestMux(t)
	listen(t, m, localAddr, 5)

	s, a := openTestSession(t, m, false)
	a.take(t)
	feed(t, m, s, sabm(7))

	frames := a.take(t)
	if len(frames) != 1 || frames[0].Type != frame.DM || frames[0].DLCI != frame.MakeDLCI(0, 7) {
		t.Fatalf("expected exactly one DM, got %+v", frames)
	}
	locked(m, func() {
		if len(s.dlcs) != 0 {
			t.Errorf("no DLC may be created, got %d", len(s.dlcs))
		}
	})
	if st := m.Stats(); st.Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", st.Rejected)
	}
}

func TestDeclinedConnectionSendsDM(t *testing.T) {
	m, _ := newTestMux(t)
	u := listen(t, m, localAddr, 5)
	u.refuse = true

	s, a := openTestSession(t, m, false)
	a.take(t)
	feed(t, m, s, sabm(5))

	frames := a.take(t)
	if len(frames) != 1 || frames[0].Type != frame.DM {
		t.Fatalf("expected one DM, got %+v", frames)
	}
	if u.newConns != 1 {
		t.Errorf("listener not consulted")
	}
}

func TestWrongDirectionIgnored(t *testing.T) {
	m, _ := newTestMux(t)
	u := listen(t, m, localAddr, 5)

	s, a := openTestSession(t, m, false)
	a.take(t)
	// our own direction bit, the peer may not use it
	feed(t, m, s, frame.Frame{DLCI: frame.MakeDLCI(1, 5), Type: frame.SABM, PF: true})

	if frames := a.take(t); len(frames) != 0 {
		t.Errorf("expected no response, got %+v", frames)
	}
	if u.newConns != 0 {
		t.Errorf("listener consulted for a bad dlci")
	}
}

func TestAcceptRequiresListener(t *testing.T) {
	m, _ := newTestMux(t)
	a := newMockAdapter(localAddr, remoteAddr)

	if _, err := m.Accept(a); !errors.Is(err, ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}

	listen(t, m, bdaddr.Any, 1)
	id, err := m.Accept(a)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	var s *Session
	locked(m, func() { s, _ = m.sessions.Get(id) })
	if s == nil || s.initiator() {
		t.Fatal("accepted session missing or marked initiator")
	}

	feed(t, m, s, frame.Frame{CR: true, Type: frame.SABM, PF: true})
	frames := a.take(t)
	if len(frames) != 1 || frames[0].Type != frame.UA || frames[0].DLCI != 0 {
		t.Fatalf("expected UA on dlci 0, got %+v", frames)
	}

	infos := m.Sessions()
	if len(infos) != 1 || infos[0].State != SessionOpen || infos[0].ID != id {
		t.Errorf("unexpected sessions %+v", infos)
	}
}

func TestUnopenedInboundDLCReleased(t *testing.T) {
	m, clk := newTestMux(t)
	u := listen(t, m, bdaddr.Any, 5)
	s, a := openTestSession(t, m, false)

	before := m.Stats().DLCs
	pn := frame.PN{DLCI: 10, Priority: 7, MTU: 100}

	// negotiated but never opened: the SABM wait times out
	for i := 0; i < 10; i++ {
		feedMCC(t, m, s, frame.MCC{Type: frame.MCCPN, Command: true, Data: pn.Marshal()})
		clk.fire()
	}
	if u.newConns != 10 {
		t.Fatalf("expected 10 inbound DLCs, got %d", u.newConns)
	}
	if after := m.Stats().DLCs; after != before {
		t.Errorf("expected %d live DLCs after timeouts, got %d", before, after)
	}

	// closed by the peer before SABM
	feedMCC(t, m, s, frame.MCC{Type: frame.MCCPN, Command: true, Data: pn.Marshal()})
	feed(t, m, s, frame.Frame{DLCI: 10, CR: true, Type: frame.DISC, PF: true})
	if after := m.Stats().DLCs; after != before {
		t.Errorf("expected %d live DLCs after DISC, got %d", before, after)
	}

	for _, child := range u.children {
		if len(child.disconnected) != 1 {
			t.Errorf("expected one disconnect per inbound DLC, got %v", child.disconnected)
		}
	}
	a.take(t)
}

func TestOpenedInboundDLCOwnedByUpper(t *testing.T) {
	m, _ := newTestMux(t)
	u := listen(t, m, bdaddr.Any, 5)
	s, _ := openTestSession(t, m, false)

	before := m.Stats().DLCs
	feed(t, m, s, sabm(5))
	feed(t, m, s, frame.Frame{DLCI: 10, CR: true, Type: frame.DISC, PF: true})

	// once Connected ran, only Detach releases it
	if after := m.Stats().DLCs; after != before+1 {
		t.Fatalf("expected the closed DLC to stay attached, got %d live", after)
	}
	u.children[0].dlc.Detach()
	if after := m.Stats().DLCs; after != before {
		t.Errorf("expected %d live DLCs after Detach, got %d", before, after)
	}
}

func TestPNWithWrongDirectionIgnored(t *testing.T) {
	m, _ := newTestMux(t)
	u := listen(t, m, bdaddr.Any, 5)
	s, a := openTestSession(t, m, false)
	a.take(t)

	// direction 1 belongs to us as responder
	pn := frame.PN{DLCI: frame.MakeDLCI(1, 5), Priority: 7, MTU: 100}
	feedMCC(t, m, s, frame.MCC{Type: frame.MCCPN, Command: true, Data: pn.Marshal()})

	if u.newConns != 0 {
		t.Errorf("expected no arbitration, got %d", u.newConns)
	}
	if frames := a.take(t); len(frames) != 0 {
		t.Errorf("expected no reply, got %+v", frames)
	}
}
