package mux

import (
	"context"
	"strconv"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"

	"github.com/risa-org/rfcomm/eventbus"
	"github.com/risa-org/rfcomm/frame"
)

// closeDLC moves d to StateClosed and tells its upper layer. The order
// matters: queued frames stop referring to d before it leaves the
// session, and the session only reacts to being empty once the upper
// layer has been told.
func (m *Mux) closeDLC(d *DLC, err error) {
	if d.state == StateClosed {
		panic("rfcomm: close of closed DLC")
	}
	if d.life == lifeClosing {
		panic("rfcomm: DLC closed while closing")
	}
	prev := d.life
	d.life = lifeClosing

	s := d.session
	if s.tx != nil {
		s.tx.Invalidate(d.handle)
	}
	m.cancelTimer(d)
	s.remove(d)
	d.session = nil
	was := d.state
	d.state = StateClosed
	d.flags &^= flagShutdown
	d.pending = 0

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	logger.Debug("dlc closed", "dlci", d.dlci, "remote", d.raddr, "state", was, "reason", reason)

	d.upper.Disconnected(err)
	if was != StateListen {
		m.publish(eventbus.DLCClosed, eventbus.DLCEvent{
			Session: s.id, DLCI: d.dlci, Local: d.laddr, Remote: d.raddr, Reason: reason,
		})
	}
	d.life = prev

	// the upper layer never saw this DLC, so nobody else can detach it
	if d.flags&flagInbound != 0 && d.life == lifeActive {
		d.flags &^= flagInbound
		d.txbuf = nil
		if d.inflight > 0 {
			d.life = lifeDestroyPending
		} else {
			m.release(d)
		}
	}

	if len(s.dlcs) == 0 {
		switch s.state {
		case SessionListen:
			m.freeSession(s, nil)
		case SessionClosed:
			// being freed by the caller
		default:
			m.armSessionTimer(s, m.cfg.AckTimeout)
		}
	}
}

// armTimer schedules a timeout for d, replacing any pending one.
func (m *Mux) armTimer(d *DLC, dur time.Duration) {
	m.cancelTimer(d)
	d.timerSeq++
	d.inflight++
	seq := d.timerSeq
	d.timer = m.clock.AfterFunc(dur, func() { m.dlcTimeout(d, seq) })
}

func (m *Mux) cancelTimer(d *DLC) {
	if d.timer == nil {
		return
	}
	if d.timer.Stop() {
		d.inflight--
	}
	d.timer = nil
}

// dlcTimeout closes a DLC whose peer did not answer in time. Callbacks
// from cancelled or replaced timers only account for themselves, and
// the last one releases a DLC that was detached while they were pending.
func (m *Mux) dlcTimeout(d *DLC, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.inflight--

	if d.timer != nil && d.timerSeq == seq && d.state != StateClosed {
		d.timer = nil
		logger.Warn("dlc timed out", "dlci", d.dlci, "remote", d.raddr, "state", d.state)
		m.closeDLC(d, ErrTimeout)
	}

	if d.life == lifeDestroyPending && d.inflight == 0 {
		m.release(d)
	}
}

// setMode applies the DLC's link requirements to the session transport.
func (m *Mux) setMode(d *DLC) error {
	s := d.session
	if s == nil || s.state != SessionOpen {
		panic("rfcomm: link mode set without an open session")
	}

	lm := d.mode.linkMode()
	if err := s.adapter.SetLinkMode(lm); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "mode", lm.String(), "remote", s.raddr.String()),
			fmsg.With("link mode rejected"),
		)
	}
	return nil
}

// connectDLC starts parameter negotiation for a DLC whose session is open.
// A failed send leaves d untouched in StateWaitSession.
func (m *Mux) connectDLC(d *DLC) error {
	s := d.session
	if s == nil || s.state != SessionOpen || d.state != StateWaitSession {
		panic("rfcomm: connect outside wait-session")
	}

	credits := min(d.rxsize/d.mtu, CreditsDefault)
	pn := frame.PN{
		DLCI:        d.dlci,
		FlowControl: frame.PNFlowRequestCFC,
		Priority:    d.dlci | 0x07,
		MTU:         uint16(d.mtu),
		Credits:     uint8(credits),
	}
	if err := s.tx.SendMCC(true, frame.MCCPN, pn.Marshal()); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "dlci", strconv.Itoa(int(d.dlci))),
			fmsg.With("parameter negotiation not sent"),
		)
	}

	d.rxcred = credits
	d.state = StateWaitConnect
	m.armTimer(d, m.cfg.MCCTimeout)
	return nil
}

// openDLC sends our modem status and reports the channel open.
func (m *Mux) openDLC(d *DLC) error {
	s := d.session

	msc := frame.MSC{
		DLCI:     d.dlci,
		Modem:    d.lmodem &^ frame.ModemEA,
		Break:    0x01,
		HasBreak: true,
	}
	if err := s.tx.SendMCC(true, frame.MCCMSC, msc.Marshal()); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "dlci", strconv.Itoa(int(d.dlci))),
			fmsg.With("modem status not sent"),
		)
	}

	m.armTimer(d, m.cfg.MCCTimeout)
	d.state = StateOpen

	logger.Info("dlc open", "dlci", d.dlci, "local", d.laddr, "remote", d.raddr, "mtu", d.mtu)
	d.flags &^= flagInbound
	d.upper.Connected(d)
	m.publish(eventbus.DLCOpened, eventbus.DLCEvent{
		Session: s.id, DLCI: d.dlci, Local: d.laddr, Remote: d.raddr,
	})

	// data queued before the channel opened
	if d.state == StateOpen && len(d.txbuf) > 0 {
		m.startDLC(d)
	}
	return nil
}

func (m *Mux) sendDisc(d *DLC) error {
	if err := d.session.tx.SendFrame(frame.DISC, d.dlci); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "dlci", strconv.Itoa(int(d.dlci))),
			fmsg.With("disconnect not sent"),
		)
	}
	m.armTimer(d, m.cfg.AckTimeout)
	d.state = StateWaitDisconnect
	d.flags &^= flagShutdown
	return nil
}
