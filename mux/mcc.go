package mux

import (
	"github.com/risa-org/rfcomm/frame"
)

// recvMCC handles a multiplexer control message on DLCI 0.
func (m *Mux) recvMCC(s *Session, b []byte) {
	if s.state != SessionOpen {
		return
	}

	c, err := frame.UnmarshalMCC(b)
	if err != nil {
		m.stats.badFrames.Inc()
		logger.Debug("bad control message", "remote", s.raddr, "err", err)
		return
	}

	switch c.Type {
	case frame.MCCPN:
		m.recvPN(s, c)

	case frame.MCCMSC:
		m.recvMSC(s, c)

	case frame.MCCTest:
		if c.Command {
			s.tx.SendMCC(false, frame.MCCTest, c.Data)
		}

	case frame.MCCFCon:
		if c.Command {
			s.flags &^= flagRFC
			s.tx.SendMCC(false, frame.MCCFCon, nil)
			for _, d := range s.dlcs {
				m.startDLC(d)
			}
		}

	case frame.MCCFCoff:
		if c.Command {
			s.flags |= flagRFC
			s.tx.SendMCC(false, frame.MCCFCoff, nil)
		}

	case frame.MCCRPN:
		if c.Command {
			m.recvRPN(s, c)
		}

	case frame.MCCRLS:
		// line status is acknowledged and otherwise ignored
		if c.Command {
			s.tx.SendMCC(false, frame.MCCRLS, c.Data)
		}

	case frame.MCCNSC:
		logger.Warn("peer did not understand command", "remote", s.raddr, "data", c.Data)

	default:
		if c.Command {
			logger.Debug("unsupported control message", "remote", s.raddr, "type", c.Type)
			s.tx.SendMCC(false, frame.MCCNSC, frame.NSC(c.Type, c.Command))
		}
	}
}

// recvPN negotiates DLC parameters. As responder we accept the peer's
// MTU within bounds and credit flow control when offered before the
// channel opens. As initiator we check the reply and move on to SABM.
func (m *Mux) recvPN(s *Session, c frame.MCC) {
	var pn frame.PN
	if err := pn.Unmarshal(c.Data); err != nil {
		m.stats.badFrames.Inc()
		return
	}
	if pn.DLCI == 0 {
		return
	}

	d := s.lookup(pn.DLCI)

	if c.Command {
		if d == nil {
			if (frame.Direction(pn.DLCI) == 0) == s.initiator() {
				logger.Debug("PN with wrong direction", "remote", s.raddr, "dlci", pn.DLCI)
				return
			}
			if d = m.newConn(s, pn.DLCI); d == nil {
				return
			}
		}

		mtu := int(pn.MTU)
		cfg := m.cfg
		switch {
		case mtu < cfg.MinMTU:
			mtu = cfg.MinMTU
		case mtu > cfg.MaxMTU:
			mtu = cfg.MaxMTU
		}

		reply := frame.PN{
			DLCI:     d.dlci,
			Priority: pn.Priority,
		}

		if d.state == StateWaitConnect {
			d.mtu = mtu
			if pn.FlowControl == frame.PNFlowRequestCFC {
				s.flags |= flagCFC
			}
			if s.flags&flagCFC != 0 {
				d.txcred = int(pn.Credits & 0x07)
				d.rxcred = min(d.rxsize/d.mtu, CreditsDefault)
				reply.FlowControl = frame.PNFlowAcceptCFC
				reply.Credits = uint8(d.rxcred)
			}
		}
		reply.MTU = uint16(d.mtu)

		if err := s.tx.SendMCC(false, frame.MCCPN, reply.Marshal()); err != nil {
			logger.Warn("PN response not sent", "remote", s.raddr, "dlci", d.dlci, "err", err)
		}
		return
	}

	if d == nil || d.state != StateWaitConnect {
		return
	}
	m.cancelTimer(d)

	if int(pn.MTU) < m.cfg.MinMTU || int(pn.MTU) > d.mtu {
		logger.Warn("unacceptable mtu", "remote", s.raddr, "dlci", d.dlci, "asked", d.mtu, "got", pn.MTU)
		m.closeDLC(d, ErrInvalidParam)
		return
	}
	d.mtu = int(pn.MTU)

	if pn.FlowControl == frame.PNFlowAcceptCFC {
		s.flags |= flagCFC
		d.txcred = int(pn.Credits & 0x07)
	}

	if err := s.tx.SendFrame(frame.SABM, d.dlci); err != nil {
		m.closeDLC(d, err)
		return
	}
	d.state = StateWaitRecvUA
	m.armTimer(d, m.cfg.AckTimeout)
}

// recvMSC records the peer's modem signals and answers commands.
func (m *Mux) recvMSC(s *Session, c frame.MCC) {
	var msc frame.MSC
	if err := msc.Unmarshal(c.Data); err != nil {
		m.stats.badFrames.Inc()
		return
	}

	d := s.lookup(msc.DLCI)
	if d == nil {
		return
	}

	if !c.Command {
		m.cancelTimer(d)
		return
	}

	if err := s.tx.SendMCC(false, frame.MCCMSC, c.Data); err != nil {
		m.closeDLC(d, err)
		return
	}

	d.rmodem = msc.Modem
	if d.state == StateOpen && s.flags&flagCFC == 0 && d.rmodem&frame.ModemFC == 0 {
		m.startDLC(d)
	}
}

// recvRPN reports default port settings for a query and accepts any
// proposed settings unchanged.
func (m *Mux) recvRPN(s *Session, c frame.MCC) {
	var rpn frame.RPN
	full, err := rpn.Unmarshal(c.Data)
	if err != nil {
		m.stats.badFrames.Inc()
		return
	}

	reply := frame.DefaultRPN(rpn.DLCI)
	if full {
		reply = rpn
		reply.ParamMask = frame.RPNParamMaskAll
	}
	s.tx.SendMCC(false, frame.MCCRPN, reply.Marshal())
}
