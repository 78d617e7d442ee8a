package mux

import (
	"github.com/risa-org/rfcomm/frame"
)

// input dispatches one packet received on the session transport.
func (m *Mux) input(s *Session, pkt []byte) {
	f, err := frame.Unmarshal(pkt)
	if err != nil {
		m.stats.badFrames.Inc()
		logger.Debug("bad frame", "remote", s.raddr, "err", err)
		return
	}
	m.stats.framesIn.Inc()

	switch f.Type {
	case frame.SABM:
		m.recvSABM(s, f.DLCI)
	case frame.DISC:
		m.recvDISC(s, f.DLCI)
	case frame.UA:
		m.recvUA(s, f.DLCI)
	case frame.DM:
		m.recvDM(s, f.DLCI)
	case frame.UIH:
		if f.DLCI == 0 {
			m.recvMCC(s, f.Data)
		} else {
			m.recvUIH(s, &f)
		}
	}
}

func (m *Mux) recvSABM(s *Session, dlci uint8) {
	if dlci == 0 {
		if s.state != SessionWaitConnect || s.initiator() {
			return
		}
		if err := s.tx.SendFrame(frame.UA, 0); err != nil {
			m.freeSession(s, err)
			return
		}
		m.openSession(s)
		return
	}

	if s.state != SessionOpen {
		logger.Debug("SABM before session open", "remote", s.raddr, "dlci", dlci)
		return
	}

	// the peer may only open DLCIs on its own side of the direction bit
	if (frame.Direction(dlci) == 0) == s.initiator() {
		logger.Debug("SABM with wrong direction", "remote", s.raddr, "dlci", dlci)
		return
	}

	d := s.lookup(dlci)
	if d == nil {
		if d = m.newConn(s, dlci); d == nil {
			return
		}
	}
	if d.state != StateWaitConnect {
		return
	}
	m.cancelTimer(d)

	if err := m.setMode(d); err != nil {
		s.tx.SendFrame(frame.DM, dlci)
		m.closeDLC(d, err)
		return
	}
	if err := s.tx.SendFrame(frame.UA, dlci); err != nil {
		m.closeDLC(d, err)
		return
	}
	if err := m.openDLC(d); err != nil {
		m.closeDLC(d, err)
	}
}

func (m *Mux) recvDISC(s *Session, dlci uint8) {
	if dlci == 0 {
		s.tx.SendFrame(frame.UA, 0)
		s.state = SessionWaitDisconnect
		for len(s.dlcs) > 0 {
			m.closeDLC(s.dlcs[0], ErrReset)
		}
		// the peer drops the transport once it sees the UA
		m.armSessionTimer(s, m.cfg.AckTimeout)
		return
	}

	d := s.lookup(dlci)
	if d == nil {
		s.tx.SendFrame(frame.DM, dlci)
		return
	}

	s.tx.SendFrame(frame.UA, dlci)
	m.closeDLC(d, nil)
}

func (m *Mux) recvUA(s *Session, dlci uint8) {
	if dlci == 0 {
		switch s.state {
		case SessionWaitConnect:
			if s.initiator() {
				m.openSession(s)
			}
		case SessionWaitDisconnect:
			m.freeSession(s, nil)
		}
		return
	}

	d := s.lookup(dlci)
	if d == nil {
		return
	}

	switch d.state {
	case StateWaitRecvUA:
		m.cancelTimer(d)
		if err := m.openDLC(d); err != nil {
			m.closeDLC(d, err)
		}
	case StateWaitDisconnect:
		m.closeDLC(d, nil)
	}
}

func (m *Mux) recvDM(s *Session, dlci uint8) {
	if dlci == 0 {
		if s.state == SessionWaitConnect {
			m.freeSession(s, ErrRefused)
		}
		return
	}

	if d := s.lookup(dlci); d != nil {
		m.closeDLC(d, ErrRefused)
	}
}

// recvUIH delivers data and credits to an open DLC.
func (m *Mux) recvUIH(s *Session, f *frame.Frame) {
	if s.state != SessionOpen {
		return
	}

	d := s.lookup(f.DLCI)
	if d == nil || d.state != StateOpen {
		s.tx.SendFrame(frame.DM, f.DLCI)
		return
	}

	data := f.Data
	granted := false
	if f.PF && s.flags&flagCFC != 0 {
		var credits uint8
		credits, data = f.SplitCredits()
		d.txcred += int(credits)
		granted = credits > 0
	}

	if len(data) > 0 {
		m.deliver(s, d, data)
	}

	if granted && d.state == StateOpen {
		m.startDLC(d)
	}
}

func (m *Mux) deliver(s *Session, d *DLC, data []byte) {
	if s.flags&flagCFC != 0 {
		if d.rxcred == 0 {
			logger.Warn("data without credit", "dlci", d.dlci, "remote", d.raddr, "bytes", len(data))
			return
		}
		d.rxcred--
	}

	if len(data) > d.rxsize {
		logger.Warn("receive window overflow", "dlci", d.dlci, "remote", d.raddr, "bytes", len(data), "window", d.rxsize)
		return
	}
	d.rxsize -= len(data)

	m.stats.bytesIn.Add(int64(len(data)))
	d.upper.Input(append([]byte(nil), data...))
}
