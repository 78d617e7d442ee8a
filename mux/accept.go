package mux

import (
	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/frame"
)

// rejectReason says why an incoming DLC was refused.
type rejectReason int

const (
	rejectNoListener rejectReason = iota // nothing listens on the channel
	rejectDeclined                       // the listener's upper layer said no
)

func (r rejectReason) String() string {
	switch r {
	case rejectNoListener:
		return "no-listener"
	case rejectDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// newConn creates a DLC for a channel the peer asked for, modelled on a
// listening DLC. A listener bound to the session's local address is
// preferred over a wildcard one. Among listeners on the same address the
// earliest registered wins.
//
// When no DLC is created, exactly one DM is sent for dlci.
func (m *Mux) newConn(s *Session, dlci uint8) *DLC {
	channel := frame.Channel(dlci)

	var exact, wild *DLC
	for i := len(m.listening) - 1; i >= 0; i-- {
		ls := m.listening[i]
		isExact := ls.laddr == s.laddr
		isWild := ls.laddr.IsAny()
		if !isExact && !isWild {
			continue
		}

		for j := len(ls.dlcs) - 1; j >= 0; j-- {
			d := ls.dlcs[j]
			if d.state != StateListen || d.laddr.Channel != channel {
				continue
			}
			if isExact {
				exact = d
			}
			if isWild {
				wild = d
			}
		}
	}

	listener := exact
	if listener == nil {
		listener = wild
	}
	if listener == nil {
		m.reject(s, dlci, rejectNoListener)
		return nil
	}

	local := bdaddr.SockAddr{Addr: s.laddr, Channel: channel}
	remote := bdaddr.SockAddr{Addr: s.raddr, Channel: channel}

	up := listener.upper.NewConn(local, remote)
	if up == nil {
		m.reject(s, dlci, rejectDeclined)
		return nil
	}

	d := m.attach(up)
	d.laddr = local
	d.raddr = remote
	d.dlci = dlci
	d.mode = listener.mode
	d.state = StateWaitConnect
	d.flags |= flagInbound
	m.insert(s, d)

	// closed if the peer never sends SABM
	m.armTimer(d, m.cfg.AckTimeout)

	logger.Debug("incoming dlc", "local", local, "remote", remote, "dlci", dlci)
	return d
}

func (m *Mux) reject(s *Session, dlci uint8, reason rejectReason) {
	m.stats.rejected.Inc()
	logger.Info("dlc rejected", "remote", s.raddr, "dlci", dlci, "reason", reason)
	if err := s.tx.SendFrame(frame.DM, dlci); err != nil {
		logger.Warn("DM not sent", "remote", s.raddr, "dlci", dlci, "err", err)
	}
}
