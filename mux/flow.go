package mux

import (
	"github.com/risa-org/rfcomm/eventbus"
	"github.com/risa-org/rfcomm/frame"
)

// startDLC sends as much of the transmit buffer as flow control allows,
// and grants the peer credits when the receive window has room.
//
// With credit flow control each data frame costs one transmit credit and
// may carry a credit grant, which takes one byte of the frame. Without
// it, the session and DLC flow signals and MaxPending gate sending.
//
// A frame the transport refuses is logged and dropped: the data is lost,
// reported as complete so writers do not wait for it, and the loop
// carries on with the rest of the buffer.
func (m *Mux) startDLC(d *DLC) {
	s := d.session
	if s == nil || s.state != SessionOpen || d.state != StateOpen {
		return
	}
	cfc := s.flags&flagCFC != 0

	for {
		credits := 0
		n := d.mtu

		if cfc {
			credits = min(d.rxsize/d.mtu-d.rxcred, CreditsMax)
			if credits < 0 {
				credits = 0
			}
			if credits > 0 {
				n--
			}
			if d.txcred == 0 {
				n = 0
			}
		} else {
			if s.flags&flagRFC != 0 || d.rmodem&frame.ModemFC != 0 {
				break
			}
			if d.pending > MaxPending {
				break
			}
		}

		if len(d.txbuf) == 0 {
			n = 0
		}

		if n == 0 {
			if credits == 0 {
				break
			}
			// hold small grants back while the peer still has plenty
			if credits < CreditsDefault && d.rxcred > CreditsDefault {
				break
			}
		}

		var data []byte
		if n > 0 {
			if n >= len(d.txbuf) {
				data, d.txbuf = d.txbuf, nil
			} else {
				data, d.txbuf = d.txbuf[:n:n], d.txbuf[n:]
			}
		}

		if err := s.tx.SendUIH(d.handle, d.dlci, uint8(credits), data); err != nil {
			logger.Warn("frame dropped", "dlci", d.dlci, "remote", d.raddr, "bytes", len(data), "credits", credits, "err", err)
			m.stats.bytesLost.Add(int64(len(data)))
			if len(data) > 0 {
				d.upper.Complete(len(data))
			}
			m.publish(eventbus.DataLost, eventbus.DLCEvent{
				Session: s.id, DLCI: d.dlci, Local: d.laddr, Remote: d.raddr,
				Bytes: len(data), Reason: err.Error(),
			})
			if len(data) == 0 {
				// nothing was consumed, retrying would spin
				break
			}
			continue
		}

		d.pending++
		m.stats.bytesOut.Add(int64(len(data)))
		if cfc {
			if len(data) > 0 {
				d.txcred--
			}
			d.rxcred += credits
		}
	}
}

// complete accounts for n packets written by the transport.
func (m *Mux) complete(s *Session, n int) {
	for _, p := range s.tx.Complete(n) {
		d := m.handles.resolve(p.Owner)
		if d == nil || d.session != s {
			continue
		}

		if d.pending > 0 {
			d.pending--
		}
		if p.Len > 0 {
			d.upper.Complete(p.Len)
		}

		if d.state != StateOpen {
			continue
		}
		if d.flags&flagShutdown != 0 && len(d.txbuf) == 0 && d.pending == 0 {
			if err := m.sendDisc(d); err != nil {
				m.closeDLC(d, err)
			}
			continue
		}
		if s.flags&flagCFC == 0 {
			m.startDLC(d)
		}
	}
}
