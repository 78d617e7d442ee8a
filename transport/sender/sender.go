package sender

import (
	"github.com/risa-org/rfcomm/frame"
	"github.com/risa-org/rfcomm/transport"
)

// Pending is one packet handed to the transport whose completion has not
// been reported yet.
type Pending struct {
	Owner uint64 // handle of the DLC that sent it; 0 for session frames or once the DLC closed
	Len   int    // data bytes carried, 0 for control and credit-only frames
}

// Sender is the single place where a session's frames are encoded, sent,
// and then recorded in the pending queue.
//
// The transport reports completions as a bare count of packets, so every
// packet that left must have exactly one queue entry, and none that did
// not leave may have one:
//  1. An entry is only recorded if the transport send succeeds. A failed
//     send is not queued, so no phantom completions.
//  2. Control frames are recorded too, with no owner, so counts stay aligned.
type Sender struct {
	adapter   transport.Adapter
	initiator bool
	queue     []Pending
}

// New creates a Sender that delivers frames via adapter. initiator selects
// the C/R bit convention: the side that opened the multiplexer sets C/R
// on its commands.
func New(adapter transport.Adapter, initiator bool) *Sender {
	return &Sender{adapter: adapter, initiator: initiator}
}

// SendFrame sends a SABM, UA, DM or DISC frame with P/F set.
func (s *Sender) SendFrame(typ frame.Type, dlci uint8) error {
	cr := s.initiator
	if typ == frame.UA || typ == frame.DM {
		cr = !cr
	}

	f := frame.Frame{DLCI: dlci, CR: cr, Type: typ, PF: true}
	return s.send(&f, 0, 0)
}

// SendUIH sends data and/or a credit grant for a DLC and records the
// frame against owner.
func (s *Sender) SendUIH(owner uint64, dlci uint8, credits uint8, data []byte) error {
	f := frame.Frame{DLCI: dlci, CR: s.initiator, Type: frame.UIH, Credits: credits, Data: data}
	return s.send(&f, owner, len(data))
}

// SendMCC sends a multiplexer control message on DLCI 0.
func (s *Sender) SendMCC(command bool, typ frame.MCCType, data []byte) error {
	m := frame.MCC{Type: typ, Command: command, Data: data}
	f := frame.Frame{DLCI: 0, CR: s.initiator, Type: frame.UIH, Data: m.Marshal()}
	return s.send(&f, 0, 0)
}

func (s *Sender) send(f *frame.Frame, owner uint64, n int) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}

	if err := s.adapter.Send(b); err != nil {
		// the packet never left, do not record it
		return err
	}

	s.queue = append(s.queue, Pending{Owner: owner, Len: n})
	return nil
}

// Invalidate clears owner from every queued entry. The entries stay in
// place: they still account for packets the transport will complete.
func (s *Sender) Invalidate(owner uint64) {
	for i := range s.queue {
		if s.queue[i].Owner == owner {
			s.queue[i].Owner = 0
		}
	}
}

// Complete removes the n oldest entries and returns them.
func (s *Sender) Complete(n int) []Pending {
	if n > len(s.queue) {
		n = len(s.queue)
	}
	if n <= 0 {
		return nil
	}

	done := make([]Pending, n)
	copy(done, s.queue[:n])
	s.queue = s.queue[n:]
	return done
}

// Outstanding returns the number of packets awaiting completion.
func (s *Sender) Outstanding() int {
	return len(s.queue)
}
