package mux

import (
	"fmt"
	"strings"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/transport"
)

// Upper is the protocol sitting on top of a DLC, such as a socket adapter
// or a serial port emulation.
//
// Every method is called with the multiplexer lock held. Implementations
// must not call back into the Mux or any DLC from inside a callback; they
// should record what happened and let their own goroutines act on it.
type Upper interface {
	// NewConn is called on a listening DLC's upper when a peer asks for
	// its channel. It returns the upper for the new connection, or nil to
	// refuse it.
	NewConn(local, remote bdaddr.SockAddr) Upper

	// Connected is called once the channel is open. Data may be sent
	// from this point on.
	Connected(d *DLC)

	// Disconnected is called exactly once when the channel closes.
	// err is nil for a graceful close.
	Disconnected(err error)

	// Complete reports n bytes of sent data that left the DLC: written
	// to the link, or dropped because the transport refused them.
	Complete(n int)

	// Input delivers received data. The slice is owned by the callee.
	Input(data []byte)
}

// Mode is the link protection a DLC requires before it may open.
type Mode uint8

const (
	ModeAuth    Mode = 1 << iota // authenticated peer
	ModeEncrypt                  // encrypted link
	ModeSecure                   // secure key
)

// normalize makes stronger modes imply the weaker ones.
func (m Mode) normalize() Mode {
	if m&ModeSecure != 0 {
		m |= ModeEncrypt
	}
	if m&ModeEncrypt != 0 {
		m |= ModeAuth
	}
	return m
}

// linkMode maps channel requirements onto transport protections.
func (m Mode) linkMode() transport.LinkMode {
	var lm transport.LinkMode
	if m&ModeAuth != 0 {
		lm |= transport.LinkAuth
	}
	if m&ModeEncrypt != 0 {
		lm |= transport.LinkEncrypt
	}
	if m&ModeSecure != 0 {
		lm |= transport.LinkSecure
	}
	return lm
}

func (m Mode) String() string {
	switch {
	case m&ModeSecure != 0:
		return "secure"
	case m&ModeEncrypt != 0:
		return "encrypt"
	case m&ModeAuth != 0:
		return "auth"
	default:
		return ""
	}
}

// ParseMode reads the names used in configuration files.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return 0, nil
	case "auth":
		return ModeAuth, nil
	case "encrypt":
		return ModeEncrypt.normalize(), nil
	case "secure":
		return ModeSecure.normalize(), nil
	default:
		return 0, fmt.Errorf("%w: mode %q", ErrInvalidParam, s)
	}
}
