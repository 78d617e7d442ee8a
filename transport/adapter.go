package transport

import (
	"context"
	"errors"

	"github.com/risa-org/rfcomm/bdaddr"
)

var (
	// ErrTransportClosed is returned when you try to send on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTransportBusy is returned when the outbound queue is full.
	// Send never blocks; the caller decides whether to drop or retry.
	ErrTransportBusy = errors.New("transport busy")

	// ErrLinkModeUnsupported is returned by SetLinkMode when the underlying
	// connection cannot provide the requested protection.
	ErrLinkModeUnsupported = errors.New("link mode not supported by transport")
)

// LinkMode is the set of protections requested from the link below the
// multiplexer.
type LinkMode uint8

const (
	LinkAuth    LinkMode = 1 << iota // peer must be authenticated
	LinkEncrypt                      // link must be encrypted
	LinkSecure                       // link must use a secure (authenticated + encrypted) key
)

func (m LinkMode) String() string {
	if m == 0 {
		return "none"
	}
	s := ""
	for _, f := range []struct {
		bit  LinkMode
		name string
	}{{LinkAuth, "auth"}, {LinkEncrypt, "encrypt"}, {LinkSecure, "secure"}} {
		if m&f.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	return s
}

// DisconnectReason tells the multiplexer why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network-error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close, populated on errors
}

// Adapter is one L2CAP-like channel: an ordered, reliable, packet oriented
// link between two devices. The multiplexer only ever talks to this
// interface.
type Adapter interface {
	// Send queues one packet for transmission. It never blocks: it
	// returns ErrTransportBusy when the queue is full and
	// ErrTransportClosed once the transport is down.
	Send(pkt []byte) error

	// Receive returns a channel that emits incoming packets.
	// The channel is closed when the transport closes.
	Receive() <-chan []byte

	// Completed emits the number of queued packets that have been
	// written to the link since the last value.
	Completed() <-chan int

	// Disconnected returns a channel that emits exactly one DisconnectEvent
	// when the transport closes, for any reason.
	Disconnected() <-chan DisconnectEvent

	// LocalAddr and RemoteAddr return the device addresses of both ends.
	LocalAddr() bdaddr.Addr
	RemoteAddr() bdaddr.Addr

	// SetLinkMode applies the requested protections to the link.
	SetLinkMode(mode LinkMode) error

	// Close shuts down the transport cleanly.
	// Safe to call multiple times; later calls are no-ops.
	Close() error
}

// Dialer opens outbound transports to remote devices.
type Dialer interface {
	Dial(ctx context.Context, local, remote bdaddr.Addr) (Adapter, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, local, remote bdaddr.Addr) (Adapter, error)

func (f DialerFunc) Dial(ctx context.Context, local, remote bdaddr.Addr) (Adapter, error) {
	return f(ctx, local, remote)
}
