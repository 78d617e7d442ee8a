package tcp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/mgutz/logxi/v1"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/transport"
)

var logger = log.New("tcp")

// SetLogLevel sets the level of the package logger, e.g. log.LevelDebug.
// The LOGXI environment variable sets it at startup.
func SetLogLevel(level int) { logger.SetLevel(level) }

const (
	// CID is the dynamic channel id written into every B-frame header.
	CID = 0x0040

	// QueueSize is the number of packets Send may queue before
	// reporting ErrTransportBusy.
	QueueSize = 256

	headerSize = 4
)

// ErrPeerMismatch is returned by Dial when the device answering at the
// configured network address is not the one that was asked for.
var ErrPeerMismatch = errors.New("tcp: peer address mismatch")

// Adapter implements transport.Adapter over a stream connection by
// framing every packet as an L2CAP B-frame:
//
//	[2 bytes: payload length LE][2 bytes: channel id LE][N bytes: payload]
//
// Before any packet flows both ends write their 6 byte device address,
// which is what LocalAddr and RemoteAddr report.
type Adapter struct {
	conn   net.Conn
	local  bdaddr.Addr
	remote bdaddr.Addr

	incoming   chan []byte                    // delivers received packets to caller
	outgoing   chan []byte                    // queued by Send, drained by writeLoop
	completed  chan int                       // packets written since last read
	disconnect chan transport.DisconnectEvent // signals when connection closes
	closed     chan struct{}
	closeOnce  sync.Once // guarantees cleanup runs exactly once

	mu   sync.Mutex
	mode transport.LinkMode
}

// Open exchanges device addresses over an established connection and
// starts the read and write loops. The connection may come from a dial
// or an accept; both sides call Open.
func Open(ctx context.Context, conn net.Conn, local bdaddr.Addr) (*Adapter, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	// net.Pipe is synchronous, so write while reading
	werr := make(chan error, 1)
	go func() {
		_, err := conn.Write(local[:])
		werr <- err
	}()

	var remote bdaddr.Addr
	if _, err := io.ReadFull(conn, remote[:]); err != nil {
		conn.Close()
		return nil, fault.Wrap(err,
			fctx.With(ctx, "error_at", "tcp-handshake-read"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot read peer device address"),
		)
	}
	if err := <-werr; err != nil {
		conn.Close()
		return nil, fault.Wrap(err,
			fctx.With(ctx, "error_at", "tcp-handshake-write"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot write local device address"),
		)
	}

	return newAdapter(conn, local, remote), nil
}

func newAdapter(conn net.Conn, local, remote bdaddr.Addr) *Adapter {
	a := &Adapter{
		conn:       conn,
		local:      local,
		remote:     remote,
		incoming:   make(chan []byte, 64),
		outgoing:   make(chan []byte, QueueSize),
		completed:  make(chan int, 1),
		disconnect: make(chan transport.DisconnectEvent, 1),
		closed:     make(chan struct{}),
	}

	go a.readLoop()
	go a.writeLoop()

	return a
}

// Send queues a packet for the write loop.
func (a *Adapter) Send(pkt []byte) error {
	if len(pkt) > 0xffff {
		return fmt.Errorf("tcp: packet of %d bytes exceeds B-frame limit", len(pkt))
	}

	select {
	case <-a.closed:
		return transport.ErrTransportClosed
	default:
	}

	select {
	case a.outgoing <- pkt:
		return nil
	default:
		return transport.ErrTransportBusy
	}
}

// Receive returns the channel of incoming packets.
func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

// Completed returns the channel of written packet counts.
func (a *Adapter) Completed() <-chan int {
	return a.completed
}

// Disconnected returns a channel that emits exactly one event when
// the connection closes, for any reason.
func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) LocalAddr() bdaddr.Addr  { return a.local }
func (a *Adapter) RemoteAddr() bdaddr.Addr { return a.remote }

// SetLinkMode accepts any protection on a TLS connection and none on a
// plain one.
func (a *Adapter) SetLinkMode(mode transport.LinkMode) error {
	if mode != 0 {
		if _, ok := a.conn.(*tls.Conn); !ok {
			return transport.ErrLinkModeUnsupported
		}
	}

	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
	return nil
}

// LinkMode returns the protections last applied.
func (a *Adapter) LinkMode() transport.LinkMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Close shuts down the connection cleanly.
// Safe to call multiple times, cleanup runs once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

// writeLoop frames queued packets onto the connection and reports
// each written packet on the completed channel.
func (a *Adapter) writeLoop() {
	for {
		select {
		case <-a.closed:
			return
		case pkt := <-a.outgoing:
			buf := make([]byte, headerSize+len(pkt))
			binary.LittleEndian.PutUint16(buf[0:], uint16(len(pkt)))
			binary.LittleEndian.PutUint16(buf[2:], CID)
			copy(buf[headerSize:], pkt)

			if _, err := a.conn.Write(buf); err != nil {
				logger.Debug("write failed", "remote", a.remote, "err", err)
				a.signalDisconnect(err)
				a.Close()
				return
			}
			a.complete(1)
		}
	}
}

// complete adds n to the pending completion count, merging with a value
// the reader has not collected yet.
func (a *Adapter) complete(n int) {
	for {
		select {
		case a.completed <- n:
			return
		case old := <-a.completed:
			n += old
		}
	}
}

// readLoop runs in a goroutine and continuously reads B-frames from the
// connection. When the connection closes it signals disconnect and exits.
func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(a.conn, hdr[:]); err != nil {
			a.signalDisconnect(err)
			return
		}

		length := binary.LittleEndian.Uint16(hdr[0:])
		if cid := binary.LittleEndian.Uint16(hdr[2:]); cid != CID {
			a.signalDisconnect(fmt.Errorf("tcp: unexpected channel id %#04x", cid))
			return
		}

		pkt := make([]byte, length)
		if _, err := io.ReadFull(a.conn, pkt); err != nil {
			a.signalDisconnect(err)
			return
		}

		select {
		case a.incoming <- pkt:
		case <-a.closed:
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect figures out the reason for disconnection and
// sends exactly one event on the disconnect channel.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	select {
	case <-a.closed:
		// we closed it ourselves
		event.Reason = transport.ReasonClosedClean
	default:
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			event.Reason = transport.ReasonClosedClean
		} else {
			event.Reason = transport.ReasonNetworkError
			event.Err = err
		}
	}

	select {
	case a.disconnect <- event:
	default:
	}
}

// Dialer reaches remote devices at the network addresses returned by Resolve.
type Dialer struct {
	// Resolve maps a device address to host:port.
	Resolve func(bdaddr.Addr) (string, bool)

	// TLS, when set, wraps every connection in a TLS client.
	TLS *tls.Config
}

// Dial connects to the remote device and performs the address exchange.
func (d *Dialer) Dial(ctx context.Context, local, remote bdaddr.Addr) (transport.Adapter, error) {
	hostport, ok := d.Resolve(remote)
	if !ok {
		return nil, fault.Wrap(fmt.Errorf("tcp: no network address for %s", remote),
			fctx.With(ctx, "error_at", "tcp-resolve", "remote", remote.String()),
			ftag.With(ftag.NotFound),
		)
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(ctx, "error_at", "tcp-dial", "hostport", hostport),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot reach remote device"),
		)
	}
	if d.TLS != nil {
		conn = tls.Client(conn, d.TLS)
	}

	a, err := Open(ctx, conn, local)
	if err != nil {
		return nil, err
	}
	if a.RemoteAddr() != remote {
		a.Close()
		return nil, fmt.Errorf("%w: wanted %s, got %s", ErrPeerMismatch, remote, a.RemoteAddr())
	}
	return a, nil
}
