package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/mgutz/logxi/v1"
	"nhooyr.io/websocket"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/transport"
)

var logger = log.New("websocket")

// SetLogLevel sets the level of the package logger, e.g. log.LevelDebug.
// The LOGXI environment variable sets it at startup.
func SetLogLevel(level int) { logger.SetLevel(level) }

// QueueSize is the number of packets Send may queue.
const QueueSize = 256

// Adapter implements transport.Adapter over a WebSocket connection.
// WebSocket already has message boundaries built in, so every packet is
// one binary message. The first message in each direction carries the
// sender's 6 byte device address.
type Adapter struct {
	conn   *websocket.Conn
	local  bdaddr.Addr
	remote bdaddr.Addr
	secure bool

	incoming   chan []byte
	outgoing   chan []byte
	completed  chan int
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	mode transport.LinkMode
}

// Open exchanges device addresses over an established connection and
// starts the read and write loops. secure tells the adapter the
// connection runs over TLS (wss), which lets it accept link modes.
func Open(ctx context.Context, conn *websocket.Conn, local bdaddr.Addr, secure bool) (*Adapter, error) {
	if err := conn.Write(ctx, websocket.MessageBinary, local[:]); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fault.Wrap(err,
			fctx.With(ctx, "error_at", "ws-handshake-write"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot write local device address"),
		)
	}

	typ, b, err := conn.Read(ctx)
	if err == nil && (typ != websocket.MessageBinary || len(b) != len(bdaddr.Addr{})) {
		err = fmt.Errorf("websocket: malformed address message of %d bytes", len(b))
	}
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake")
		return nil, fault.Wrap(err,
			fctx.With(ctx, "error_at", "ws-handshake-read"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot read peer device address"),
		)
	}

	var remote bdaddr.Addr
	copy(remote[:], b)

	lctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		conn:       conn,
		local:      local,
		remote:     remote,
		secure:     secure,
		incoming:   make(chan []byte, 64),
		outgoing:   make(chan []byte, QueueSize),
		completed:  make(chan int, 1),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        lctx,
		cancel:     cancel,
	}
	go a.readLoop()
	go a.writeLoop()
	return a, nil
}

func (a *Adapter) Send(pkt []byte) error {
	if a.ctx.Err() != nil {
		return transport.ErrTransportClosed
	}
	select {
	case a.outgoing <- pkt:
		return nil
	default:
		return transport.ErrTransportBusy
	}
}

func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

func (a *Adapter) Completed() <-chan int {
	return a.completed
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) LocalAddr() bdaddr.Addr  { return a.local }
func (a *Adapter) RemoteAddr() bdaddr.Addr { return a.remote }

// SetLinkMode accepts any protection on a secure connection and none otherwise.
func (a *Adapter) SetLinkMode(mode transport.LinkMode) error {
	if mode != 0 && !a.secure {
		return transport.ErrLinkModeUnsupported
	}
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (a *Adapter) writeLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case pkt := <-a.outgoing:
			if err := a.conn.Write(a.ctx, websocket.MessageBinary, pkt); err != nil {
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

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		typ, b, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		if typ != websocket.MessageBinary {
			logger.Warn("dropping text message", "remote", a.remote)
			continue
		}

		select {
		case a.incoming <- b:
		case <-a.ctx.Done():
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes.
// Different implementations and shutdown timing produce either code.
// A peer that closes first cancels its reader before the close handshake,
// so its end of the connection reads as EOF.
// Context cancellation means we closed it ourselves.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}

// Handler upgrades HTTP requests to adapters and passes each one to
// accept. The handler returns once the adapter closes.
func Handler(local bdaddr.Addr, accept func(*Adapter) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		a, err := Open(r.Context(), conn, local, r.TLS != nil)
		if err != nil {
			logger.Warn("handshake failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		if err := accept(a); err != nil {
			logger.Warn("adapter refused", "remote", a.RemoteAddr(), "err", err)
			a.Close()
			return
		}
		<-a.ctx.Done()
	})
}

// Dialer reaches remote devices at the URLs returned by Resolve.
type Dialer struct {
	// Resolve maps a device address to a ws:// or wss:// URL.
	Resolve func(bdaddr.Addr) (string, bool)
}

// Dial connects to the remote device and performs the address exchange.
func (d *Dialer) Dial(ctx context.Context, local, remote bdaddr.Addr) (transport.Adapter, error) {
	url, ok := d.Resolve(remote)
	if !ok {
		return nil, fault.Wrap(fmt.Errorf("websocket: no url for %s", remote),
			fctx.With(ctx, "error_at", "ws-resolve", "remote", remote.String()),
			ftag.With(ftag.NotFound),
		)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(ctx, "error_at", "ws-dial", "url", url),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot reach remote device"),
		)
	}

	a, err := Open(ctx, conn, local, strings.HasPrefix(url, "wss://"))
	if err != nil {
		return nil, err
	}
	if a.RemoteAddr() != remote {
		a.Close()
		return nil, fmt.Errorf("websocket: peer address mismatch: wanted %s, got %s", remote, a.RemoteAddr())
	}
	return a, nil
}
