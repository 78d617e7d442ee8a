// Package conn provides blocking stream connections over RFCOMM channels,
// in the shape of net.Conn and net.Listener.
package conn

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	log "github.com/mgutz/logxi/v1"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/mux"
)

var logger = log.New("conn")

// SetLogLevel sets the level of the package logger, e.g. log.LevelDebug.
// The LOGXI environment variable sets it at startup.
func SetLogLevel(level int) { logger.SetLevel(level) }

// ErrClosed is returned by operations on a connection or listener that
// was closed locally.
var ErrClosed = errors.New("conn: use of closed connection")

// Conn is a reliable byte stream over one DLC.
//
// Reads hand receive window back to the multiplexer, so a slow reader
// throttles the peer through credits. Writes block while TxBufSize bytes
// are still on their way to the link.
type Conn struct {
	d *mux.DLC

	mu     sync.Mutex
	cond   *sync.Cond
	state  State
	err    error // why the channel closed; nil when the peer closed it cleanly
	opened bool
	local  bool // closed by Close

	rbuf []byte
	rcap int

	inflight int
	tcap     int
	linger   time.Duration

	ready     chan struct{} // closed once the channel opens or fails
	readyOnce sync.Once
	done      chan struct{} // closed when the channel closes
	doneOnce  sync.Once
	closeOnce sync.Once

	listener *Listener // set for connections handed out by a Listener
}

func newConn(o options) *Conn {
	c := &Conn{
		rcap:   o.rxbuf,
		tcap:   o.txbuf,
		linger: o.linger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Dial opens a channel to remote and waits until it is usable.
func Dial(ctx context.Context, m *mux.Mux, remote bdaddr.SockAddr, opts ...Option) (*Conn, error) {
	o := newOptions(m, opts)
	c := newConn(o)

	d, err := m.Attach(upper{c})
	if err != nil {
		return nil, err
	}
	c.d = d

	if err := configure(d, o); err != nil {
		d.Detach()
		return nil, err
	}
	if err := d.Connect(remote); err != nil {
		d.Detach()
		return nil, fault.Wrap(err,
			fctx.With(ctx, "remote", remote.String()),
			fmsg.With("connect failed"),
		)
	}

	select {
	case <-c.ready:
	case <-ctx.Done():
		d.Detach()
		return nil, fault.Wrap(ctx.Err(),
			fctx.With(ctx, "remote", remote.String()),
			fmsg.With("connect cancelled"),
		)
	}

	c.mu.Lock()
	opened, cerr := c.opened, c.err
	c.mu.Unlock()

	if !opened {
		d.Detach()
		if cerr == nil {
			cerr = mux.ErrReset
		}
		return nil, fault.Wrap(cerr,
			fctx.With(ctx, "remote", remote.String()),
			fmsg.With("connect failed"),
		)
	}

	logger.Debug("dialed", "remote", remote, "mtu", d.MTU())
	return c, nil
}

func configure(d *mux.DLC, o options) error {
	if o.local != (bdaddr.SockAddr{}) {
		if err := d.Bind(o.local); err != nil {
			return err
		}
	}
	if o.mode != 0 {
		if err := d.SetMode(o.mode); err != nil {
			return err
		}
	}
	if o.mtu != 0 {
		if err := d.SetMTU(o.mtu); err != nil {
			return err
		}
	}
	if o.rxbuf != o.defaultRx {
		if err := d.SetRxBufSize(o.rxbuf); err != nil {
			return err
		}
	}
	return nil
}

// Read reads received data, blocking until some is available or the
// channel closes. A clean close by the peer reads as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	for len(c.rbuf) == 0 && c.state == StateOpen {
		c.cond.Wait()
	}
	if len(c.rbuf) == 0 {
		err := c.errLocked()
		c.mu.Unlock()
		return 0, err
	}

	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	space := c.rcap - len(c.rbuf)
	c.mu.Unlock()

	c.d.Rcvd(space)
	return n, nil
}

// Write queues p on the channel, blocking while the transmit window
// is full.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		c.mu.Lock()
		for c.state == StateOpen && c.inflight >= c.tcap {
			c.cond.Wait()
		}
		if c.state != StateOpen {
			err := c.errLocked()
			c.mu.Unlock()
			if err == io.EOF {
				err = io.ErrClosedPipe
			}
			return total, err
		}
		n := min(len(p), c.tcap-c.inflight)
		c.inflight += n
		c.mu.Unlock()

		if err := c.d.Send(p[:n]); err != nil {
			c.mu.Lock()
			c.inflight -= n
			c.mu.Unlock()
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close sends what is still queued, waits up to the linger time for the
// peer to acknowledge the disconnect, and releases the channel.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasOpen := c.state == StateOpen
		c.local = true
		c.transition(StateClosing)
		c.cond.Broadcast()
		c.mu.Unlock()

		if wasOpen {
			if err := c.d.Disconnect(true); err == nil {
				select {
				case <-c.done:
				case <-time.After(c.linger):
					logger.Warn("linger expired", "remote", c.d.RemoteAddr())
				}
			}
		}
		c.d.Detach()

		c.mu.Lock()
		c.transition(StateClosed)
		c.mu.Unlock()
	})
	return nil
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the channel closed, nil while it is open or after a
// clean close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the channel closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) LocalAddr() bdaddr.SockAddr  { return c.d.LocalAddr() }
func (c *Conn) RemoteAddr() bdaddr.SockAddr { return c.d.RemoteAddr() }
func (c *Conn) MTU() int                    { return c.d.MTU() }

func (c *Conn) transition(next State) {
	if validTransition(c.state, next) {
		c.state = next
	}
}

// errLocked reports why no more data flows.
func (c *Conn) errLocked() error {
	switch {
	case c.local:
		return ErrClosed
	case c.err != nil:
		return c.err
	default:
		return io.EOF
	}
}

// upper receives multiplexer callbacks for a Conn. It runs under the
// multiplexer lock and only touches the Conn's own state.
type upper struct{ c *Conn }

func (u upper) NewConn(local, remote bdaddr.SockAddr) mux.Upper { return nil }

func (u upper) Connected(d *mux.DLC) {
	c := u.c
	c.mu.Lock()
	if c.d == nil {
		c.d = d
	}
	c.opened = true
	c.transition(StateOpen)
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	if c.listener != nil {
		c.listener.enqueue(c)
	}
}

func (u upper) Disconnected(err error) {
	c := u.c
	c.mu.Lock()
	opened := c.opened
	c.err = err
	c.transition(StateClosed)
	c.cond.Broadcast()
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	c.doneOnce.Do(func() { close(c.done) })
	if c.listener != nil && !opened {
		c.listener.abandon()
	}
}

func (u upper) Complete(n int) {
	c := u.c
	c.mu.Lock()
	c.inflight = max(c.inflight-n, 0)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (u upper) Input(data []byte) {
	c := u.c
	c.mu.Lock()
	c.rbuf = append(c.rbuf, data...)
	c.cond.Broadcast()
	c.mu.Unlock()
}
