package conn

import (
	"context"
	"sync"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/mux"
)

// Listener accepts channels opened by peers on one local channel.
type Listener struct {
	d    *mux.DLC
	o    options
	addr bdaddr.SockAddr

	mu      sync.Mutex
	closed  bool
	pending int // accepted by the multiplexer, not yet open
	queue   chan *Conn

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// Listen registers a listener on local. A zero device address accepts
// connections arriving on any local device.
func Listen(m *mux.Mux, local bdaddr.SockAddr, opts ...Option) (*Listener, error) {
	o := newOptions(m, opts)
	o.rxbuf = o.defaultRx
	l := &Listener{
		o:     o,
		addr:  local,
		queue: make(chan *Conn, o.backlog),
		done:  make(chan struct{}),
	}

	d, err := m.Attach(listenUpper{l})
	if err != nil {
		return nil, err
	}
	l.d = d

	if err := d.Bind(local); err != nil {
		d.Detach()
		return nil, err
	}
	if o.mode != 0 {
		if err := d.SetMode(o.mode); err != nil {
			d.Detach()
			return nil, err
		}
	}
	if err := d.Listen(); err != nil {
		d.Detach()
		return nil, err
	}

	logger.Info("listening", "local", local, "mode", o.mode)
	return l, nil
}

// Accept waits for the next open connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.queue:
		return c, nil
	default:
	}

	select {
	case c := <-l.queue:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. Connections still waiting for Accept are closed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.d.Disconnect(false)
		l.d.Detach()
		l.doneOnce.Do(func() { close(l.done) })

		for {
			select {
			case c := <-l.queue:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Addr returns the address the listener was registered on.
func (l *Listener) Addr() bdaddr.SockAddr { return l.addr }

func (l *Listener) enqueue(c *Conn) {
	l.mu.Lock()
	l.pending--
	if l.closed {
		l.mu.Unlock()
		// the multiplexer lock is held here
		go c.Close()
		return
	}
	l.queue <- c
	l.mu.Unlock()
}

func (l *Listener) abandon() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
}

type listenUpper struct{ l *Listener }

func (u listenUpper) NewConn(local, remote bdaddr.SockAddr) mux.Upper {
	l := u.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.pending+len(l.queue) >= cap(l.queue) {
		logger.Warn("refusing connection", "local", local, "remote", remote, "backlog", cap(l.queue))
		return nil
	}
	l.pending++

	c := newConn(l.o)
	c.listener = l
	return upper{c}
}

func (u listenUpper) Connected(*mux.DLC) {}

func (u listenUpper) Disconnected(err error) {
	u.l.doneOnce.Do(func() { close(u.l.done) })
}

func (u listenUpper) Complete(int) {}
func (u listenUpper) Input([]byte) {}
