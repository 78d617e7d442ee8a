package conn

import (
	"time"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/mux"
)

// DefaultBacklog is the number of established connections a Listener
// holds for Accept.
const DefaultBacklog = 8

// Option configures Dial and Listen.
type Option func(*options)

type options struct {
	defaultRx int

	local   bdaddr.SockAddr
	mode    mux.Mode
	mtu     int
	backlog int
	linger  time.Duration
	rxbuf   int
	txbuf   int
}

func newOptions(m *mux.Mux, opts []Option) options {
	cfg := m.Config()
	o := options{
		defaultRx: cfg.RxBufSize,
		backlog:   DefaultBacklog,
		linger:    cfg.AckTimeout,
		rxbuf:     cfg.RxBufSize,
		txbuf:     cfg.TxBufSize,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithLocal binds the local side of a dialed connection.
func WithLocal(addr bdaddr.SockAddr) Option {
	return func(o *options) { o.local = addr }
}

// WithMode sets the link protection the channel requires.
func WithMode(mode mux.Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithMTU sets the frame size offered when dialing.
func WithMTU(mtu int) Option {
	return func(o *options) { o.mtu = mtu }
}

// WithBacklog bounds the connections waiting for Accept. Further peers
// are refused.
func WithBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backlog = n
		}
	}
}

// WithReadBuffer sets the receive window of a dialed connection.
// Accepted connections use the multiplexer's configured size.
func WithReadBuffer(size int) Option {
	return func(o *options) { o.rxbuf = size }
}

// WithWriteBuffer bounds the bytes a connection has in flight before
// Write blocks.
func WithWriteBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.txbuf = size
		}
	}
}

// WithLinger bounds how long Close waits for queued data to drain.
func WithLinger(d time.Duration) Option {
	return func(o *options) { o.linger = d }
}
