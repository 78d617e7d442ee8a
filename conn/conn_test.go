package conn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/config"
	"github.com/risa-org/rfcomm/mux"
	"github.com/risa-org/rfcomm/transport"
	"github.com/risa-org/rfcomm/transport/tcp"
)

var serverAddr = bdaddr.MustParse("00:00:00:00:00:aa")

func newServer(t *testing.T) *mux.Mux {
	t.Helper()
	m, err := mux.New(config.New())
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// newClient returns a multiplexer whose dialer reaches server over a
// net.Pipe.
func newClient(t *testing.T, server *mux.Mux, local bdaddr.Addr) *mux.Mux {
	t.Helper()
	dialer := transport.DialerFunc(func(ctx context.Context, _, remote bdaddr.Addr) (transport.Adapter, error) {
		c1, c2 := net.Pipe()
		go func() {
			a, err := tcp.Open(context.Background(), c2, serverAddr)
			if err != nil {
				return
			}
			if _, err := server.Accept(a); err != nil {
				a.Close()
			}
		}()

		a, err := tcp.Open(ctx, c1, local)
		if err != nil {
			return nil, err
		}
		return a, nil
	})

	m, err := mux.New(config.New(), mux.WithDialer(dialer))
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func listen(t *testing.T, m *mux.Mux, ch uint8, opts ...Option) *Listener {
	t.Helper()
	l, err := Listen(m, bdaddr.SockAddr{Channel: ch}, opts...)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dial(t *testing.T, m *mux.Mux, ch uint8) *Conn {
	t.Helper()
	c, err := Dial(testContext(t), m, bdaddr.SockAddr{Addr: serverAddr, Channel: ch})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func accept(t *testing.T, l *Listener) *Conn {
	t.Helper()
	c, err := l.Accept(testContext(t))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAndEcho(t *testing.T) {
	server := newServer(t)
	client := newClient(t, server, bdaddr.MustParse("00:00:00:00:00:01"))
	l := listen(t, server, 3)

	c := dial(t, client, 3)
	sc := accept(t, l)

	if sc.RemoteAddr().Addr != bdaddr.MustParse("00:00:00:00:00:01") {
		t.Errorf("server sees remote %v", sc.RemoteAddr())
	}
	if c.RemoteAddr() != (bdaddr.SockAddr{Addr: serverAddr, Channel: 3}) {
		t.Errorf("client sees remote %v", c.RemoteAddr())
	}
	if c.MTU() != config.DefaultMTU {
		t.Errorf("expected mtu %d, got %d", config.DefaultMTU, c.MTU())
	}

	go func() {
		buf := make([]byte, 64)
		for {
			n, err := sc.Read(buf)
			if err != nil {
				return
			}
			if _, err := sc.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected echo %q, got %q", "hello", got)
	}
}

func TestLargeTransferUnderFlowControl(t *testing.T) {
	server := newServer(t)
	client := newClient(t, server, bdaddr.MustParse("00:00:00:00:00:01"))
	l := listen(t, server, 5)

	c := dial(t, client, 5)
	sc := accept(t, l)

	want := make([]byte, 64*1024)
	for i := range want {
		want[i] = byte(i * 7)
	}

	werr := make(chan error, 1)
	go func() {
		_, err := c.Write(want)
		werr <- err
	}()

	got := make([]byte, len(want))
	if _, err := io.ReadFull(sc, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-werr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("received data differs from what was sent")
	}
}

func TestDialRefusedWithoutListener(t *testing.T) {
	server := newServer(t)
	client := newClient(t, server, bdaddr.MustParse("00:00:00:00:00:01"))
	listen(t, server, 1)

	_, err := Dial(testContext(t), client, bdaddr.SockAddr{Addr: serverAddr, Channel: 9})
	if !errors.Is(err, mux.ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
}

func TestCloseReadsAsEOF(t *testing.T) {
	server := newServer(t)
	client := newClient(t, server, bdaddr.MustParse("00:00:00:00:00:01"))
	l := listen(t, server, 3)

	c := dial(t, client, 3)
	sc := accept(t, l)

	if _, err := c.Write([]byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := io.ReadAll(sc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("expected lingering data %q, got %q", "bye", got)
	}
	if sc.Err() != nil {
		t.Errorf("expected clean close, got %v", sc.Err())
	}

	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed writing a closed conn, got %v", err)
	}
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed reading a closed conn, got %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("expected closed, got %v", c.State())
	}
}

func TestBacklogRefusesExtraPeers(t *testing.T) {
	server := newServer(t)
	l := listen(t, server, 3, WithBacklog(1))

	first := newClient(t, server, bdaddr.MustParse("00:00:00:00:00:01"))
	dial(t, first, 3)

	second := newClient(t, server, bdaddr.MustParse("00:00:00:00:00:02"))
	_, err := Dial(testContext(t), second, bdaddr.SockAddr{Addr: serverAddr, Channel: 3})
	if !errors.Is(err, mux.ErrRefused) {
		t.Fatalf("expected ErrRefused past the backlog, got %v", err)
	}

	accept(t, l)
}

func TestAcceptAfterClose(t *testing.T) {
	server := newServer(t)
	l := listen(t, server, 3)

	l.Close()
	if _, err := l.Accept(testContext(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAcceptHonoursContext(t *testing.T) {
	server := newServer(t)
	l := listen(t, server, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateConnecting, StateOpen, true},
		{StateOpen, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateClosed, StateOpen, false},
		{StateClosing, StateOpen, false},
	}
	for _, tc := range cases {
		if got := validTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%v -> %v: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}
