package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/config"
	"github.com/risa-org/rfcomm/conn"
	"github.com/risa-org/rfcomm/eventbus"
	"github.com/risa-org/rfcomm/mux"
	"github.com/risa-org/rfcomm/transport/tcp"
	"github.com/risa-org/rfcomm/transport/websocket"
)

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	local, err := localAddr(c, cfg)
	if err != nil {
		return err
	}

	listeners := cfg.Listeners
	for _, ch := range c.IntSlice("channel") {
		listeners = append(listeners, config.Listener{Channel: uint8(ch), Mode: c.String("mode")})
	}
	if len(listeners) == 0 {
		return cli.NewExitError("nothing to serve: pass --channel or configure listeners", 2)
	}

	bus := eventbus.New(64)
	defer bus.Shutdown()
	printEvents(bus)

	m, err := mux.New(cfg, mux.WithEvents(bus), mux.WithDialer(peerDialer(cfg)))
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, lc := range listeners {
		mode, err := mux.ParseMode(lc.Mode)
		if err != nil {
			return err
		}
		l, err := conn.Listen(m, bdaddr.SockAddr{Addr: lc.Address, Channel: lc.Channel}, conn.WithMode(mode))
		if err != nil {
			return err
		}
		defer l.Close()
		go acceptLoop(ctx, l)
	}

	if addr := c.String("tcp"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		defer ln.Close()
		logger.Info("tcp listening", "addr", ln.Addr(), "local", local)
		go serveTCP(ctx, ln, m, local)
	}

	if addr := c.String("ws"); addr != "" {
		srv := &http.Server{
			Addr: addr,
			Handler: websocket.Handler(local, func(a *websocket.Adapter) error {
				_, err := m.Accept(a)
				return err
			}),
		}
		defer srv.Close()
		logger.Info("websocket listening", "addr", addr, "local", local)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket server failed", "err", err)
				cancel()
			}
		}()
	}

	if every := c.Duration("stats"); every > 0 {
		go logStats(ctx, m, every)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func serveTCP(ctx context.Context, ln net.Listener, m *mux.Mux, local bdaddr.Addr) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("tcp accept failed", "err", err)
			}
			return
		}

		go func() {
			hctx, cancel := context.WithTimeout(ctx, m.Config().AckTimeout)
			defer cancel()

			a, err := tcp.Open(hctx, nc, local)
			if err != nil {
				logger.Warn("tcp handshake failed", "remote", nc.RemoteAddr(), "err", err)
				return
			}
			if _, err := m.Accept(a); err != nil {
				logger.Warn("transport refused", "remote", a.RemoteAddr(), "err", err)
				a.Close()
			}
		}()
	}
}

func acceptLoop(ctx context.Context, l *conn.Listener) {
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			return
		}
		go echo(c)
	}
}

func echo(c *conn.Conn) {
	defer c.Close()

	n, err := io.Copy(c, c)
	logger.Info("peer done", "remote", c.RemoteAddr(), "bytes", n, "err", err)
}

func printEvents(bus *eventbus.Bus) {
	for _, id := range eventbus.AllEvents() {
		sub := bus.Subscribe(id)
		go func(id eventbus.EventID) {
			for data := range sub.C {
				line, err := eventbus.Render(id, data)
				if err != nil {
					logger.Warn("cannot render event", "event", id, "err", err)
					continue
				}
				fmt.Println(line)
			}
		}(id)
	}
}

func logStats(ctx context.Context, m *mux.Mux, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := m.Stats()
			logger.Info("stats",
				"sessions", st.Sessions, "listeners", st.Listeners, "dlcs", st.DLCs,
				"frames_in", st.FramesIn, "bad_frames", st.BadFrames, "rejected", st.Rejected,
				"bytes_in", st.BytesIn, "bytes_out", st.BytesOut, "bytes_lost", st.BytesLost,
			)
			for _, s := range m.Sessions() {
				logger.Debug("session", "id", s.ID, "state", s.State, "remote", s.Remote, "dlcs", s.DLCs, "cfc", s.CFC)
			}
		}
	}
}
