package main

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/conn"
	"github.com/risa-org/rfcomm/mux"
)

func send(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("send needs <device-address> <channel>", 2)
	}
	remote, err := bdaddr.Parse(c.Args().Get(0))
	if err != nil {
		return err
	}
	ch, err := strconv.ParseUint(c.Args().Get(1), 10, 8)
	if err != nil {
		return err
	}
	mode, err := mux.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := addPeers(&cfg, c.StringSlice("peer")); err != nil {
		return err
	}
	local, err := localAddr(c, cfg)
	if err != nil {
		return err
	}
	cfg.Local = local

	m, err := mux.New(cfg, mux.WithDialer(peerDialer(cfg)))
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	rc, err := conn.Dial(ctx, m, bdaddr.SockAddr{Addr: remote, Channel: uint8(ch)},
		conn.WithLocal(bdaddr.SockAddr{Addr: local}),
		conn.WithMode(mode),
	)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		io.Copy(os.Stdout, rc)
		close(done)
	}()

	n, err := io.Copy(rc, os.Stdin)
	logger.Debug("stdin done", "bytes", n, "err", err)
	rc.Close()
	<-done

	st := m.Stats()
	logger.Info("sent", "bytes_out", st.BytesOut, "bytes_in", st.BytesIn, "bytes_lost", st.BytesLost)
	return err
}
