// Command rfcommd runs an RFCOMM multiplexer over TCP or WebSocket links.
//
// The serve command registers channel listeners and echoes whatever a
// peer writes. The send command dials a channel and copies stdin to it.
package main

import (
	"os"
	"time"

	log "github.com/mgutz/logxi/v1"
	"github.com/urfave/cli"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/bluez"
	"github.com/risa-org/rfcomm/config"
	"github.com/risa-org/rfcomm/conn"
	"github.com/risa-org/rfcomm/mux"
	"github.com/risa-org/rfcomm/transport/tcp"
	"github.com/risa-org/rfcomm/transport/websocket"
)

var logger = log.New("rfcommd")

func main() {
	app := cli.NewApp()

	app.Name = "rfcommd"
	app.Usage = "RFCOMM multiplexer over TCP and WebSocket links"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "JSON configuration file"},
		cli.StringFlag{Name: "local, l", Usage: "local device address (default: config, then BlueZ)"},
		cli.BoolFlag{Name: "debug", Usage: "log every package at debug level (LOGXI=*=DBG does the same)"},
	}

	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "Register channel listeners and echo data back to peers",
			Action: serve,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "tcp", Value: ":4000", Usage: "TCP listen address, empty to disable"},
				cli.StringFlag{Name: "ws", Usage: "WebSocket listen address"},
				cli.IntSliceFlag{Name: "channel", Usage: "server channel to listen on (repeatable)"},
				cli.StringFlag{Name: "mode", Usage: "link mode for flag channels: auth, encrypt or secure"},
				cli.DurationFlag{Name: "stats", Value: time.Minute, Usage: "statistics log interval, 0 to disable"},
			},
		},
		{
			Name:      "send",
			Usage:     "Dial a peer channel and send stdin",
			ArgsUsage: "<device-address> <channel>",
			Action:    send,
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "peer", Usage: "device=host:port or device=ws://url (repeatable)"},
				cli.StringFlag{Name: "mode", Usage: "link mode: auth, encrypt or secure"},
				cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "connect timeout"},
			},
		},
		{
			Name:      "init-config",
			Usage:     "Write a configuration file holding the defaults",
			ArgsUsage: "<path>",
			Action:    initConfig,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	if c.GlobalBool("debug") {
		for _, set := range []func(int){
			logger.SetLevel,
			mux.SetLogLevel,
			conn.SetLogLevel,
			tcp.SetLogLevel,
			websocket.SetLogLevel,
		} {
			set(log.LevelDebug)
		}
	}
	return nil
}

func loadConfig(c *cli.Context) (config.Configuration, error) {
	path := c.GlobalString("config")
	if path == "" {
		return config.New(), nil
	}
	return config.Load(path)
}

// localAddr picks the local device address: the flag, then the
// configuration, then the first powered BlueZ adapter.
func localAddr(c *cli.Context, cfg config.Configuration) (bdaddr.Addr, error) {
	if s := c.GlobalString("local"); s != "" {
		return bdaddr.Parse(s)
	}
	if !cfg.Local.IsAny() {
		return cfg.Local, nil
	}

	addr, err := bluez.DefaultAddress()
	if err != nil {
		return bdaddr.Any, cli.NewExitError("no local address: pass --local or set it in the configuration", 2)
	}
	logger.Info("using BlueZ adapter", "addr", addr)
	return addr, nil
}

func initConfig(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("init-config needs a path", 2)
	}
	return config.New().Save(path)
}
