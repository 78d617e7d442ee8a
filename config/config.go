package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/ugorji/go/codec"

	"github.com/risa-org/rfcomm/bdaddr"
)

const (
	// DefaultMTU is the frame payload size offered in parameter negotiation.
	DefaultMTU = 127

	// MinMTU and MaxMTU bound what a peer may negotiate.
	MinMTU = 23
	MaxMTU = 32767

	// DefaultRxBufSize is the receive window of a channel. Credits granted
	// to the peer never exceed DefaultRxBufSize / MTU.
	DefaultRxBufSize = 4096

	// DefaultTxBufSize bounds the bytes a socket may have in flight.
	DefaultTxBufSize = 4096

	// DefaultAckTimeout guards SABM, DISC and empty sessions.
	DefaultAckTimeout = 20 * time.Second

	// DefaultMCCTimeout guards PN and MSC exchanges.
	DefaultMCCTimeout = 60 * time.Second
)

var ErrInvalid = errors.New("invalid configuration")

// Listener describes one channel the daemon registers at startup.
type Listener struct {
	Address bdaddr.Addr `json:"address"`
	Channel uint8       `json:"channel"`

	// Mode names the link mode the channel requires:
	// "", "auth", "encrypt" or "secure".
	Mode string `json:"mode,omitempty"`
}

// Configuration describes a multiplexer configuration.
type Configuration struct {
	MTU       int `json:"mtu"`
	MinMTU    int `json:"min_mtu"`
	MaxMTU    int `json:"max_mtu"`
	RxBufSize int `json:"rx_buf_size"`
	TxBufSize int `json:"tx_buf_size"`

	AckTimeout time.Duration `json:"ack_timeout"`
	MCCTimeout time.Duration `json:"mcc_timeout"`

	// Local is the address used when a transport does not report one.
	Local bdaddr.Addr `json:"local"`

	// Listeners are registered by the daemon at startup.
	Listeners []Listener `json:"listeners,omitempty"`

	// Peers maps device addresses to the network address a dialer
	// reaches them at, e.g. "00:11:22:33:44:55" -> "10.0.0.2:4000".
	Peers map[string]string `json:"peers,omitempty"`
}

// New returns a configuration holding the default values.
func New() Configuration {
	return Configuration{
		MTU:        DefaultMTU,
		MinMTU:     MinMTU,
		MaxMTU:     MaxMTU,
		RxBufSize:  DefaultRxBufSize,
		TxBufSize:  DefaultTxBufSize,
		AckTimeout: DefaultAckTimeout,
		MCCTimeout: DefaultMCCTimeout,
	}
}

// Validate checks that the values can drive a multiplexer.
func (c Configuration) Validate() error {
	switch {
	case c.MinMTU < 1 || c.MaxMTU > MaxMTU || c.MinMTU > c.MaxMTU:
		return fmt.Errorf("%w: mtu bounds %d..%d", ErrInvalid, c.MinMTU, c.MaxMTU)
	case c.MTU < c.MinMTU || c.MTU > c.MaxMTU:
		return fmt.Errorf("%w: mtu %d outside %d..%d", ErrInvalid, c.MTU, c.MinMTU, c.MaxMTU)
	case c.RxBufSize < c.MTU:
		return fmt.Errorf("%w: receive buffer %d smaller than mtu %d", ErrInvalid, c.RxBufSize, c.MTU)
	case c.TxBufSize < 1:
		return fmt.Errorf("%w: transmit buffer %d", ErrInvalid, c.TxBufSize)
	case c.AckTimeout <= 0 || c.MCCTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	}

	for _, l := range c.Listeners {
		if l.Channel < 1 || l.Channel > 30 {
			return fmt.Errorf("%w: listener channel %d", ErrInvalid, l.Channel)
		}
		switch l.Mode {
		case "", "auth", "encrypt", "secure":
		default:
			return fmt.Errorf("%w: listener mode %q", ErrInvalid, l.Mode)
		}
	}

	for addr := range c.Peers {
		if _, err := bdaddr.Parse(addr); err != nil {
			return fmt.Errorf("%w: peer %q", ErrInvalid, addr)
		}
	}

	return nil
}

// Peer returns the network address configured for a device.
func (c Configuration) Peer(a bdaddr.Addr) (string, bool) {
	for k, v := range c.Peers {
		if p, err := bdaddr.Parse(k); err == nil && p == a {
			return v, true
		}
	}
	return "", false
}

func handle() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})
	h.Indent = 2
	return h
}

// Load reads a JSON configuration file. Fields missing from the file keep
// their default values.
func Load(path string) (Configuration, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "config-read", "path", path),
			ftag.With(ftag.NotFound),
			fmsg.With("Cannot read configuration file"),
		)
	}

	if err := codec.NewDecoderBytes(data, handle()).Decode(&cfg); err != nil {
		return cfg, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "config-decode", "path", path),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("Cannot decode configuration file"),
		)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "config-validate", "path", path),
			ftag.With(ftag.InvalidArgument),
		)
	}

	return cfg, nil
}

// Save writes the configuration as JSON. The file is written to a
// temporary path and renamed over the target.
func (c Configuration) Save(path string) error {
	var data []byte
	if err := codec.NewEncoderBytes(&data, handle()).Encode(c); err != nil {
		return fault.Wrap(err, fmsg.With("Cannot encode configuration"))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fault.Wrap(err, fmsg.With("Cannot write configuration file"))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "config-rename", "path", path),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot replace configuration file"),
		)
	}
	return nil
}
