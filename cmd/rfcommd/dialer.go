package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/risa-org/rfcomm/bdaddr"
	"github.com/risa-org/rfcomm/config"
	"github.com/risa-org/rfcomm/transport"
	"github.com/risa-org/rfcomm/transport/tcp"
	"github.com/risa-org/rfcomm/transport/websocket"
)

// peerDialer reaches devices through the configured peers map, picking
// the WebSocket transport for ws:// and wss:// targets and TCP otherwise.
func peerDialer(cfg config.Configuration) transport.Dialer {
	resolve := cfg.Peer

	tcpDialer := &tcp.Dialer{Resolve: resolve}
	wsDialer := &websocket.Dialer{Resolve: resolve}

	return transport.DialerFunc(func(ctx context.Context, local, remote bdaddr.Addr) (transport.Adapter, error) {
		target, ok := resolve(remote)
		if !ok {
			return nil, fmt.Errorf("no peer configured for %s", remote)
		}
		if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
			return wsDialer.Dial(ctx, local, remote)
		}
		return tcpDialer.Dial(ctx, local, remote)
	})
}

// addPeers merges device=target pairs into the configuration.
func addPeers(cfg *config.Configuration, pairs []string) error {
	for _, p := range pairs {
		dev, target, ok := strings.Cut(p, "=")
		if !ok || target == "" {
			return fmt.Errorf("peer %q: want device=target", p)
		}
		if _, err := bdaddr.Parse(dev); err != nil {
			return fmt.Errorf("peer %q: %w", p, err)
		}
		if cfg.Peers == nil {
			cfg.Peers = map[string]string{}
		}
		cfg.Peers[dev] = target
	}
	return nil
}
