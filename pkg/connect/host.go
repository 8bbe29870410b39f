package connect

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
)

// HostConfig holds transport settings for the libp2p host.
type HostConfig struct {
	ListenAddrs []string
	Relays      []peer.AddrInfo
	EnableQUIC  bool
	EnableTCP   bool
}

// DefaultHostConfig returns default transport settings.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
			"/ip6/::/tcp/0",
			"/ip6/::/udp/0/quic-v1",
		},
		EnableQUIC: true,
		EnableTCP:  true,
	}
}

// NewHost creates the libp2p host every connection runs over: noise
// security bound to the node identity, QUIC and TCP transports, hole
// punching, and the configured relays as a connectivity floor.
func NewHost(key crypto.PrivKey, cfg HostConfig) (host.Host, error) {
	opts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.EnableHolePunching(),
		libp2p.EnableRelay(),
		libp2p.NATPortMap(),
	}

	if cfg.EnableQUIC {
		opts = append(opts, libp2p.Transport(libp2pquic.NewTransport))
	}
	if cfg.EnableTCP {
		opts = append(opts, libp2p.DefaultTransports)
	}
	if len(cfg.Relays) > 0 {
		opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays(cfg.Relays))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, nil
}
