package discovery

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DHTProtocolPrefix namespaces the DHT away from the public IPFS network.
const DHTProtocolPrefix = "/bytezap"

// NewDHT creates and bootstraps a Kademlia DHT on the host.
func NewDHT(ctx context.Context, h host.Host, bootstrap []peer.AddrInfo) (*dht.IpfsDHT, error) {
	opts := []dht.Option{
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(DHTProtocolPrefix),
	}
	if len(bootstrap) > 0 {
		opts = append(opts, dht.BootstrapPeers(bootstrap...))
	}

	d, err := dht.New(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := d.Bootstrap(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	return d, nil
}

// Providers publishes and looks up who holds which content hash.
type Providers struct {
	dht *dht.IpfsDHT
}

// NewProviders wraps a DHT for provider record management.
func NewProviders(d *dht.IpfsDHT) *Providers {
	return &Providers{dht: d}
}

// Announce publishes a provider record stating this node can serve c.
func (p *Providers) Announce(ctx context.Context, c cid.Cid) error {
	if err := p.dht.Provide(ctx, c, true); err != nil {
		return fmt.Errorf("failed to announce %s: %w", c, err)
	}
	return nil
}

// Find returns up to limit peers that announced they hold c.
func (p *Providers) Find(ctx context.Context, c cid.Cid, limit int) ([]peer.AddrInfo, error) {
	if limit <= 0 {
		limit = 20
	}

	found := make([]peer.AddrInfo, 0, limit)
	for info := range p.dht.FindProvidersAsync(ctx, c, limit) {
		if info.ID == "" {
			continue
		}
		found = append(found, info)
		if len(found) >= limit {
			break
		}
	}
	if err := ctx.Err(); err != nil && len(found) == 0 {
		return nil, err
	}
	return found, nil
}
