package connect

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// State is a connection's lifecycle state.
type State int

const (
	Connecting State = iota
	Established
	Migrating
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Migrating:
		return "migrating"
	default:
		return "closed"
	}
}

// Path reports whether traffic currently flows directly or through a
// relay.
type Path int

const (
	PathDirect Path = iota
	PathRelayed
)

func (p Path) String() string {
	if p == PathDirect {
		return "direct"
	}
	return "relayed"
}

// Connection is one authenticated session to a peer. It may be upgraded
// in place when a better path appears; callers holding stream handles
// are unaffected, since streams stay pinned to the conn they were opened
// on while new streams prefer the best current path.
type Connection struct {
	host host.Host
	peer peer.ID

	mu          sync.RWMutex
	state       State
	stopMigrate chan struct{}
	stopOnce    sync.Once
}

// Peer returns the remote peer's identity.
func (c *Connection) Peer() peer.ID { return c.peer }

// State returns the connection's lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Path inspects the live network conns to the peer; any non-circuit conn
// means a direct path is in use.
func (c *Connection) Path() Path {
	for _, conn := range c.host.Network().ConnsToPeer(c.peer) {
		if !isRelayAddr(conn.RemoteMultiaddr()) {
			return PathDirect
		}
	}
	return PathRelayed
}

// Alive reports whether any transport conn to the peer is still up.
func (c *Connection) Alive() bool {
	if c.State() == Closed {
		return false
	}
	return c.host.Network().Connectedness(c.peer) == network.Connected
}

// OpenStream opens a new bidirectional stream for the given protocol.
// Relayed conns are transient in libp2p terms, so stream opening over
// them must opt in explicitly.
func (c *Connection) OpenStream(ctx context.Context, proto protocol.ID) (network.Stream, error) {
	if c.Path() == PathRelayed {
		ctx = network.WithUseTransient(ctx, "relayed transfer")
	}
	return c.host.NewStream(ctx, c.peer, proto)
}

// Close tears down the session and all transport conns to the peer.
func (c *Connection) Close() error {
	c.stopOnce.Do(func() { close(c.stopMigrate) })
	c.setState(Closed)
	return c.host.Network().ClosePeer(c.peer)
}

// isRelayAddr reports whether addr goes through a circuit relay.
func isRelayAddr(addr ma.Multiaddr) bool {
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}
