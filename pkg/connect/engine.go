package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/VetheonGames/ByteZap/pkg/resolver"
)

var log = logging.Logger("bytezap/connect")

// Config tunes the establishment engine.
type Config struct {
	// EstablishTimeout bounds the whole establishment attempt across
	// both paths.
	EstablishTimeout time.Duration
	// MigrateInterval is how often a relayed connection re-tries a
	// direct path.
	MigrateInterval time.Duration
	// MigrateDialTimeout bounds one migration dial attempt.
	MigrateDialTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		EstablishTimeout:   30 * time.Second,
		MigrateInterval:    15 * time.Second,
		MigrateDialTimeout: 10 * time.Second,
	}
}

// Engine establishes authenticated connections by racing a direct
// multi-candidate dial against a relay circuit dial. The first path to
// complete a handshake wins and the loser is cancelled; a relayed winner
// is upgraded to a direct path in the background when one becomes
// reachable.
type Engine struct {
	host   host.Host
	book   *resolver.Book
	relays []peer.AddrInfo
	cfg    Config

	mu    sync.Mutex
	conns map[peer.ID]*Connection
}

// NewEngine creates an establishment engine over an existing host.
func NewEngine(h host.Host, book *resolver.Book, relays []peer.AddrInfo, cfg Config) *Engine {
	if cfg.EstablishTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		host:   h,
		book:   book,
		relays: relays,
		cfg:    cfg,
		conns:  make(map[peer.ID]*Connection),
	}
}

// Host returns the underlying libp2p host.
func (e *Engine) Host() host.Host { return e.host }

// Establish returns an authenticated connection to p, reusing a live one
// when present. Both the direct and the relay attempt prove possession of
// p's private key during the noise handshake; a handshake that
// authenticates to any other identity fails the attempt.
func (e *Engine) Establish(ctx context.Context, p peer.ID) (*Connection, error) {
	if p == e.host.ID() {
		return nil, fmt.Errorf("cannot establish a connection to self")
	}

	e.mu.Lock()
	if conn, ok := e.conns[p]; ok && conn.Alive() {
		e.mu.Unlock()
		return conn, nil
	}
	delete(e.conns, p)
	e.mu.Unlock()

	directAddrs := e.directCandidates(p)
	relayAddrs := e.relayCandidates(p)

	if len(directAddrs) == 0 && len(relayAddrs) == 0 {
		return nil, fmt.Errorf("%w: no candidate addresses for %s", ErrUnreachable, p)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.EstablishTimeout)
	defer cancel()

	type result struct {
		path Path
		err  error
	}
	results := make(chan result, 2)
	attempts := 0

	// cancelling the losing attempt is mandatory so no half-open
	// sockets or relay tunnels are retained
	raceCtx, stopRace := context.WithCancel(ctx)
	defer stopRace()

	if len(directAddrs) > 0 {
		attempts++
		go func() {
			dctx := network.WithForceDirectDial(raceCtx, "path-race")
			err := e.host.Connect(dctx, peer.AddrInfo{ID: p, Addrs: directAddrs})
			if err != nil && raceCtx.Err() == nil {
				for _, a := range directAddrs {
					e.book.Penalize(p, a)
				}
			}
			results <- result{path: PathDirect, err: err}
		}()
	}
	if len(relayAddrs) > 0 {
		attempts++
		go func() {
			err := e.host.Connect(raceCtx, peer.AddrInfo{ID: p, Addrs: relayAddrs})
			results <- result{path: PathRelayed, err: err}
		}()
	}

	var attemptErrs []error
	authFailed := false
	for i := 0; i < attempts; i++ {
		select {
		case res := <-results:
			if res.err == nil {
				stopRace()
				log.Infow("connection established", "peer", p, "path", res.path)
				return e.adopt(p), nil
			}
			if isAuthErr(res.err) {
				authFailed = true
			}
			attemptErrs = append(attemptErrs, fmt.Errorf("%s path: %w", res.path, res.err))
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: peer %s", ErrTimeout, p)
		}
	}

	joined := errors.Join(attemptErrs...)
	switch {
	case authFailed:
		return nil, fmt.Errorf("%w: peer %s: %v", ErrAuthFailed, p, joined)
	case isTimeoutErr(joined) || ctx.Err() != nil:
		return nil, fmt.Errorf("%w: peer %s: %v", ErrTimeout, p, joined)
	default:
		return nil, fmt.Errorf("%w: peer %s: %v", ErrUnreachable, p, joined)
	}
}

// adopt wraps the now-live peer connection, records observed direct
// addresses, and starts the migration watcher for relayed paths.
func (e *Engine) adopt(p peer.ID) *Connection {
	conn := &Connection{
		host:        e.host,
		peer:        p,
		state:       Connecting,
		stopMigrate: make(chan struct{}),
	}

	for _, nc := range e.host.Network().ConnsToPeer(p) {
		if !isRelayAddr(nc.RemoteMultiaddr()) {
			e.book.Observe(p, nc.RemoteMultiaddr())
		}
	}
	conn.setState(Established)

	if conn.Path() == PathRelayed {
		go e.watchMigration(conn)
	}

	e.mu.Lock()
	e.conns[p] = conn
	e.mu.Unlock()
	return conn
}

// directCandidates merges the candidate book with addresses the host
// learned through identify, excluding circuit addresses.
func (e *Engine) directCandidates(p peer.ID) []ma.Multiaddr {
	seen := make(map[string]bool)
	var out []ma.Multiaddr
	for _, a := range e.book.Addrs(p) {
		if isRelayAddr(a) || seen[a.String()] {
			continue
		}
		seen[a.String()] = true
		out = append(out, a)
	}
	for _, a := range e.host.Peerstore().Addrs(p) {
		if isRelayAddr(a) || seen[a.String()] {
			continue
		}
		seen[a.String()] = true
		out = append(out, a)
	}
	return out
}

// relayCandidates builds circuit addresses to p through the configured
// relays, plus any circuit candidates the book already holds.
func (e *Engine) relayCandidates(p peer.ID) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, r := range e.relays {
		if r.ID == p {
			continue
		}
		for _, a := range r.Addrs {
			circuit, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s/p2p-circuit", a, r.ID))
			if err != nil {
				continue
			}
			out = append(out, circuit)
		}
	}
	for _, a := range e.book.Addrs(p) {
		if isRelayAddr(a) {
			out = append(out, a)
		}
	}
	return out
}

// watchMigration upgrades a relayed connection to a direct path when one
// becomes reachable, for example via addresses learned over gossip after
// establishment. Streams already open stay on the relayed conn, so bytes
// acknowledged to callers are never dropped; new streams use the direct
// path.
func (e *Engine) watchMigration(conn *Connection) {
	ticker := time.NewTicker(e.cfg.MigrateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopMigrate:
			return
		case <-ticker.C:
			if !conn.Alive() {
				return
			}
			if conn.Path() == PathDirect {
				conn.setState(Established)
				return
			}
			e.tryMigrate(conn)
		}
	}
}

func (e *Engine) tryMigrate(conn *Connection) {
	addrs := e.directCandidates(conn.peer)
	if len(addrs) == 0 {
		return
	}

	conn.setState(Migrating)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MigrateDialTimeout)
	defer cancel()

	dctx := network.WithForceDirectDial(ctx, "migrate")
	err := e.host.Connect(dctx, peer.AddrInfo{ID: conn.peer, Addrs: addrs})
	conn.setState(Established)
	if err != nil {
		for _, a := range addrs {
			e.book.Penalize(conn.peer, a)
		}
		log.Debugw("migration attempt failed", "peer", conn.peer, "err", err)
		return
	}

	for _, nc := range e.host.Network().ConnsToPeer(conn.peer) {
		if !isRelayAddr(nc.RemoteMultiaddr()) {
			e.book.Observe(conn.peer, nc.RemoteMultiaddr())
		}
	}
	log.Infow("migrated to direct path", "peer", conn.peer)
}

// Close tears down all engine-held connections.
func (e *Engine) Close() error {
	e.mu.Lock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[peer.ID]*Connection)
	e.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
