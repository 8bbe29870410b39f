package connect

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	sec "github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/ByteZap/pkg/resolver"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.Security(noise.ID, noise.New),
	)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func newTestEngine(t *testing.T, h host.Host) (*Engine, *resolver.Book) {
	t.Helper()
	book, err := resolver.NewBook(nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.EstablishTimeout = 10 * time.Second
	eng := NewEngine(h, book, nil, cfg)
	t.Cleanup(func() { eng.Close() })
	return eng, book
}

func TestIsRelayAddr(t *testing.T) {
	direct, err := ma.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	require.NoError(t, err)
	assert.False(t, isRelayAddr(direct))

	circuit, err := ma.NewMultiaddr(
		"/ip4/1.2.3.4/tcp/4001/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN/p2p-circuit")
	require.NoError(t, err)
	assert.True(t, isRelayAddr(circuit))
}

func TestStateAndPathStrings(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "established", Established.String())
	assert.Equal(t, "migrating", Migrating.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "direct", PathDirect.String())
	assert.Equal(t, "relayed", PathRelayed.String())
}

func TestRelayCandidates(t *testing.T) {
	relayHost := newTestHost(t)
	target := newTestHost(t)

	book, err := resolver.NewBook(nil)
	require.NoError(t, err)
	relays := []peer.AddrInfo{{ID: relayHost.ID(), Addrs: relayHost.Addrs()}}
	eng := NewEngine(nil, book, relays, DefaultConfig())

	addrs := eng.relayCandidates(target.ID())
	require.NotEmpty(t, addrs)
	for _, a := range addrs {
		assert.True(t, isRelayAddr(a), "expected circuit addr, got %s", a)
		id, err := a.ValueForProtocol(ma.P_P2P)
		require.NoError(t, err)
		assert.Equal(t, relayHost.ID().String(), id)
	}

	// dialing the relay itself must not route through the relay
	assert.Empty(t, eng.relayCandidates(relayHost.ID()))
}

func TestAuthErrClassification(t *testing.T) {
	mismatch := sec.ErrPeerIDMismatch{}
	assert.True(t, isAuthErr(fmt.Errorf("dial: %w", mismatch)))
	assert.False(t, isAuthErr(fmt.Errorf("connection refused")))
}

func TestEstablishDirect(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	const proto = protocol.ID("/bytezap/test/echo")
	b.SetStreamHandler(proto, func(s network.Stream) {
		defer s.Close()
		io.Copy(s, s)
	})

	eng, book := newTestEngine(t, a)
	for _, addr := range b.Addrs() {
		book.Add(b.ID(), addr, resolver.SourceStatic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := eng.Establish(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, Established, conn.State())
	assert.Equal(t, PathDirect, conn.Path())
	assert.True(t, conn.Alive())

	s, err := conn.OpenStream(ctx, proto)
	require.NoError(t, err)
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	echoed, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))
	s.Close()

	// a successful direct dial is recorded as observed
	cands := book.Candidates(b.ID())
	require.NotEmpty(t, cands)
	observed := false
	for _, c := range cands {
		if c.Source == resolver.SourceObserved {
			observed = true
		}
	}
	assert.True(t, observed)

	again, err := eng.Establish(ctx, b.ID())
	require.NoError(t, err)
	assert.Same(t, conn, again)

	require.NoError(t, conn.Close())
	assert.Equal(t, Closed, conn.State())
	assert.False(t, conn.Alive())
}

func TestEstablishNoCandidates(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	eng, _ := newTestEngine(t, a)

	_, err := eng.Establish(context.Background(), b.ID())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestEstablishSelf(t *testing.T) {
	a := newTestHost(t)
	eng, _ := newTestEngine(t, a)

	_, err := eng.Establish(context.Background(), a.ID())
	assert.Error(t, err)
}

func TestEstablishUnreachablePenalizesCandidates(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	eng, book := newTestEngine(t, a)
	eng.cfg.EstablishTimeout = 3 * time.Second

	// a port nothing listens on
	dead, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1")
	require.NoError(t, err)
	book.Add(b.ID(), dead, resolver.SourceStatic)

	_, err = eng.Establish(context.Background(), b.ID())
	require.Error(t, err)

	cands := book.Candidates(b.ID())
	require.Len(t, cands, 1)
	assert.Greater(t, cands[0].Strikes, 0)
}
