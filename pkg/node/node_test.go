package node

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/ByteZap/pkg/resolver"
	"github.com/VetheonGames/ByteZap/pkg/session"
)

func TestConfigDefaultsAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bytezap.json")

	// missing file falls back to defaults
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ListenAddrs, cfg.ListenAddrs)
	assert.Equal(t, defaultMaxStrikes, cfg.MaxStrikes)

	cfg.DataDir = dir
	cfg.MaxStrikes = 7
	cfg.StaticPeers = []string{
		"/ip4/10.0.0.9/tcp/6801/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN",
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.MaxStrikes)
	assert.Equal(t, cfg.StaticPeers, loaded.StaticPeers)

	infos, err := loaded.StaticPeerInfos()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Len(t, infos[0].Addrs, 1)
}

func TestParseAddrInfosMergesSamePeer(t *testing.T) {
	const id = "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"
	infos, err := parseAddrInfos([]string{
		"/ip4/10.0.0.9/tcp/6801/p2p/" + id,
		"/ip4/10.0.0.9/udp/6801/quic-v1/p2p/" + id,
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Len(t, infos[0].Addrs, 2)

	_, err = parseAddrInfos([]string{"/ip4/10.0.0.9/tcp/6801"})
	assert.Error(t, err)
}

func newTestNode(t *testing.T, ctx context.Context) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableQUIC = false

	n, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestTwoNodeTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	srv := newTestNode(t, ctx)
	cli := newTestNode(t, ctx)

	payload := make([]byte, 3*256*1024+100)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, payload, 0644))

	hash, err := srv.Provide(ctx, src)
	require.NoError(t, err)
	require.True(t, srv.Store().Has(hash))

	for _, addr := range srv.Host().Addrs() {
		cli.Book().Add(srv.ID(), addr, resolver.SourceStatic)
	}

	handle, err := cli.RequestTransfer([]peer.ID{srv.ID()}, hash, nil)
	require.NoError(t, err)
	require.NoError(t, cli.WaitTransfer(ctx, handle))

	st, err := cli.SessionStatus(handle)
	require.NoError(t, err)
	assert.Equal(t, TransferComplete, st.State)
	assert.Equal(t, uint64(len(payload)), st.TotalBytes)
	assert.Equal(t, uint64(len(payload)), st.VerifiedBytes)

	f, err := cli.Store().Open(hash)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCancelTransferKeepsHandleState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	srv := newTestNode(t, ctx)
	cli := newTestNode(t, ctx)

	payload := make([]byte, 512*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, payload, 0644))

	hash, err := srv.Provide(ctx, src)
	require.NoError(t, err)

	for _, addr := range srv.Host().Addrs() {
		cli.Book().Add(srv.ID(), addr, resolver.SourceStatic)
	}

	handle, err := cli.RequestTransfer([]peer.ID{srv.ID()}, hash, nil)
	require.NoError(t, err)
	require.NoError(t, cli.CancelTransfer(handle))

	st, err := cli.SessionStatus(handle)
	require.NoError(t, err)
	// the race between cancel and a fast local transfer allows either
	// terminal state, but never running
	assert.Contains(t, []TransferState{TransferCancelled, TransferComplete}, st.State)

	_, err = cli.SessionStatus("no-such-handle")
	assert.ErrorIs(t, err, ErrUnknownTransfer)
	assert.ErrorIs(t, cli.CancelTransfer("no-such-handle"), ErrUnknownTransfer)
}

func TestScopedTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	srv := newTestNode(t, ctx)
	cli := newTestNode(t, ctx)

	payload := make([]byte, 8*256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, payload, 0644))

	hash, err := srv.Provide(ctx, src)
	require.NoError(t, err)

	for _, addr := range srv.Host().Addrs() {
		cli.Book().Add(srv.ID(), addr, resolver.SourceStatic)
	}

	scope := &session.Interval{Lo: 0, Hi: 3 * 256 * 1024}
	handle, err := cli.RequestTransfer([]peer.ID{srv.ID()}, hash, scope)
	require.NoError(t, err)
	require.NoError(t, cli.WaitTransfer(ctx, handle))

	// a scoped fetch leaves the blob partial
	assert.False(t, cli.Store().Has(hash))

	// a follow-up full fetch resumes and completes it
	handle, err = cli.RequestTransfer([]peer.ID{srv.ID()}, hash, nil)
	require.NoError(t, err)
	require.NoError(t, cli.WaitTransfer(ctx, handle))
	assert.True(t, cli.Store().Has(hash))
}
