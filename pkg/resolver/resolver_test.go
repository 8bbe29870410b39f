package resolver

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, port int) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/udp/%d/quic-v1", port))
	require.NoError(t, err)
	return a
}

func TestCandidateOrdering(t *testing.T) {
	b, err := NewBook(nil)
	require.NoError(t, err)

	p := peer.ID("peer-1")
	b.Add(p, addr(t, 1), SourceLearned)
	b.Add(p, addr(t, 2), SourceStatic)
	b.Add(p, addr(t, 3), SourceObserved)

	cands := b.Candidates(p)
	require.Len(t, cands, 3)
	assert.Equal(t, SourceObserved, cands[0].Source)
	assert.Equal(t, SourceStatic, cands[1].Source)
	assert.Equal(t, SourceLearned, cands[2].Source)
}

func TestPenalizeDeprioritizesWithoutRemoving(t *testing.T) {
	b, err := NewBook(nil)
	require.NoError(t, err)

	p := peer.ID("peer-1")
	good, bad := addr(t, 1), addr(t, 2)
	b.Add(p, bad, SourceObserved)
	b.Add(p, good, SourceObserved)

	// three failed dials drop the address behind even static candidates
	for i := 0; i < 3; i++ {
		b.Penalize(p, bad)
	}

	cands := b.Candidates(p)
	require.Len(t, cands, 2)
	assert.True(t, cands[0].Addr.Equal(good))
	assert.True(t, cands[1].Addr.Equal(bad))
	assert.Equal(t, 3, cands[1].Strikes)
}

func TestObserveResetsStrikesAndUpgradesSource(t *testing.T) {
	b, err := NewBook(nil)
	require.NoError(t, err)

	p := peer.ID("peer-1")
	a := addr(t, 1)
	b.Add(p, a, SourceLearned)
	b.Penalize(p, a)
	b.Penalize(p, a)

	b.Observe(p, a)

	cands := b.Candidates(p)
	require.Len(t, cands, 1)
	assert.Equal(t, SourceObserved, cands[0].Source)
	assert.Zero(t, cands[0].Strikes)
}

func TestAddRefreshesExisting(t *testing.T) {
	b, err := NewBook(nil)
	require.NoError(t, err)

	p := peer.ID("peer-1")
	a := addr(t, 1)
	b.Add(p, a, SourceLearned)
	b.Add(p, a, SourceObserved)

	cands := b.Candidates(p)
	require.Len(t, cands, 1)
	// better source wins, duplicate is not appended
	assert.Equal(t, SourceObserved, cands[0].Source)

	// a worse source never downgrades
	b.Add(p, a, SourceLearned)
	assert.Equal(t, SourceObserved, b.Candidates(p)[0].Source)
}

func TestPruneKeepsStatic(t *testing.T) {
	b, err := NewBook(nil)
	require.NoError(t, err)

	p := peer.ID("peer-1")
	b.Add(p, addr(t, 1), SourceStatic)
	b.Add(p, addr(t, 2), SourceObserved)

	// age out everything, static survives
	time.Sleep(10 * time.Millisecond)
	b.Prune(time.Nanosecond)

	cands := b.Candidates(p)
	require.Len(t, cands, 1)
	assert.Equal(t, SourceStatic, cands[0].Source)
}

func TestBookPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.db")
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)

	p := peer.ID("peer-1")
	b1, err := NewBook(db)
	require.NoError(t, err)
	b1.Add(p, addr(t, 1), SourceObserved)
	b1.Penalize(p, addr(t, 1))
	require.NoError(t, db.Close())

	db2, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	defer db2.Close()

	b2, err := NewBook(db2)
	require.NoError(t, err)
	cands := b2.Candidates(p)
	require.Len(t, cands, 1)
	assert.True(t, cands[0].Addr.Equal(addr(t, 1)))
	assert.Equal(t, 1, cands[0].Strikes)
	assert.Equal(t, SourceObserved, cands[0].Source)
}
