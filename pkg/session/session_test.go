package session

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunk = 256 * 1024

func testHash(t *testing.T, seed string) cid.Cid {
	t.Helper()
	sum := sha256.Sum256([]byte(seed))
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "sessions.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReserveWalksChunks(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*2+100, testChunk))

	p := peer.ID("peer-1")

	iv1, ok := s.Reserve(p)
	require.True(t, ok)
	assert.Equal(t, Interval{Lo: 0, Hi: testChunk}, iv1)

	iv2, ok := s.Reserve(p)
	require.True(t, ok)
	assert.Equal(t, Interval{Lo: testChunk, Hi: 2 * testChunk}, iv2)

	// final partial chunk is clipped to the total size
	iv3, ok := s.Reserve(p)
	require.True(t, ok)
	assert.Equal(t, Interval{Lo: 2 * testChunk, Hi: 2*testChunk + 100}, iv3)

	// everything is reserved now
	_, ok = s.Reserve(p)
	assert.False(t, ok)
}

func TestReserveSkipsVerifiedAndInflight(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*4, testChunk))

	s.MarkVerified(Interval{Lo: 0, Hi: testChunk})

	p1, p2 := peer.ID("p1"), peer.ID("p2")
	iv1, ok := s.Reserve(p1)
	require.True(t, ok)
	assert.Equal(t, uint64(testChunk), iv1.Lo)

	// a second peer must not be handed the same in-flight range
	iv2, ok := s.Reserve(p2)
	require.True(t, ok)
	assert.Equal(t, uint64(2*testChunk), iv2.Lo)
}

func TestReserveUnsizedSessionRefuses(t *testing.T) {
	s := newSession(testHash(t, "a"))
	_, ok := s.Reserve(peer.ID("p"))
	assert.False(t, ok)
}

func TestReleaseMakesRangeRequestableAgain(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk, testChunk))

	iv, ok := s.Reserve(peer.ID("p1"))
	require.True(t, ok)

	_, ok = s.Reserve(peer.ID("p2"))
	require.False(t, ok)

	s.Release(iv)
	iv2, ok := s.Reserve(peer.ID("p2"))
	require.True(t, ok)
	assert.Equal(t, iv, iv2)
}

func TestCompletionOutOfOrder(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*4, testChunk))

	// commit chunks in a shuffled order
	for _, i := range []uint64{2, 0, 3, 1} {
		assert.False(t, s.Complete())
		s.MarkVerified(Interval{Lo: i * testChunk, Hi: (i + 1) * testChunk})
	}
	assert.True(t, s.Complete())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed on completion")
	}
}

func TestCancelReleasesInflightKeepsVerified(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*4, testChunk))

	s.MarkVerified(Interval{Lo: 0, Hi: testChunk})
	_, ok := s.Reserve(peer.ID("p1"))
	require.True(t, ok)

	s.Cancel()

	st := s.Status()
	assert.Zero(t, st.InFlight)
	assert.Empty(t, st.InFlightPeers)
	assert.Equal(t, uint64(testChunk), st.VerifiedBytes)
	assert.True(t, st.Cancelled)

	// cancelled sessions hand out no further reservations
	_, ok = s.Reserve(peer.ID("p2"))
	assert.False(t, ok)
}

func TestScopeAlignedToChunks(t *testing.T) {
	s := newSession(testHash(t, "a"))
	s.SetScope(testChunk+100, testChunk*3-1)
	require.NoError(t, s.SetTotal(testChunk*4, testChunk))

	iv, ok := s.Reserve(peer.ID("p"))
	require.True(t, ok)
	assert.Equal(t, Interval{Lo: testChunk, Hi: 2 * testChunk}, iv)
	s.MarkVerified(iv)

	iv, ok = s.Reserve(peer.ID("p"))
	require.True(t, ok)
	assert.Equal(t, Interval{Lo: 2 * testChunk, Hi: 3 * testChunk}, iv)
	s.MarkVerified(iv)

	// scope covered, nothing outside it is requested
	assert.True(t, s.Complete())
	_, ok = s.Reserve(peer.ID("p"))
	assert.False(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*4, testChunk))
	s.MarkVerified(Interval{Lo: 0, Hi: testChunk})
	s.MarkVerified(Interval{Lo: 2 * testChunk, Hi: 3 * testChunk})
	_, ok := s.Reserve(peer.ID("p"))
	require.True(t, ok)

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)

	st := restored.Status()
	assert.Equal(t, s.Hash(), restored.Hash())
	assert.Equal(t, uint64(2*testChunk), st.VerifiedBytes)
	assert.Equal(t, uint64(4*testChunk), st.TotalBytes)
	// in-flight reservations do not survive a restart
	assert.Zero(t, st.InFlight)

	// restored verified ranges are never handed out again
	iv, ok := restored.Reserve(peer.ID("p"))
	require.True(t, ok)
	assert.Equal(t, uint64(testChunk), iv.Lo)
}

func TestRestoreCorruptSnapshot(t *testing.T) {
	_, err := Restore([]byte("{not json"))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	_, err = Restore([]byte(`{"hash":"zzz-not-a-cid"}`))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestRegistryCoalesces(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	hash := testHash(t, "a")
	s1, joined, err := r.CreateOrJoin(hash)
	require.NoError(t, err)
	assert.False(t, joined)

	s2, joined, err := r.CreateOrJoin(hash)
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Same(t, s1, s2)

	// a different hash gets its own session
	s3, joined, err := r.CreateOrJoin(testHash(t, "b"))
	require.NoError(t, err)
	assert.False(t, joined)
	assert.NotSame(t, s1, s3)
}

func TestRegistryResumesFromDisk(t *testing.T) {
	db := openTestDB(t)
	hash := testHash(t, "a")

	r1, err := NewRegistry(db)
	require.NoError(t, err)
	s, _, err := r1.CreateOrJoin(hash)
	require.NoError(t, err)
	require.NoError(t, s.SetTotal(testChunk*2, testChunk))
	s.MarkVerified(Interval{Lo: 0, Hi: testChunk})
	require.NoError(t, r1.Detach(s))

	// a fresh registry over the same database resumes, not restarts
	r2, err := NewRegistry(db)
	require.NoError(t, err)
	resumed, joined, err := r2.CreateOrJoin(hash)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, uint64(testChunk), resumed.Status().VerifiedBytes)

	iv, ok := resumed.Reserve(peer.ID("p"))
	require.True(t, ok)
	assert.Equal(t, uint64(testChunk), iv.Lo)
}

func TestRegistryEvict(t *testing.T) {
	db := openTestDB(t)
	hash := testHash(t, "a")

	r, err := NewRegistry(db)
	require.NoError(t, err)
	s, _, err := r.CreateOrJoin(hash)
	require.NoError(t, err)
	require.NoError(t, s.SetTotal(testChunk, testChunk))
	s.MarkVerified(Interval{Lo: 0, Hi: testChunk})
	require.NoError(t, r.Detach(s))

	require.NoError(t, r.Evict(hash))

	fresh, _, err := r.CreateOrJoin(hash)
	require.NoError(t, err)
	assert.Zero(t, fresh.Status().VerifiedBytes)
}

func TestScopeUnionAcrossCallers(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*8, testChunk))

	// two callers ask for disjoint ranges; both must stay requestable
	s.SetScope(0, 2*testChunk)
	s.SetScope(6*testChunk, 8*testChunk)

	p := peer.ID("p")
	var offs []uint64
	for {
		iv, ok := s.Reserve(p)
		if !ok {
			break
		}
		offs = append(offs, iv.Lo)
		s.MarkVerified(iv)
	}
	assert.Equal(t, []uint64{0, testChunk, 6 * testChunk, 7 * testChunk}, offs)

	// both requested ranges are covered, the middle was never fetched
	assert.True(t, s.Complete())
	assert.True(t, s.IsVerified(Interval{Lo: 0, Hi: 2 * testChunk}))
	assert.True(t, s.IsVerified(Interval{Lo: 6 * testChunk, Hi: 8 * testChunk}))
	assert.False(t, s.IsVerified(Interval{Lo: 2 * testChunk, Hi: 6 * testChunk}))
}

func TestClearScopeWidensCompletedSession(t *testing.T) {
	s := newSession(testHash(t, "a"))
	require.NoError(t, s.SetTotal(testChunk*4, testChunk))
	s.SetScope(0, testChunk)

	p := peer.ID("p")
	iv, ok := s.Reserve(p)
	require.True(t, ok)
	s.MarkVerified(iv)
	require.True(t, s.Complete())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed on scoped completion")
	}

	// a full-content caller joins: the session is incomplete again and
	// the done channel is re-armed
	s.ClearScope()
	assert.False(t, s.Complete())
	select {
	case <-s.Done():
		t.Fatal("done channel still closed after scope widened")
	default:
	}

	// a later narrow request cannot shrink the full scope back
	s.SetScope(0, testChunk)
	assert.False(t, s.Complete())

	for {
		iv, ok := s.Reserve(p)
		if !ok {
			break
		}
		s.MarkVerified(iv)
	}
	assert.True(t, s.Complete())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed on full completion")
	}
}

func TestRegistryReplacesCancelledSession(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	hash := testHash(t, "a")

	s1, joined, err := reg.CreateOrJoin(hash)
	require.NoError(t, err)
	require.False(t, joined)
	require.NoError(t, s1.SetTotal(testChunk*4, testChunk))
	s1.MarkVerified(Interval{Lo: 0, Hi: testChunk})
	s1.Cancel()

	// the dead session is not joined; its verified ranges carry over
	s2, joined, err := reg.CreateOrJoin(hash)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.NotSame(t, s1, s2)
	assert.False(t, s2.Cancelled())
	assert.True(t, s2.IsVerified(Interval{Lo: 0, Hi: testChunk}))
	assert.True(t, s2.Sized())

	// detaching the stale predecessor must not evict the successor
	require.NoError(t, reg.Detach(s1))
	cur, ok := reg.Active(hash)
	require.True(t, ok)
	assert.Same(t, s2, cur)
}
