package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("bytezap/session")

var (
	ErrSizeMismatch    = errors.New("descriptor size conflicts with session state")
	ErrCorruptSnapshot = errors.New("corrupt session snapshot")
)

// reservationTTL bounds how long an in-flight range stays claimed by one
// peer before another worker may re-request it.
const reservationTTL = 30 * time.Second

type reservation struct {
	iv      Interval
	peer    peer.ID
	expires time.Time
}

// Session is the mutable progress record for one content hash. All
// mutation goes through its lock; reads used for idempotency checks take
// the same lock but are cheap range lookups.
type Session struct {
	hash cid.Cid

	mu        sync.Mutex
	totalSize uint64
	chunkSize uint32
	sized     bool
	scope     *IntervalSet
	scoped    bool
	scopeFull bool
	verified  *IntervalSet
	inflight  map[uint64]*reservation
	cancelled bool
	done      chan struct{}
}

// Status is a point-in-time view of a session's progress.
type Status struct {
	Hash          cid.Cid
	VerifiedBytes uint64
	TotalBytes    uint64
	InFlight      int
	InFlightPeers []peer.ID
	Complete      bool
	Cancelled     bool
}

func newSession(hash cid.Cid) *Session {
	return &Session{
		hash:     hash,
		scope:    &IntervalSet{},
		verified: &IntervalSet{},
		inflight: make(map[uint64]*reservation),
		done:     make(chan struct{}),
	}
}

// reincarnate carries the durable state of a dead session into a fresh
// one: shape and verified ranges survive, the cancelled flag, scope and
// reservations do not.
func (s *Session) reincarnate() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := newSession(s.hash)
	n.totalSize = s.totalSize
	n.chunkSize = s.chunkSize
	n.sized = s.sized
	n.verified = FromIntervals(s.verified.Intervals())
	n.checkCompleteLocked()
	return n
}

// Hash returns the content hash this session tracks.
func (s *Session) Hash() cid.Cid { return s.hash }

// Done is closed when the verified set covers the whole requested scope.
// The channel is replaced when a joining caller widens the scope past the
// covered range, so callers must re-read it per wait.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// SetTotal records the content size and chunk granularity learned from a
// verified descriptor. Conflicting sizes from a second descriptor are a
// data problem, not a retry case.
func (s *Session) SetTotal(size uint64, chunkSize uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sized {
		if s.totalSize != size || s.chunkSize != chunkSize {
			return fmt.Errorf("%w: have %d/%d, got %d/%d",
				ErrSizeMismatch, s.totalSize, s.chunkSize, size, chunkSize)
		}
		return nil
	}
	s.totalSize = size
	s.chunkSize = chunkSize
	s.sized = true
	s.checkCompleteLocked()
	return nil
}

// Sized reports whether the content's shape is known yet.
func (s *Session) Sized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sized
}

// Shape returns the total size and chunk granularity once known.
func (s *Session) Shape() (size uint64, chunkSize uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize, s.chunkSize, s.sized
}

// SetScope adds a byte range to the session scope. Ranges from joining
// callers accumulate as a union, so no caller can narrow what an earlier
// caller asked for; each range is widened to chunk boundaries once the
// chunk size is known, since verification only works on whole chunks.
func (s *Session) SetScope(lo, hi uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopeFull {
		return
	}
	s.scope.Insert(lo, hi)
	s.scoped = true
	s.rearmDoneLocked()
}

// ClearScope widens the session to the whole content, permanently. A
// later SetScope cannot narrow it back.
func (s *Session) ClearScope() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopeFull {
		return
	}
	s.scoped = false
	s.scopeFull = true
	s.rearmDoneLocked()
}

// effective scope ranges in bytes, aligned to chunk boundaries, clipped
// to the total size and merged. Requires s.sized.
func (s *Session) scopeRangesLocked() []Interval {
	if !s.scoped {
		return []Interval{{Lo: 0, Hi: s.totalSize}}
	}
	cs := uint64(s.chunkSize)
	aligned := &IntervalSet{}
	for _, iv := range s.scope.Intervals() {
		lo := (iv.Lo / cs) * cs
		hi := ((iv.Hi + cs - 1) / cs) * cs
		if hi > s.totalSize {
			hi = s.totalSize
		}
		if lo < hi {
			aligned.Insert(lo, hi)
		}
	}
	return aligned.Intervals()
}

// rearmDoneLocked replaces a closed done channel when the scope grew past
// the covered range, so waiters see the widened session as unfinished.
func (s *Session) rearmDoneLocked() {
	if !s.sized || s.completeLocked() {
		s.checkCompleteLocked()
		return
	}
	select {
	case <-s.done:
		s.done = make(chan struct{})
	default:
	}
}

// Reserve claims the next chunk-aligned range that is neither verified
// nor in flight, on behalf of p. It returns false when nothing is
// currently requestable: the session is unsized, cancelled, complete, or
// every remaining range is reserved by a live peer.
func (s *Session) Reserve(p peer.ID) (Interval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sized || s.cancelled {
		return Interval{}, false
	}

	now := time.Now()
	for _, sc := range s.scopeRangesLocked() {
		for _, gap := range s.verified.Gaps(sc.Lo, sc.Hi) {
			cs := uint64(s.chunkSize)
			start := (gap.Lo / cs) * cs
			for off := start; off < gap.Hi; off += cs {
				end := off + cs
				if end > s.totalSize {
					end = s.totalSize
				}
				if s.verified.Contains(off, end) {
					continue
				}
				if r, ok := s.inflight[off]; ok && now.Before(r.expires) {
					continue
				}
				iv := Interval{Lo: off, Hi: end}
				s.inflight[off] = &reservation{iv: iv, peer: p, expires: now.Add(reservationTTL)}
				return iv, true
			}
		}
	}
	return Interval{}, false
}

// MarkVerified records a range whose proof passed and drops any matching
// reservation. Duplicate arrivals for an already-verified range are a
// no-op beyond the range lookup.
func (s *Session) MarkVerified(iv Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.verified.Insert(iv.Lo, iv.Hi)
	delete(s.inflight, iv.Lo)
	s.checkCompleteLocked()
}

// IsVerified reports whether the whole range already passed verification.
func (s *Session) IsVerified(iv Interval) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Contains(iv.Lo, iv.Hi)
}

// Release returns a reserved range to the pool without marking it
// verified, so it can be re-requested from the same or another peer.
func (s *Session) Release(iv Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, iv.Lo)
}

// ReleasePeer drops every reservation held by p.
func (s *Session) ReleasePeer(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for off, r := range s.inflight {
		if r.peer == p {
			delete(s.inflight, off)
		}
	}
}

// Cancel releases all in-flight reservations immediately. Verified ranges
// are kept; a later session against the same hash resumes from them.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.inflight = make(map[uint64]*reservation)
	log.Debugw("session cancelled", "hash", s.hash, "verified", s.verified.Covered())
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Complete reports whether the verified set covers the whole scope.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked()
}

func (s *Session) completeLocked() bool {
	if !s.sized {
		return false
	}
	for _, sc := range s.scopeRangesLocked() {
		if !s.verified.Contains(sc.Lo, sc.Hi) {
			return false
		}
	}
	return true
}

func (s *Session) checkCompleteLocked() {
	if s.completeLocked() {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

// Status returns a snapshot of progress for the control surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := make(map[peer.ID]bool)
	var peers []peer.ID
	live := 0
	for _, r := range s.inflight {
		if now.After(r.expires) {
			continue
		}
		live++
		if !seen[r.peer] {
			seen[r.peer] = true
			peers = append(peers, r.peer)
		}
	}

	var verified uint64
	if s.sized {
		for _, sc := range s.scopeRangesLocked() {
			verified += s.verified.CoveredWithin(sc.Lo, sc.Hi)
		}
	} else {
		verified = s.verified.Covered()
	}

	return Status{
		Hash:          s.hash,
		VerifiedBytes: verified,
		TotalBytes:    s.totalSize,
		InFlight:      live,
		InFlightPeers: peers,
		Complete:      s.completeLocked(),
		Cancelled:     s.cancelled,
	}
}

// persisted wire form of a session snapshot. Only verified ranges are
// recorded; in-flight reservations are deliberately dropped, they are
// meaningless across a restart.
type snapshot struct {
	Hash      string     `json:"hash"`
	TotalSize uint64     `json:"total_size"`
	ChunkSize uint32     `json:"chunk_size"`
	Sized     bool       `json:"sized"`
	Verified  []Interval `json:"verified"`
}

// Snapshot encodes the session's durable state.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return json.Marshal(snapshot{
		Hash:      s.hash.String(),
		TotalSize: s.totalSize,
		ChunkSize: s.chunkSize,
		Sized:     s.sized,
		Verified:  s.verified.Intervals(),
	})
}

// Restore rebuilds a session from a snapshot. Persisted verified ranges
// are trusted in full: they only ever record ranges that passed proof
// verification, so nothing is re-verified or re-requested.
func Restore(data []byte) (*Session, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	hash, err := cid.Decode(snap.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hash: %v", ErrCorruptSnapshot, err)
	}

	s := newSession(hash)
	s.totalSize = snap.TotalSize
	s.chunkSize = snap.ChunkSize
	s.sized = snap.Sized
	s.verified = FromIntervals(snap.Verified)
	s.checkCompleteLocked()
	return s, nil
}
