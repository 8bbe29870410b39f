package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("bytezap/resolver")

// Source records how a candidate address was learned.
type Source string

const (
	// SourceObserved addresses were confirmed by a successful direct
	// connection or observed on an inbound packet.
	SourceObserved Source = "direct-observed"
	// SourceLearned addresses arrived indirectly, via gossip or relayed
	// address exchange.
	SourceLearned Source = "relay-learned"
	// SourceStatic addresses come from configuration and are never pruned.
	SourceStatic Source = "static-config"
)

// basePriority orders sources; lower sorts first.
func basePriority(s Source) int {
	switch s {
	case SourceObserved:
		return 0
	case SourceStatic:
		return 10
	default:
		return 20
	}
}

// strikePenalty is added to a candidate's effective priority per recorded
// failure, deprioritizing it without removing it: a NATed address that
// failed an hour ago may well work now.
const strikePenalty = 5

// Candidate is one possible network endpoint for a peer.
type Candidate struct {
	Addr     ma.Multiaddr
	Source   Source
	Priority int
	LastSeen time.Time
	Strikes  int
}

func (c *Candidate) score() int {
	return c.Priority + c.Strikes*strikePenalty
}

const candidateBucket = "candidates"

// Book is the per-peer candidate address set. It is mutated concurrently
// by gossip updates, connection outcomes and static config; the single
// lock serializes all mutation.
type Book struct {
	mu    sync.RWMutex
	peers map[peer.ID][]*Candidate
	db    *bolt.DB
}

// NewBook opens the candidate book, loading any persisted candidates.
// db may be nil for an in-memory book.
func NewBook(db *bolt.DB) (*Book, error) {
	b := &Book{
		peers: make(map[peer.ID][]*Candidate),
		db:    db,
	}
	if db == nil {
		return b, nil
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(candidateBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create candidate bucket: %w", err)
	}
	if err := b.loadAll(); err != nil {
		return nil, err
	}
	return b, nil
}

// Add records a candidate address for a peer. An existing entry for the
// same address is refreshed; its source is upgraded if the new source
// ranks better.
func (b *Book) Add(p peer.ID, addr ma.Multiaddr, src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.peers[p] {
		if c.Addr.Equal(addr) {
			c.LastSeen = time.Now()
			if basePriority(src) < c.Priority {
				c.Source = src
				c.Priority = basePriority(src)
			}
			b.persistLocked(p)
			return
		}
	}

	b.peers[p] = append(b.peers[p], &Candidate{
		Addr:     addr,
		Source:   src,
		Priority: basePriority(src),
		LastSeen: time.Now(),
	})
	b.persistLocked(p)
}

// Observe marks an address as confirmed working: strikes reset, source
// upgraded to direct-observed.
func (b *Book) Observe(p peer.ID, addr ma.Multiaddr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.peers[p] {
		if c.Addr.Equal(addr) {
			c.Source = SourceObserved
			c.Priority = basePriority(SourceObserved)
			c.Strikes = 0
			c.LastSeen = time.Now()
			b.persistLocked(p)
			return
		}
	}
	b.peers[p] = append(b.peers[p], &Candidate{
		Addr:     addr,
		Source:   SourceObserved,
		Priority: basePriority(SourceObserved),
		LastSeen: time.Now(),
	})
	b.persistLocked(p)
}

// Penalize deprioritizes an address after a failed attempt. The candidate
// is kept; addresses can become valid again.
func (b *Book) Penalize(p peer.ID, addr ma.Multiaddr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.peers[p] {
		if c.Addr.Equal(addr) {
			c.Strikes++
			b.persistLocked(p)
			return
		}
	}
}

// Candidates returns the peer's candidates, best first.
func (b *Book) Candidates(p peer.ID) []Candidate {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Candidate, 0, len(b.peers[p]))
	for _, c := range b.peers[p] {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score() != out[j].score() {
			return out[i].score() < out[j].score()
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Addrs returns just the candidate multiaddrs, best first.
func (b *Book) Addrs(p peer.ID) []ma.Multiaddr {
	cands := b.Candidates(p)
	addrs := make([]ma.Multiaddr, len(cands))
	for i, c := range cands {
		addrs[i] = c.Addr
	}
	return addrs
}

// Prune drops non-static candidates not seen within maxAge.
func (b *Book) Prune(maxAge time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for p, cands := range b.peers {
		kept := cands[:0]
		for _, c := range cands {
			if c.Source == SourceStatic || c.LastSeen.After(cutoff) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(b.peers, p)
		} else {
			b.peers[p] = kept
		}
		b.persistLocked(p)
	}
}

// persisted wire form; multiaddrs as strings.
type storedCandidate struct {
	Addr     string    `json:"addr"`
	Source   Source    `json:"source"`
	Priority int       `json:"priority"`
	LastSeen time.Time `json:"last_seen"`
	Strikes  int       `json:"strikes"`
}

func (b *Book) persistLocked(p peer.ID) {
	if b.db == nil {
		return
	}

	cands := b.peers[p]
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(candidateBucket))
		if len(cands) == 0 {
			return bkt.Delete([]byte(p))
		}
		stored := make([]storedCandidate, len(cands))
		for i, c := range cands {
			stored[i] = storedCandidate{
				Addr:     c.Addr.String(),
				Source:   c.Source,
				Priority: c.Priority,
				LastSeen: c.LastSeen,
				Strikes:  c.Strikes,
			}
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(p), data)
	})
	if err != nil {
		log.Warnw("failed to persist candidates", "peer", p, "err", err)
	}
}

func (b *Book) loadAll() error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(candidateBucket)).ForEach(func(k, v []byte) error {
			p := peer.ID(k)
			var stored []storedCandidate
			if err := json.Unmarshal(v, &stored); err != nil {
				log.Warnw("skipping unreadable candidate record", "peer", p, "err", err)
				return nil
			}
			for _, sc := range stored {
				addr, err := ma.NewMultiaddr(sc.Addr)
				if err != nil {
					continue
				}
				b.peers[p] = append(b.peers[p], &Candidate{
					Addr:     addr,
					Source:   sc.Source,
					Priority: sc.Priority,
					LastSeen: sc.LastSeen,
					Strikes:  sc.Strikes,
				})
			}
			return nil
		})
	})
}
