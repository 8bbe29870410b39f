package session

import (
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/ipfs/go-cid"
)

const sessionBucket = "sessions"

// Registry enforces at-most-one active session per content hash.
// Concurrent requests for the same hash join the existing session and
// share its progress. Sessions are persisted through an optional bolt
// database so a restarted process resumes instead of restarting.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	db       *bolt.DB
}

// NewRegistry creates a registry. db may be nil for a purely in-memory
// registry (used by tests and short-lived callers).
func NewRegistry(db *bolt.DB) (*Registry, error) {
	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session bucket: %w", err)
		}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		db:       db,
	}, nil
}

// CreateOrJoin returns the active session for hash, creating one if none
// exists. A persisted snapshot, when present, seeds the new session so
// previously verified ranges are not fetched again. The second return
// value is true when an already-active session was joined.
func (r *Registry) CreateOrJoin(hash cid.Cid) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := hash.String()
	if s, ok := r.sessions[key]; ok {
		if !s.Cancelled() {
			return s, true, nil
		}
		// a cancelled session is dead for every caller; replace it with
		// a fresh one carrying the verified ranges forward
		fresh := s.reincarnate()
		r.sessions[key] = fresh
		return fresh, false, nil
	}

	if s := r.loadSnapshot(key); s != nil {
		r.sessions[key] = s
		return s, false, nil
	}

	s := newSession(hash)
	r.sessions[key] = s
	return s, false, nil
}

func (r *Registry) loadSnapshot(key string) *Session {
	if r.db == nil {
		return nil
	}
	var raw []byte
	r.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(sessionBucket)).Get([]byte(key)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if raw == nil {
		return nil
	}
	s, err := Restore(raw)
	if err != nil {
		log.Warnw("dropping unreadable session snapshot", "hash", key, "err", err)
		return nil
	}
	log.Infow("resumed session from snapshot", "hash", key, "verified", s.Status().VerifiedBytes)
	return s
}

// Persist writes the session's snapshot. Callers invoke it after commits
// and on shutdown; losing a snapshot costs re-fetching, never correctness.
func (r *Registry) Persist(s *Session) error {
	if r.db == nil {
		return nil
	}
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(s.Hash().String()), data)
	})
}

// Active returns the active session for hash, if any.
func (r *Registry) Active(hash cid.Cid) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hash.String()]
	return s, ok
}

// Detach removes the session from the active set, persisting its final
// state. The snapshot stays on disk so a future request resumes from it.
// A session that was already replaced by a successor is left alone: the
// successor's progress supersedes it.
func (r *Registry) Detach(s *Session) error {
	r.mu.Lock()
	key := s.Hash().String()
	if cur, ok := r.sessions[key]; ok && cur != s {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, key)
	r.mu.Unlock()
	return r.Persist(s)
}

// Evict removes both the active session and its persisted snapshot.
func (r *Registry) Evict(hash cid.Cid) error {
	r.mu.Lock()
	delete(r.sessions, hash.String())
	r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(hash.String()))
	})
}
