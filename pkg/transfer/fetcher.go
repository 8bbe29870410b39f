package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/ByteZap/pkg/merkle"
	"github.com/VetheonGames/ByteZap/pkg/session"
	"github.com/VetheonGames/ByteZap/pkg/storage"
)

// Config tunes the fetcher's retry and peer-exclusion policy. How many
// strikes exclude a peer is an operational decision; exclusion is
// session-scoped, the peer is eligible again on the next request.
type Config struct {
	ChunkTimeout   time.Duration
	MaxStrikes     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// IdleWait is how long a worker sleeps when every remaining range is
	// reserved by another peer.
	IdleWait time.Duration
}

// DefaultConfig returns the fetcher defaults.
func DefaultConfig() Config {
	return Config{
		ChunkTimeout:   10 * time.Second,
		MaxStrikes:     3,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
		IdleWait:       100 * time.Millisecond,
	}
}

// Fetcher runs verified, resumable transfers. Disjoint ranges of one
// session are pulled concurrently from multiple peers; the session's
// verified-range map is the single source of truth for what remains.
type Fetcher struct {
	dial  Dialer
	store *storage.Store
	reg   *session.Registry
	cfg   Config
}

// NewFetcher creates a fetcher. dial may be nil when callers only use
// FetchFrom with their own sources.
func NewFetcher(dial Dialer, store *storage.Store, reg *session.Registry, cfg Config) *Fetcher {
	if cfg.ChunkTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Fetcher{dial: dial, store: store, reg: reg, cfg: cfg}
}

// Registry exposes the session registry for the control surface.
func (f *Fetcher) Registry() *session.Registry { return f.reg }

// Fetch transfers the content named by hash from the candidate peers,
// establishing a connection to each. Scope, when non-nil, restricts the
// fetch to a byte range.
func (f *Fetcher) Fetch(ctx context.Context, hash cid.Cid, peers []peer.ID, scope *session.Interval) error {
	if len(peers) == 0 {
		return fmt.Errorf("%w: no candidate peers for %s", ErrExhausted, hash)
	}

	var (
		mu       sync.Mutex
		sources  []Source
		dialErrs []error
		wg       sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			conn, err := f.dial.Establish(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				dialErrs = append(dialErrs, fmt.Errorf("peer %s: %w", p, err))
				return
			}
			sources = append(sources, NewSource(p, conn))
		}(p)
	}
	wg.Wait()

	if len(sources) == 0 {
		return fmt.Errorf("no peer reachable for %s: %w", hash, errors.Join(dialErrs...))
	}
	return f.FetchFrom(ctx, hash, sources, scope)
}

// FetchFrom runs a transfer over already-established sources. It returns
// once the session is complete, cancelled, or every source is exhausted.
func (f *Fetcher) FetchFrom(ctx context.Context, hash cid.Cid, sources []Source, scope *session.Interval) error {
	if f.store.Has(hash) {
		return f.expand(ctx, hash, sources)
	}

	root, err := merkle.RootFromCID(hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)
	}

	sess, joined, err := f.reg.CreateOrJoin(hash)
	if err != nil {
		return err
	}
	if joined {
		log.Debugw("joined active session", "hash", hash)
	}
	if scope != nil {
		sess.SetScope(scope.Lo, scope.Hi)
	} else {
		// a full fetch must not inherit a narrower scope from an earlier
		// range-scoped caller
		sess.ClearScope()
	}

	var (
		mu       sync.Mutex
		workErrs []error
		wg       sync.WaitGroup
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := f.runWorker(ctx, sess, hash, root, src); err != nil {
				mu.Lock()
				workErrs = append(workErrs, err)
				mu.Unlock()
			}
		}(src)
	}
	wg.Wait()

	if err := f.reg.Persist(sess); err != nil {
		log.Warnw("failed to persist session", "hash", hash, "err", err)
	}

	// success is judged against the range this caller asked for; the
	// session's scope may be wider when callers coalesce
	covered := f.requestedCovered(sess, scope)
	switch {
	case sess.Cancelled() && !covered:
		// drop the dead session so the next request starts a fresh one
		// seeded from the persisted verified ranges
		if err := f.reg.Detach(sess); err != nil {
			log.Warnw("failed to persist cancelled session", "hash", hash, "err", err)
		}
		return fmt.Errorf("%w: %s", ErrCancelled, hash)
	case ctx.Err() != nil && !covered:
		return fmt.Errorf("%w: %s: %v", ErrCancelled, hash, ctx.Err())
	case !covered:
		return f.failure(hash, workErrs)
	}

	size, _, _ := sess.Shape()
	if !sess.IsVerified(session.Interval{Lo: 0, Hi: size}) {
		// range-scoped fetch: the scope is covered but the content is
		// not; keep partial data and progress for a later full fetch
		if err := f.reg.Detach(sess); err != nil {
			log.Warnw("failed to persist scoped session", "hash", hash, "err", err)
		}
		return nil
	}

	if size == 0 {
		// materialize the empty partial file so promotion has bytes to hash
		if err := f.store.WriteChunk(hash, 0, nil, 0); err != nil {
			return err
		}
	}
	if err := f.store.Promote(hash); err != nil {
		return fmt.Errorf("failed to commit verified content %s: %w", hash, err)
	}
	if err := f.reg.Detach(sess); err != nil {
		log.Warnw("failed to persist completed session", "hash", hash, "err", err)
	}
	log.Infow("transfer complete", "hash", hash, "bytes", sess.Status().VerifiedBytes)

	return f.expand(ctx, hash, sources)
}

// expand recursively fetches the children of a collection manifest. The
// manifest was verified like any blob, which makes the protocol uniform
// for single blobs and collections.
func (f *Fetcher) expand(ctx context.Context, hash cid.Cid, sources []Source) error {
	if !merkle.IsCollection(hash) {
		return nil
	}
	children, err := f.store.Children(hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)
	}
	for _, child := range children {
		childHash, err := cid.Decode(child.Hash)
		if err != nil {
			return fmt.Errorf("%w: bad child hash %q", ErrCorruptDescriptor, child.Hash)
		}
		if f.store.Has(childHash) {
			continue
		}
		if err := f.FetchFrom(ctx, childHash, sources, nil); err != nil {
			return fmt.Errorf("collection child %s: %w", child.Hash, err)
		}
	}
	return nil
}

// requestedCovered reports whether the caller's requested range, clipped
// to the content size, is fully verified.
func (f *Fetcher) requestedCovered(sess *session.Session, scope *session.Interval) bool {
	size, _, sized := sess.Shape()
	if !sized {
		return false
	}
	lo, hi := uint64(0), size
	if scope != nil {
		lo, hi = scope.Lo, scope.Hi
		if hi > size {
			hi = size
		}
		if lo > hi {
			lo = hi
		}
	}
	return sess.IsVerified(session.Interval{Lo: lo, Hi: hi})
}

// failure picks the most telling error class for an incomplete session.
func (f *Fetcher) failure(hash cid.Cid, workErrs []error) error {
	for _, err := range workErrs {
		if errors.Is(err, ErrCorruptDescriptor) {
			return err
		}
	}
	if len(workErrs) == 0 {
		return fmt.Errorf("%w: %s", ErrExhausted, hash)
	}
	return fmt.Errorf("%w: %s: %v", ErrExhausted, hash, errors.Join(workErrs...))
}

// runWorker pulls chunks from a single source until the session is done
// or the source is struck out. Strikes are session-scoped.
func (f *Fetcher) runWorker(ctx context.Context, sess *session.Session, hash cid.Cid, root merkle.Digest, src Source) error {
	if err := f.ensureDescriptor(ctx, sess, hash, src); err != nil {
		return err
	}

	size, chunkSize, _ := sess.Shape()
	numChunks := merkle.NumChunks(size, chunkSize)

	strikes := 0
	delay := f.cfg.RetryBaseDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sess.Complete() || sess.Cancelled() {
			return nil
		}

		iv, ok := sess.Reserve(src.Peer())
		if !ok {
			if sess.Complete() || sess.Cancelled() {
				return nil
			}
			// everything left is reserved by another peer right now; a
			// fired done channel is re-checked at the top of the loop,
			// since a joining caller may have widened the scope
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sess.Done():
			case <-time.After(f.cfg.IdleWait):
			}
			continue
		}

		index := int(iv.Lo / uint64(chunkSize))
		cctx, cancel := context.WithTimeout(ctx, f.cfg.ChunkTimeout)
		proof, err := src.Chunk(cctx, hash, index)
		cancel()
		if err == nil {
			err = f.verifyAndCommit(sess, hash, root, size, numChunks, index, iv, proof)
		}
		if err == nil {
			delay = f.cfg.RetryBaseDelay
			continue
		}

		sess.Release(iv)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		strikes++
		log.Debugw("chunk attempt failed", "hash", hash, "index", index,
			"peer", src.Peer(), "strikes", strikes, "err", err)
		if strikes >= f.cfg.MaxStrikes {
			sess.ReleasePeer(src.Peer())
			return fmt.Errorf("peer %s struck out for %s: %w", src.Peer(), hash, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.RetryMaxDelay {
			delay = f.cfg.RetryMaxDelay
		}
	}
}

// ensureDescriptor makes the content's shape known to the session,
// fetching and validating the root descriptor if no other worker has yet.
func (f *Fetcher) ensureDescriptor(ctx context.Context, sess *session.Session, hash cid.Cid, src Source) error {
	if sess.Sized() {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, f.cfg.ChunkTimeout)
	desc, err := src.Descriptor(dctx, hash)
	cancel()
	if err != nil {
		if sess.Sized() {
			// another worker got there first
			return nil
		}
		return fmt.Errorf("descriptor for %s from %s: %w", hash, src.Peer(), err)
	}

	if err := sess.SetTotal(desc.Size, desc.ChunkSize); err != nil {
		// this peer's descriptor disagrees with the established shape
		return fmt.Errorf("%w: %v (peer %s)", ErrCorruptDescriptor, err, src.Peer())
	}
	return nil
}

// verifyAndCommit recomputes a candidate root from the chunk and its
// sibling path; only a chunk whose candidate root equals the session's
// target root is written to storage and recorded as verified. Duplicate
// arrivals for an already-verified range are discarded with nothing more
// than a range lookup.
func (f *Fetcher) verifyAndCommit(sess *session.Session, hash cid.Cid, root merkle.Digest,
	size uint64, numChunks, index int, iv session.Interval, proof *ChunkProof) error {

	if sess.IsVerified(iv) {
		return nil
	}
	if proof.Index != index {
		return fmt.Errorf("%w: got chunk %d, requested %d", ErrProofInvalid, proof.Index, index)
	}
	if uint64(len(proof.Data)) != iv.Len() {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrProofInvalid, index, len(proof.Data), iv.Len())
	}
	if !merkle.VerifyProof(merkle.LeafHash(proof.Data), index, numChunks, proof.Path, root) {
		return fmt.Errorf("%w: chunk %d of %s", ErrProofInvalid, index, hash)
	}

	if err := f.store.WriteChunk(hash, iv.Lo, proof.Data, size); err != nil {
		return err
	}
	sess.MarkVerified(iv)
	if err := f.reg.Persist(sess); err != nil {
		log.Warnw("failed to persist session progress", "hash", hash, "err", err)
	}
	return nil
}
