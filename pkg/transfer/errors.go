package transfer

import "errors"

var (
	// ErrProofInvalid marks a chunk whose merkle proof did not recompute
	// to the session's root. The chunk stays missing and is re-requested,
	// preferably from a different peer.
	ErrProofInvalid = errors.New("chunk proof failed verification")

	// ErrCorruptDescriptor marks a malformed or inconsistent content
	// descriptor. Never retried against the same source.
	ErrCorruptDescriptor = errors.New("content descriptor is malformed")

	// ErrChunkTimeout marks a chunk request that exceeded its deadline.
	ErrChunkTimeout = errors.New("chunk request timed out")

	// ErrNotAvailable is returned by a provider that does not hold the
	// requested content.
	ErrNotAvailable = errors.New("peer does not have the requested content")

	// ErrExhausted is surfaced when every candidate peer has failed or
	// been struck out and the session is still incomplete.
	ErrExhausted = errors.New("transfer incomplete: all peers exhausted")

	// ErrCancelled is surfaced when the session was cancelled through the
	// control surface, so callers can tell cancellation from failure.
	ErrCancelled = errors.New("transfer cancelled")
)
