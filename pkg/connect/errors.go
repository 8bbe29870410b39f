package connect

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/sec"
)

var (
	// ErrUnreachable means no direct path worked and no relay was
	// configured or reachable.
	ErrUnreachable = errors.New("peer unreachable: no usable path")

	// ErrTimeout means the bounded establishment window elapsed without
	// a completed handshake on any path.
	ErrTimeout = errors.New("connection establishment timed out")

	// ErrAuthFailed means a handshake completed against the wrong
	// identity. The candidate is discarded, not retried.
	ErrAuthFailed = errors.New("peer failed identity authentication")
)

// isAuthErr detects a security handshake that authenticated to a peer
// other than the one dialed.
func isAuthErr(err error) bool {
	var mismatch sec.ErrPeerIDMismatch
	return errors.As(err, &mismatch)
}

func isTimeoutErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
