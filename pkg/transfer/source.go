package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// StreamOpener is the slice of an established connection the transfer
// protocol needs: the ability to open bidirectional streams.
type StreamOpener interface {
	OpenStream(ctx context.Context, proto protocol.ID) (network.Stream, error)
}

// Dialer hands the fetcher an established, authenticated connection to a
// peer. Implemented by the connection establishment engine.
type Dialer interface {
	Establish(ctx context.Context, p peer.ID) (StreamOpener, error)
}

// Source supplies descriptors and chunk proofs for one peer. The stream
// implementation talks the wire protocol; tests substitute in-memory
// sources.
type Source interface {
	Peer() peer.ID
	Descriptor(ctx context.Context, hash cid.Cid) (*Descriptor, error)
	Chunk(ctx context.Context, hash cid.Cid, index int) (*ChunkProof, error)
}

// streamSource implements Source over an established connection.
type streamSource struct {
	peer peer.ID
	conn StreamOpener
}

// NewSource wraps an established connection as a chunk source.
func NewSource(p peer.ID, conn StreamOpener) Source {
	return &streamSource{peer: p, conn: conn}
}

func (s *streamSource) Peer() peer.ID { return s.peer }

func (s *streamSource) Descriptor(ctx context.Context, hash cid.Cid) (*Descriptor, error) {
	stream, err := s.conn.OpenStream(ctx, DescProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor stream to %s: %w", s.peer, err)
	}
	defer stream.Close()
	applyDeadline(ctx, stream)

	if err := writeMsg(stream, descriptorRequest{Hash: hash.String()}); err != nil {
		stream.Reset()
		return nil, mapStreamErr(err)
	}

	var resp descriptorResponse
	if err := readMsg(stream, &resp); err != nil {
		stream.Reset()
		return nil, mapStreamErr(err)
	}
	if !resp.Found {
		return nil, fmt.Errorf("%w: %s (peer %s)", ErrNotAvailable, hash, s.peer)
	}

	desc := &Descriptor{Size: resp.Size, ChunkSize: resp.ChunkSize, NumChunks: resp.NumChunks}
	if err := desc.validate(); err != nil {
		return nil, fmt.Errorf("%w (from peer %s)", err, s.peer)
	}
	return desc, nil
}

func (s *streamSource) Chunk(ctx context.Context, hash cid.Cid, index int) (*ChunkProof, error) {
	stream, err := s.conn.OpenStream(ctx, ChunkProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk stream to %s: %w", s.peer, err)
	}
	defer stream.Close()
	applyDeadline(ctx, stream)

	if err := writeMsg(stream, chunkRequest{Hash: hash.String(), Index: index}); err != nil {
		stream.Reset()
		return nil, mapStreamErr(err)
	}

	var resp chunkResponse
	if err := readMsg(stream, &resp); err != nil {
		stream.Reset()
		return nil, mapStreamErr(err)
	}
	if !resp.Found {
		return nil, fmt.Errorf("%w: %s chunk %d (peer %s)", ErrNotAvailable, hash, index, s.peer)
	}
	if resp.DataLen > maxWireChunkLen {
		return nil, fmt.Errorf("%w: chunk of %d bytes from peer %s", ErrProofInvalid, resp.DataLen, s.peer)
	}

	data := make([]byte, resp.DataLen)
	if _, err := io.ReadFull(stream, data); err != nil {
		stream.Reset()
		return nil, mapStreamErr(err)
	}
	path, err := parseProofPath(resp.Proof)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable proof from peer %s", ErrProofInvalid, s.peer)
	}

	return &ChunkProof{Index: resp.Index, Data: data, Path: path}, nil
}

func applyDeadline(ctx context.Context, stream network.Stream) {
	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}
}

// mapStreamErr folds transport-level failures into the transfer error
// taxonomy so the retry policy can treat them uniformly.
func mapStreamErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrChunkTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrChunkTimeout, err)
	}
	return err
}
