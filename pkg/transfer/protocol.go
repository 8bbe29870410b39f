package transfer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/VetheonGames/ByteZap/pkg/merkle"
)

// Versioned protocol IDs for the two request kinds.
const (
	DescProtocol  = "/bytezap/desc/1.0.0"
	ChunkProtocol = "/bytezap/chunk/1.0.0"
)

// maxMsgSize bounds a framed JSON message; chunk payloads travel outside
// the frame and are bounded separately.
const (
	maxMsgSize      = 1 << 20
	maxWireChunkLen = 4 << 20
)

// descriptorRequest asks a provider for the shape of one content object.
type descriptorRequest struct {
	Hash string `json:"hash"`
}

// descriptorResponse carries the root descriptor: total size and chunk
// granularity, from which the requester derives the tree shape.
type descriptorResponse struct {
	Found     bool   `json:"found"`
	Size      uint64 `json:"size"`
	ChunkSize uint32 `json:"chunk_size"`
	NumChunks int    `json:"num_chunks"`
	Err       string `json:"err,omitempty"`
}

// chunkRequest asks for one chunk plus its inclusion proof.
type chunkRequest struct {
	Hash  string `json:"hash"`
	Index int    `json:"index"`
}

// chunkResponse precedes DataLen raw bytes of chunk data on the stream.
type chunkResponse struct {
	Found   bool     `json:"found"`
	Index   int      `json:"index"`
	DataLen uint32   `json:"data_len"`
	Proof   []string `json:"proof"`
	Err     string   `json:"err,omitempty"`
}

// Descriptor is the verified-side view of a content object's shape.
type Descriptor struct {
	Size      uint64
	ChunkSize uint32
	NumChunks int
}

// validate applies the structural checks that make a descriptor usable;
// anything failing here is a data problem, not a transient one.
func (d *Descriptor) validate() error {
	if d.ChunkSize == 0 {
		return fmt.Errorf("%w: zero chunk size", ErrCorruptDescriptor)
	}
	if d.ChunkSize > maxWireChunkLen {
		return fmt.Errorf("%w: chunk size %d exceeds limit", ErrCorruptDescriptor, d.ChunkSize)
	}
	if d.NumChunks != merkle.NumChunks(d.Size, d.ChunkSize) {
		return fmt.Errorf("%w: %d chunks inconsistent with size %d", ErrCorruptDescriptor, d.NumChunks, d.Size)
	}
	return nil
}

// ChunkProof is one received chunk with the sibling hashes needed to
// recompute a candidate root.
type ChunkProof struct {
	Index int
	Data  []byte
	Path  []merkle.Digest
}

// Messages are framed as a 4-byte big-endian length followed by JSON.

func writeMsg(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readMsg(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMsgSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func parseProofPath(raw []string) ([]merkle.Digest, error) {
	path := make([]merkle.Digest, len(raw))
	for i, s := range raw {
		d, err := merkle.ParseDigest(s)
		if err != nil {
			return nil, err
		}
		path[i] = d
	}
	return path, nil
}

func proofPathStrings(path []merkle.Digest) []string {
	out := make([]string, len(path))
	for i, d := range path {
		out[i] = d.String()
	}
	return out
}

func parseHash(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("bad content hash %q: %w", s, err)
	}
	return c, nil
}
