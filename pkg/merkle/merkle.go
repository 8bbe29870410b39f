package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// DefaultChunkSize is the fixed transfer granularity. Large enough to keep
// per-chunk proof overhead small, small enough that a lost chunk is cheap
// to re-request.
const DefaultChunkSize = 256 * 1024

// Digest is a sha256 hash of a chunk or an interior tree node.
type Digest [sha256.Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hex digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(raw) != sha256.Size {
		return d, ErrBadDigestLength
	}
	copy(d[:], raw)
	return d, nil
}

// Leaf and interior hashes are domain separated so an interior node can
// never be presented as chunk data.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// LeafHash hashes one chunk of content.
func LeafHash(data []byte) Digest {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	var d Digest
	h.Sum(d[:0])
	return d
}

func nodeHash(left, right Digest) Digest {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])
	var d Digest
	h.Sum(d[:0])
	return d
}

// Tree is a Merkle tree over the chunk leaves of one content object.
// levels[0] holds the leaves, the last level holds the single root.
type Tree struct {
	levels [][]Digest
}

// BuildTree computes the full tree bottom-up. An odd node at the end of a
// level is paired with itself.
func BuildTree(leaves []Digest) *Tree {
	if len(leaves) == 0 {
		leaves = []Digest{LeafHash(nil)}
	}

	levels := [][]Digest{leaves}
	for cur := leaves; len(cur) > 1; {
		next := make([]Digest, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			j := i + 1
			if j == len(cur) {
				j = i // compensate for odd number
			}
			next = append(next, nodeHash(cur[i], cur[j]))
		}
		levels = append(levels, next)
		cur = next
	}
	return &Tree{levels: levels}
}

// Root returns the tree's root digest.
func (t *Tree) Root() Digest {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of chunk leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Leaves returns the leaf digests in chunk order.
func (t *Tree) Leaves() []Digest {
	out := make([]Digest, len(t.levels[0]))
	copy(out, t.levels[0])
	return out
}

// Proof returns the sibling path for the leaf at index. Levels where the
// node is an unpaired last node contribute no path entry; the verifier
// reconstructs that pairing from the leaf count.
func (t *Tree) Proof(index int) ([]Digest, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrIndexOutOfRange
	}

	var path []Digest
	i := index
	for _, level := range t.levels[:len(t.levels)-1] {
		j := i ^ 1
		if j < len(level) {
			path = append(path, level[j])
		}
		i /= 2
	}
	return path, nil
}

// VerifyProof recomputes a candidate root from one leaf and its sibling
// path and compares it against the expected root. leafCount must be the
// total number of chunks claimed by the content descriptor; it determines
// where unpaired nodes occur.
func VerifyProof(leaf Digest, index, leafCount int, path []Digest, root Digest) bool {
	if leafCount <= 0 || index < 0 || index >= leafCount {
		return false
	}

	cur := leaf
	i := index
	n := leafCount
	pi := 0
	for n > 1 {
		j := i ^ 1
		if j >= n {
			cur = nodeHash(cur, cur)
		} else {
			if pi >= len(path) {
				return false
			}
			if i&1 == 1 {
				cur = nodeHash(path[pi], cur)
			} else {
				cur = nodeHash(cur, path[pi])
			}
			pi++
		}
		i /= 2
		n = (n + 1) / 2
	}
	return pi == len(path) && cur == root
}

// ChunkReader hashes r into chunk leaves at DefaultChunkSize granularity
// and reports the total byte size. Empty content yields a single empty
// leaf so it still has a well-defined root.
func ChunkReader(r io.Reader) ([]Digest, uint64, error) {
	return chunkReader(r, DefaultChunkSize)
}

func chunkReader(r io.Reader, chunkSize int) ([]Digest, uint64, error) {
	var (
		leaves []Digest
		total  uint64
	)
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaves = append(leaves, LeafHash(buf[:n]))
			total += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	if len(leaves) == 0 {
		leaves = []Digest{LeafHash(nil)}
	}
	return leaves, total, nil
}

// NumChunks returns how many chunks cover size bytes.
func NumChunks(size uint64, chunkSize uint32) int {
	if size == 0 {
		return 1
	}
	return int((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}
