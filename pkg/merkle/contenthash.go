package merkle

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrBadDigestLength = errors.New("digest has wrong length")
	ErrIndexOutOfRange = errors.New("leaf index out of range")
	ErrUnsupportedHash = errors.New("content hash is not a sha256 merkle root")
)

// Content hashes are CIDv1 whose multihash is the sha256 merkle root of
// the chunk tree. The codec distinguishes plain blobs from collection
// manifests.
const (
	BlobCodec       = cid.Raw
	CollectionCodec = cid.DagJSON
)

// RootCID wraps a merkle root digest into a content hash.
func RootCID(root Digest, codec uint64) cid.Cid {
	mh, err := multihash.Encode(root[:], multihash.SHA2_256)
	if err != nil {
		// sha256 encode cannot fail on a fixed 32-byte digest
		panic(err)
	}
	return cid.NewCidV1(codec, mh)
}

// RootFromCID extracts the merkle root digest from a content hash.
func RootFromCID(c cid.Cid) (Digest, error) {
	var d Digest
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return d, err
	}
	if dec.Code != multihash.SHA2_256 || dec.Length != len(d) {
		return d, ErrUnsupportedHash
	}
	copy(d[:], dec.Digest)
	return d, nil
}

// IsCollection reports whether the content hash names a collection
// manifest rather than a raw blob.
func IsCollection(c cid.Cid) bool {
	return c.Type() == CollectionCodec
}
