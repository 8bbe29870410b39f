package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/VetheonGames/ByteZap/pkg/merkle"
)

var log = logging.Logger("bytezap/storage")

var (
	ErrNotFound      = errors.New("content not found")
	ErrRootMismatch  = errors.New("content does not hash to its claimed root")
	ErrNotCollection = errors.New("content hash does not name a collection")
)

const blobBucket = "blobs"

// Meta is the persisted per-blob record: enough to serve descriptors and
// chunk proofs without rehashing the content on every request.
type Meta struct {
	Size      uint64   `json:"size"`
	ChunkSize uint32   `json:"chunk_size"`
	Leaves    []string `json:"leaves"`
	Codec     uint64   `json:"codec"`
}

// Store keeps verified content on disk, addressed by content hash.
// Complete blobs live under complete/, in-progress fetches under
// partial/. Nothing under partial/ is ever readable through Get: bytes
// only move to complete/ once the owning session verified the whole
// range.
type Store struct {
	completeDir string
	partialDir  string
	db          *bolt.DB

	mu      sync.Mutex
	partial map[string]*os.File

	promoteMu sync.Mutex
}

// NewStore opens (creating if needed) a content store rooted at dir.
func NewStore(dir string, db *bolt.DB) (*Store, error) {
	s := &Store{
		completeDir: filepath.Join(dir, "complete"),
		partialDir:  filepath.Join(dir, "partial"),
		db:          db,
		partial:     make(map[string]*os.File),
	}
	for _, d := range []string{s.completeDir, s.partialDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob bucket: %w", err)
	}
	return s, nil
}

func (s *Store) completePath(c cid.Cid) string {
	return filepath.Join(s.completeDir, c.String())
}

func (s *Store) partialPath(c cid.Cid) string {
	return filepath.Join(s.partialDir, c.String())
}

// ImportReader hashes, chunks and stores content, returning its content
// hash. codec is BlobCodec for raw data, CollectionCodec for manifests.
func (s *Store) ImportReader(r io.Reader, codec uint64) (cid.Cid, error) {
	tmp, err := os.CreateTemp(s.partialDir, "import-*")
	if err != nil {
		return cid.Undef, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, r); err != nil {
		return cid.Undef, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return cid.Undef, err
	}

	leaves, size, err := merkle.ChunkReader(tmp)
	if err != nil {
		return cid.Undef, err
	}
	tree := merkle.BuildTree(leaves)
	c := merkle.RootCID(tree.Root(), codec)

	if s.Has(c) {
		return c, nil
	}

	if err := os.Rename(tmp.Name(), s.completePath(c)); err != nil {
		return cid.Undef, err
	}
	if err := s.putMeta(c, Meta{
		Size:      size,
		ChunkSize: merkle.DefaultChunkSize,
		Leaves:    leafStrings(leaves),
		Codec:     codec,
	}); err != nil {
		return cid.Undef, err
	}

	log.Infow("imported content", "hash", c, "size", size, "chunks", len(leaves))
	return c, nil
}

// ImportFile imports a local file as a raw blob.
func (s *Store) ImportFile(path string) (cid.Cid, error) {
	f, err := os.Open(path)
	if err != nil {
		return cid.Undef, err
	}
	defer f.Close()
	return s.ImportReader(f, merkle.BlobCodec)
}

// CollectionEntry is one named child of a collection manifest.
type CollectionEntry struct {
	Name string `json:"name,omitempty"`
	Hash string `json:"hash"`
}

type collectionManifest struct {
	Version  int               `json:"version"`
	Children []CollectionEntry `json:"children"`
}

// CreateCollection stores a manifest referencing child hashes. The
// manifest is itself content-addressed and transferred like any blob.
func (s *Store) CreateCollection(entries []CollectionEntry) (cid.Cid, error) {
	data, err := json.Marshal(collectionManifest{Version: 1, Children: entries})
	if err != nil {
		return cid.Undef, err
	}
	return s.ImportReader(bytes.NewReader(data), merkle.CollectionCodec)
}

// Children parses a stored collection manifest into its child hashes.
func (s *Store) Children(c cid.Cid) ([]CollectionEntry, error) {
	if !merkle.IsCollection(c) {
		return nil, ErrNotCollection
	}
	f, err := s.Open(c)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var manifest collectionManifest
	if err := json.NewDecoder(f).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to parse collection manifest: %w", err)
	}
	return manifest.Children, nil
}

// Has reports whether complete, verified content exists for c.
func (s *Store) Has(c cid.Cid) bool {
	_, err := s.GetMeta(c)
	return err == nil
}

// Open returns a reader over complete content.
func (s *Store) Open(c cid.Cid) (*os.File, error) {
	if !s.Has(c) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return os.Open(s.completePath(c))
}

// ReadChunk reads one chunk of complete content for serving to a peer.
func (s *Store) ReadChunk(c cid.Cid, index int) ([]byte, error) {
	meta, err := s.GetMeta(c)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(meta.Leaves) {
		return nil, merkle.ErrIndexOutOfRange
	}

	f, err := os.Open(s.completePath(c))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	off := uint64(index) * uint64(meta.ChunkSize)
	length := uint64(meta.ChunkSize)
	if off+length > meta.Size {
		length = meta.Size - off
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Tree rebuilds the merkle tree for stored content from its leaf record,
// for computing chunk proofs on demand.
func (s *Store) Tree(c cid.Cid) (*merkle.Tree, error) {
	meta, err := s.GetMeta(c)
	if err != nil {
		return nil, err
	}
	leaves := make([]merkle.Digest, len(meta.Leaves))
	for i, ls := range meta.Leaves {
		d, err := merkle.ParseDigest(ls)
		if err != nil {
			return nil, fmt.Errorf("corrupt leaf record for %s: %w", c, err)
		}
		leaves[i] = d
	}
	return merkle.BuildTree(leaves), nil
}

// GetMeta returns the blob record for complete content.
func (s *Store) GetMeta(c cid.Cid) (Meta, error) {
	var meta Meta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(blobBucket)).Get([]byte(c.String()))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return meta, err
	}
	if !found {
		return meta, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return meta, nil
}

func (s *Store) putMeta(c cid.Cid, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Put([]byte(c.String()), data)
	})
}

// WriteChunk writes an already-verified chunk into the partial file for
// c, sized up front to totalSize so chunks can land in any order.
func (s *Store) WriteChunk(c cid.Cid, offset uint64, data []byte, totalSize uint64) error {
	f, err := s.partialFile(c, totalSize)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, int64(offset))
	return err
}

func (s *Store) partialFile(c cid.Cid, totalSize uint64) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.String()
	if f, ok := s.partial[key]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.partialPath(c), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		return nil, err
	}
	s.partial[key] = f
	return f, nil
}

// Promote moves a fully-verified partial blob into the complete area.
// The content is rehashed once more against its claimed root before the
// move; a mismatch means the partial file was corrupted at rest.
// Promotions are serialized: when coalesced sessions race on completion,
// the loser observes the winner's result as success.
func (s *Store) Promote(c cid.Cid) error {
	s.promoteMu.Lock()
	defer s.promoteMu.Unlock()

	if s.Has(c) {
		return nil
	}

	s.mu.Lock()
	if f, ok := s.partial[c.String()]; ok {
		f.Close()
		delete(s.partial, c.String())
	}
	s.mu.Unlock()

	f, err := os.Open(s.partialPath(c))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no partial data for %s", ErrNotFound, c)
		}
		return err
	}

	leaves, size, err := merkle.ChunkReader(f)
	f.Close()
	if err != nil {
		return err
	}
	tree := merkle.BuildTree(leaves)

	want, err := merkle.RootFromCID(c)
	if err != nil {
		return err
	}
	if tree.Root() != want {
		return fmt.Errorf("%w: %s", ErrRootMismatch, c)
	}

	if err := os.Rename(s.partialPath(c), s.completePath(c)); err != nil {
		return err
	}
	return s.putMeta(c, Meta{
		Size:      size,
		ChunkSize: merkle.DefaultChunkSize,
		Leaves:    leafStrings(leaves),
		Codec:     c.Type(),
	})
}

// DiscardPartial drops any partial state for c.
func (s *Store) DiscardPartial(c cid.Cid) error {
	s.mu.Lock()
	if f, ok := s.partial[c.String()]; ok {
		f.Close()
		delete(s.partial, c.String())
	}
	s.mu.Unlock()

	err := os.Remove(s.partialPath(c))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close releases open partial file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, f := range s.partial {
		f.Close()
		delete(s.partial, key)
	}
	return nil
}

func leafStrings(leaves []merkle.Digest) []string {
	out := make([]string, len(leaves))
	for i, d := range leaves {
		out[i] = d.String()
	}
	return out
}
