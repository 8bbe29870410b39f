package transfer

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/VetheonGames/ByteZap/pkg/storage"
)

var log = logging.Logger("bytezap/transfer")

const handlerTimeout = 30 * time.Second

// Provider serves descriptors and chunk proofs for locally stored,
// verified content. Peers address content solely by hash; the provider
// never interprets what it is serving.
type Provider struct {
	host  host.Host
	store *storage.Store
}

// NewProvider registers the transfer protocol handlers on h.
func NewProvider(h host.Host, store *storage.Store) *Provider {
	p := &Provider{host: h, store: store}
	h.SetStreamHandler(DescProtocol, p.handleDescriptor)
	h.SetStreamHandler(ChunkProtocol, p.handleChunk)
	return p
}

// Close removes the protocol handlers.
func (p *Provider) Close() {
	p.host.RemoveStreamHandler(DescProtocol)
	p.host.RemoveStreamHandler(ChunkProtocol)
}

func (p *Provider) handleDescriptor(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(handlerTimeout))

	var req descriptorRequest
	if err := readMsg(stream, &req); err != nil {
		stream.Reset()
		return
	}

	hash, err := parseHash(req.Hash)
	if err != nil {
		writeMsg(stream, descriptorResponse{Err: "bad content hash"})
		return
	}

	meta, err := p.store.GetMeta(hash)
	if err != nil {
		writeMsg(stream, descriptorResponse{Err: "not found"})
		return
	}

	log.Debugw("serving descriptor", "hash", hash, "to", stream.Conn().RemotePeer())
	writeMsg(stream, descriptorResponse{
		Found:     true,
		Size:      meta.Size,
		ChunkSize: meta.ChunkSize,
		NumChunks: len(meta.Leaves),
	})
}

func (p *Provider) handleChunk(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(handlerTimeout))

	var req chunkRequest
	if err := readMsg(stream, &req); err != nil {
		stream.Reset()
		return
	}

	hash, err := parseHash(req.Hash)
	if err != nil {
		writeMsg(stream, chunkResponse{Err: "bad content hash"})
		return
	}

	data, err := p.store.ReadChunk(hash, req.Index)
	if err != nil {
		writeMsg(stream, chunkResponse{Err: "not found"})
		return
	}
	tree, err := p.store.Tree(hash)
	if err != nil {
		writeMsg(stream, chunkResponse{Err: "not found"})
		return
	}
	path, err := tree.Proof(req.Index)
	if err != nil {
		writeMsg(stream, chunkResponse{Err: "bad chunk index"})
		return
	}

	resp := chunkResponse{
		Found:   true,
		Index:   req.Index,
		DataLen: uint32(len(data)),
		Proof:   proofPathStrings(path),
	}
	if err := writeMsg(stream, resp); err != nil {
		stream.Reset()
		return
	}
	if _, err := stream.Write(data); err != nil {
		stream.Reset()
		return
	}
}
