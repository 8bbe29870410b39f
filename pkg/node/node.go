package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/ByteZap/pkg/connect"
	"github.com/VetheonGames/ByteZap/pkg/discovery"
	"github.com/VetheonGames/ByteZap/pkg/identity"
	"github.com/VetheonGames/ByteZap/pkg/resolver"
	"github.com/VetheonGames/ByteZap/pkg/session"
	"github.com/VetheonGames/ByteZap/pkg/storage"
	"github.com/VetheonGames/ByteZap/pkg/transfer"
)

var log = logging.Logger("bytezap/node")

// ErrUnknownTransfer is returned for a handle no transfer was started
// under.
var ErrUnknownTransfer = errors.New("unknown transfer handle")

// TransferState describes where a requested transfer is in its
// lifecycle.
type TransferState string

const (
	TransferRunning   TransferState = "running"
	TransferComplete  TransferState = "complete"
	TransferFailed    TransferState = "failed"
	TransferCancelled TransferState = "cancelled"
)

// TransferStatus is a point-in-time snapshot of a requested transfer.
type TransferStatus struct {
	Handle        string
	Hash          cid.Cid
	State         TransferState
	VerifiedBytes uint64
	TotalBytes    uint64
	InFlight      int
	Err           string
}

type transferTask struct {
	handle string
	hash   cid.Cid
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state TransferState
	err   error
}

// Node wires identity, transport, discovery, storage and transfer into
// one running peer.
type Node struct {
	cfg       *Config
	id        *identity.Identity
	db        *bolt.DB
	host      host.Host
	dht       *dht.IpfsDHT
	book      *resolver.Book
	gossip    *discovery.Gossip
	providers *discovery.Providers
	engine    *connect.Engine
	store     *storage.Store
	registry  *session.Registry
	fetcher   *transfer.Fetcher
	provider  *transfer.Provider
	cancel    context.CancelFunc

	mu        sync.Mutex
	transfers map[string]*transferTask
}

// dialerAdapter narrows the establishment engine to what the fetcher
// needs.
type dialerAdapter struct {
	engine *connect.Engine
}

func (d dialerAdapter) Establish(ctx context.Context, p peer.ID) (transfer.StreamOpener, error) {
	conn, err := d.engine.Establish(ctx, p)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// New starts a node from the given configuration.
func New(ctx context.Context, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	relays, err := cfg.RelayInfos()
	if err != nil {
		return nil, err
	}
	bootstrap, err := cfg.BootstrapInfos()
	if err != nil {
		return nil, err
	}
	static, err := cfg.StaticPeerInfos()
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "bytezap.db"), 0600,
		&bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:       cfg,
		id:        id,
		db:        db,
		cancel:    cancel,
		transfers: make(map[string]*transferTask),
	}

	if err := n.wire(nctx, relays, bootstrap, static); err != nil {
		cancel()
		db.Close()
		return nil, err
	}

	log.Infow("node started", "peer", id.PeerID, "addrs", n.host.Addrs())
	return n, nil
}

func (n *Node) wire(ctx context.Context, relays, bootstrap, static []peer.AddrInfo) error {
	h, err := connect.NewHost(n.id.PrivKey, connect.HostConfig{
		ListenAddrs: n.cfg.ListenAddrs,
		Relays:      relays,
		EnableQUIC:  n.cfg.EnableQUIC,
		EnableTCP:   n.cfg.EnableTCP,
	})
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	n.host = h

	n.book, err = resolver.NewBook(n.db)
	if err != nil {
		return err
	}
	for _, info := range static {
		for _, addr := range info.Addrs {
			n.book.Add(info.ID, addr, resolver.SourceStatic)
		}
	}
	for _, info := range relays {
		h.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	}

	n.dht, err = discovery.NewDHT(ctx, h, bootstrap)
	if err != nil {
		return err
	}
	n.providers = discovery.NewProviders(n.dht)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	n.gossip, err = discovery.NewGossip(ctx, h, ps, n.book)
	if err != nil {
		return err
	}

	engCfg := connect.DefaultConfig()
	engCfg.EstablishTimeout = time.Duration(n.cfg.EstablishTimeoutSec) * time.Second
	n.engine = connect.NewEngine(h, n.book, relays, engCfg)

	n.store, err = storage.NewStore(filepath.Join(n.cfg.DataDir, "blobs"), n.db)
	if err != nil {
		return err
	}
	n.registry, err = session.NewRegistry(n.db)
	if err != nil {
		return err
	}

	fcfg := transfer.DefaultConfig()
	fcfg.ChunkTimeout = time.Duration(n.cfg.ChunkTimeoutSec) * time.Second
	fcfg.MaxStrikes = n.cfg.MaxStrikes
	n.fetcher = transfer.NewFetcher(dialerAdapter{engine: n.engine}, n.store, n.registry, fcfg)
	n.provider = transfer.NewProvider(h, n.store)

	return nil
}

// ID returns this node's peer ID.
func (n *Node) ID() peer.ID { return n.id.PeerID }

// Host returns the libp2p host.
func (n *Node) Host() host.Host { return n.host }

// Store returns the content store.
func (n *Node) Store() *storage.Store { return n.store }

// Book returns the candidate address book.
func (n *Node) Book() *resolver.Book { return n.book }

// Engine returns the connection establishment engine.
func (n *Node) Engine() *connect.Engine { return n.engine }

// Provide imports a local file into the store and announces it on the
// DHT. The returned hash names the imported content.
func (n *Node) Provide(ctx context.Context, path string) (cid.Cid, error) {
	c, err := n.store.ImportFile(path)
	if err != nil {
		return cid.Undef, err
	}
	if err := n.providers.Announce(ctx, c); err != nil {
		// content is still served; the record retries on the next
		// reprovide
		log.Warnw("provider announce failed", "hash", c, "err", err)
	}
	return c, nil
}

// ProvideCollection builds a collection manifest over already-imported
// content and announces it.
func (n *Node) ProvideCollection(ctx context.Context, entries []storage.CollectionEntry) (cid.Cid, error) {
	c, err := n.store.CreateCollection(entries)
	if err != nil {
		return cid.Undef, err
	}
	if err := n.providers.Announce(ctx, c); err != nil {
		log.Warnw("provider announce failed", "hash", c, "err", err)
	}
	return c, nil
}

// FindProviders looks up peers announcing the content hash.
func (n *Node) FindProviders(ctx context.Context, c cid.Cid, limit int) ([]peer.ID, error) {
	infos, err := n.providers.Find(ctx, c, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]peer.ID, 0, len(infos))
	for _, info := range infos {
		for _, addr := range info.Addrs {
			n.book.Add(info.ID, addr, resolver.SourceLearned)
		}
		ids = append(ids, info.ID)
	}
	return ids, nil
}

// RequestTransfer starts fetching the content hash from the given peers
// and returns a handle for status polling and cancellation. With no
// peers given, providers are looked up on the DHT first. Scope, when
// non-nil, restricts the fetch to a byte range.
func (n *Node) RequestTransfer(peers []peer.ID, hash cid.Cid, scope *session.Interval) (string, error) {
	if len(peers) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		found, err := n.FindProviders(ctx, hash, 20)
		cancel()
		if err != nil || len(found) == 0 {
			return "", fmt.Errorf("%w: no providers found for %s", transfer.ErrNotAvailable, hash)
		}
		peers = found
	}

	tctx, tcancel := context.WithCancel(context.Background())
	task := &transferTask{
		handle: uuid.NewString(),
		hash:   hash,
		cancel: tcancel,
		done:   make(chan struct{}),
		state:  TransferRunning,
	}

	n.mu.Lock()
	n.transfers[task.handle] = task
	n.mu.Unlock()

	go func() {
		defer close(task.done)
		err := n.fetcher.Fetch(tctx, hash, peers, scope)

		task.mu.Lock()
		defer task.mu.Unlock()
		switch {
		case err == nil:
			task.state = TransferComplete
		case errors.Is(err, transfer.ErrCancelled):
			task.state = TransferCancelled
			task.err = err
		default:
			task.state = TransferFailed
			task.err = err
			log.Warnw("transfer failed", "handle", task.handle, "hash", hash, "err", err)
		}
	}()

	return task.handle, nil
}

// SessionStatus reports progress for a transfer handle. Verified bytes
// survive failure and cancellation, so a later request resumes from
// them.
func (n *Node) SessionStatus(handle string) (TransferStatus, error) {
	n.mu.Lock()
	task, ok := n.transfers[handle]
	n.mu.Unlock()
	if !ok {
		return TransferStatus{}, ErrUnknownTransfer
	}

	task.mu.Lock()
	st := TransferStatus{
		Handle: task.handle,
		Hash:   task.hash,
		State:  task.state,
	}
	if task.err != nil {
		st.Err = task.err.Error()
	}
	task.mu.Unlock()

	if sess, ok := n.registry.Active(task.hash); ok {
		ss := sess.Status()
		st.VerifiedBytes = ss.VerifiedBytes
		st.TotalBytes = ss.TotalBytes
		st.InFlight = ss.InFlight
		return st, nil
	}
	if meta, err := n.store.GetMeta(task.hash); err == nil {
		st.TotalBytes = meta.Size
		if st.State == TransferComplete {
			st.VerifiedBytes = meta.Size
		}
	}
	return st, nil
}

// CancelTransfer stops the transfer behind the handle. Already verified
// ranges are kept.
func (n *Node) CancelTransfer(handle string) error {
	n.mu.Lock()
	task, ok := n.transfers[handle]
	n.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	task.cancel()
	if sess, ok := n.registry.Active(task.hash); ok {
		sess.Cancel()
	}
	<-task.done
	return nil
}

// WaitTransfer blocks until the transfer behind the handle finishes and
// returns its terminal error, if any.
func (n *Node) WaitTransfer(ctx context.Context, handle string) error {
	n.mu.Lock()
	task, ok := n.transfers[handle]
	n.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-task.done:
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	return task.err
}

// Close shuts the node down, persisting active session state.
func (n *Node) Close() error {
	n.mu.Lock()
	tasks := make([]*transferTask, 0, len(n.transfers))
	for _, t := range n.transfers {
		tasks = append(tasks, t)
	}
	n.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
		<-t.done
	}

	n.cancel()
	if n.gossip != nil {
		n.gossip.Close()
	}
	if n.provider != nil {
		n.provider.Close()
	}
	if n.engine != nil {
		n.engine.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
	if n.store != nil {
		n.store.Close()
	}
	return n.db.Close()
}
