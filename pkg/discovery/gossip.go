package discovery

import (
	"context"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/VetheonGames/ByteZap/pkg/resolver"
)

var log = logging.Logger("bytezap/discovery")

const (
	// AnnounceTopic carries periodic peer address announcements.
	AnnounceTopic = "bytezap-peers"
	// AnnounceInterval is how often a node re-announces its addresses.
	AnnounceInterval = 30 * time.Second
	// peerTimeout is how long a learned candidate survives without a
	// fresh announcement before pruning.
	peerTimeout = 5 * time.Minute
)

// announcement is the gossip payload. Authenticity comes from pubsub
// message signing: the claimed ID must match the signed sender.
type announcement struct {
	ID        peer.ID   `json:"id"`
	Addresses []string  `json:"addresses"`
	SentAt    time.Time `json:"sent_at"`
}

// Gossip broadcasts this node's addresses over pubsub and feeds
// announcements from other peers into the candidate book as learned
// addresses.
type Gossip struct {
	ctx    context.Context
	cancel context.CancelFunc
	host   host.Host
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	book   *resolver.Book
}

// NewGossip joins the announce topic and starts the broadcast and
// handler loops.
func NewGossip(ctx context.Context, h host.Host, ps *pubsub.PubSub, book *resolver.Book) (*Gossip, error) {
	topic, err := ps.Join(AnnounceTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, err
	}

	gctx, cancel := context.WithCancel(ctx)
	g := &Gossip{
		ctx:    gctx,
		cancel: cancel,
		host:   h,
		topic:  topic,
		sub:    sub,
		book:   book,
	}

	go g.announceLoop()
	go g.handleAnnouncements()
	go g.pruneLoop()

	return g, nil
}

// Announce broadcasts this node's current addresses immediately.
func (g *Gossip) Announce() {
	addrs := make([]string, 0, len(g.host.Addrs()))
	for _, a := range g.host.Addrs() {
		addrs = append(addrs, a.String())
	}

	msg := &announcement{
		ID:        g.host.ID(),
		Addresses: addrs,
		SentAt:    time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := g.topic.Publish(g.ctx, data); err != nil && g.ctx.Err() == nil {
		log.Debugw("announce failed", "err", err)
	}
}

func (g *Gossip) announceLoop() {
	g.Announce()

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.Announce()
		}
	}
}

func (g *Gossip) handleAnnouncements() {
	for {
		msg, err := g.sub.Next(g.ctx)
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}

		var ann announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			continue
		}
		// addresses are only accepted for the peer that signed the
		// message
		if ann.ID != msg.GetFrom() {
			log.Debugw("announcement id mismatch", "claimed", ann.ID, "signed", msg.GetFrom())
			continue
		}

		for _, s := range ann.Addresses {
			addr, err := ma.NewMultiaddr(s)
			if err != nil {
				continue
			}
			g.book.Add(ann.ID, addr, resolver.SourceLearned)
		}
	}
}

func (g *Gossip) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.book.Prune(peerTimeout)
		}
	}
}

// Close stops the loops and leaves the topic.
func (g *Gossip) Close() error {
	g.cancel()
	g.sub.Cancel()
	return g.topic.Close()
}
