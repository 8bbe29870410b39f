package identity

import (
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("bytezap/identity")

const keyFileName = "node.key"

// Identity is a node's stable keypair. The peer ID derived from the public
// key is the address-independent identifier other peers authenticate against.
type Identity struct {
	PrivKey crypto.PrivKey
	PeerID  peer.ID
}

// LoadOrCreate reads the node key from dataDir, generating and persisting a
// new ed25519 key on first use.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		return fromBytes(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := os.WriteFile(keyPath, raw, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	log.Infow("generated new node identity", "peer", id)
	return &Identity{PrivKey: priv, PeerID: id}, nil
}

func fromBytes(raw []byte) (*Identity, error) {
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal key file: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &Identity{PrivKey: priv, PeerID: id}, nil
}
