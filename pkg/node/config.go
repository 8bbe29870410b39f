package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	defaultConfigFilename = "bytezap.json"
	defaultDataDirname    = ".bytezap"
	defaultChunkTimeout   = 10 * time.Second
	defaultEstablishLimit = 30 * time.Second
	defaultMaxStrikes     = 3
)

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, defaultDataDirname)
}

// Config defines the node configuration. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// DataDir holds the key, databases and blob storage.
	DataDir string `json:"data_dir"`
	// ListenAddrs are the multiaddrs the host listens on.
	ListenAddrs []string `json:"listen_addrs"`
	// Relays are static relay addrinfos as multiaddrs ending in
	// /p2p/<id>.
	Relays []string `json:"relays"`
	// Bootstrap are DHT bootstrap peers as multiaddrs ending in
	// /p2p/<id>.
	Bootstrap []string `json:"bootstrap"`
	// StaticPeers pre-seed the candidate book, formatted like Relays.
	StaticPeers []string `json:"static_peers"`

	EnableQUIC bool `json:"enable_quic"`
	EnableTCP  bool `json:"enable_tcp"`

	// EstablishTimeoutSec bounds a whole connection establishment race.
	EstablishTimeoutSec int `json:"establish_timeout_sec"`
	// ChunkTimeoutSec bounds one chunk request.
	ChunkTimeoutSec int `json:"chunk_timeout_sec"`
	// MaxStrikes is how many verification or transport failures a peer
	// may accumulate within one session before being dropped from it.
	MaxStrikes int `json:"max_strikes"`
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/6801",
			"/ip4/0.0.0.0/udp/6801/quic-v1",
		},
		EnableQUIC:          true,
		EnableTCP:           true,
		EstablishTimeoutSec: int(defaultEstablishLimit / time.Second),
		ChunkTimeoutSec:     int(defaultChunkTimeout / time.Second),
		MaxStrikes:          defaultMaxStrikes,
	}
}

// LoadConfig reads a JSON config file, filling omitted fields with
// defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(cfg.DataDir, defaultConfigFilename)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	def := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = def.ListenAddrs
	}
	if cfg.EstablishTimeoutSec <= 0 {
		cfg.EstablishTimeoutSec = def.EstablishTimeoutSec
	}
	if cfg.ChunkTimeoutSec <= 0 {
		cfg.ChunkTimeoutSec = def.ChunkTimeoutSec
	}
	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = def.MaxStrikes
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, defaultConfigFilename)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// RelayInfos parses the configured relay multiaddrs.
func (c *Config) RelayInfos() ([]peer.AddrInfo, error) {
	return parseAddrInfos(c.Relays)
}

// BootstrapInfos parses the configured bootstrap multiaddrs.
func (c *Config) BootstrapInfos() ([]peer.AddrInfo, error) {
	return parseAddrInfos(c.Bootstrap)
}

// StaticPeerInfos parses the configured static peer multiaddrs.
func (c *Config) StaticPeerInfos() ([]peer.AddrInfo, error) {
	return parseAddrInfos(c.StaticPeers)
}

func parseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	infos := make(map[peer.ID]*peer.AddrInfo)
	order := make([]peer.ID, 0, len(addrs))
	for _, s := range addrs {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", s, err)
		}
		if existing, ok := infos[info.ID]; ok {
			existing.Addrs = append(existing.Addrs, info.Addrs...)
			continue
		}
		infos[info.ID] = info
		order = append(order, info.ID)
	}

	out := make([]peer.AddrInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *infos[id])
	}
	return out, nil
}
