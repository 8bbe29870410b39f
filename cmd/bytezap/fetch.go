package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/VetheonGames/ByteZap/pkg/node"
	"github.com/VetheonGames/ByteZap/pkg/resolver"
	"github.com/VetheonGames/ByteZap/pkg/session"
)

var (
	fetchPeers []string
	fetchRange string
	fetchOut   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <hash>",
	Short: "Fetch content by hash",
	Long: `Fetches the content named by its hash. Peers given with --peer are
tried first; without them, providers are looked up on the DHT. Every
chunk is verified against the hash before being stored, and a repeated
fetch resumes from already verified ranges.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := cid.Decode(args[0])
		if err != nil {
			return fmt.Errorf("invalid content hash %q: %w", args[0], err)
		}
		scope, err := parseRange(fetchRange)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		n, err := node.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		var peers []peer.ID
		for _, s := range fetchPeers {
			info, err := peer.AddrInfoFromString(s)
			if err != nil {
				return fmt.Errorf("invalid peer %q: %w", s, err)
			}
			for _, addr := range info.Addrs {
				n.Book().Add(info.ID, addr, resolver.SourceStatic)
			}
			peers = append(peers, info.ID)
		}

		handle, err := n.RequestTransfer(peers, hash, scope)
		if err != nil {
			return err
		}

		done := make(chan error, 1)
		go func() { done <- n.WaitTransfer(ctx, handle) }()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case err := <-done:
				if err != nil {
					return err
				}
				fmt.Printf("\nfetched %s\n", hash)
				if fetchOut != "" {
					return exportBlob(n, hash, fetchOut)
				}
				return nil
			case <-ticker.C:
				st, err := n.SessionStatus(handle)
				if err != nil {
					continue
				}
				if st.TotalBytes > 0 {
					fmt.Printf("\r%d/%d bytes verified, %d in flight",
						st.VerifiedBytes, st.TotalBytes, st.InFlight)
				}
			}
		}
	},
}

// parseRange parses "lo-hi" in bytes, hi exclusive.
func parseRange(s string) (*session.Interval, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid range %q, expected lo-hi", s)
	}
	lo, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}
	hi, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if hi <= lo {
		return nil, fmt.Errorf("invalid range %q: end must be after start", s)
	}
	return &session.Interval{Lo: lo, Hi: hi}, nil
}

func exportBlob(n *node.Node, hash cid.Cid, out string) error {
	src, err := n.Store().Open(hash)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringArrayVarP(&fetchPeers, "peer", "p", nil, "Peer multiaddr ending in /p2p/<id>, repeatable")
	fetchCmd.Flags().StringVarP(&fetchRange, "range", "r", "", "Byte range lo-hi to fetch instead of the whole blob")
	fetchCmd.Flags().StringVarP(&fetchOut, "output", "o", "", "Write the fetched blob to this path")
}
