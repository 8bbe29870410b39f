package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VetheonGames/ByteZap/pkg/node"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a ByteZap node",
	Long: `Starts a node that serves locally stored content to peers, answers
DHT provider lookups and gossips its addresses. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		fmt.Printf("node started\npeer id: %s\n", n.ID())
		for _, addr := range n.Host().Addrs() {
			fmt.Printf("listening on %s/p2p/%s\n", addr, n.ID())
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-ctx.Done():
		}
		fmt.Println("shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
