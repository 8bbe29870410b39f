package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VetheonGames/ByteZap/pkg/node"
	"github.com/VetheonGames/ByteZap/pkg/storage"
)

var provideCollection bool

var provideCmd = &cobra.Command{
	Use:   "provide <file> [file...]",
	Short: "Import files and serve them to the network",
	Long: `Imports one or more local files into the content store, announces
them on the DHT and keeps serving them until interrupted. With
--collection, the files are additionally grouped under a single
collection hash.`,
	Args: cobra.MinimumNArgs(1),
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

		entries := make([]storage.CollectionEntry, 0, len(args))
		for _, path := range args {
			c, err := n.Provide(ctx, path)
			if err != nil {
				return fmt.Errorf("failed to provide %s: %w", path, err)
			}
			fmt.Printf("%s  %s\n", c, path)
			entries = append(entries, storage.CollectionEntry{Name: path, Hash: c.String()})
		}

		if provideCollection && len(entries) > 1 {
			c, err := n.ProvideCollection(ctx, entries)
			if err != nil {
				return err
			}
			fmt.Printf("%s  (collection)\n", c)
		}

		fmt.Printf("serving as %s, press Ctrl+C to stop\n", n.ID())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-ctx.Done():
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provideCmd)
	provideCmd.Flags().BoolVar(&provideCollection, "collection", false, "Group the files under one collection hash")
}
