package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VetheonGames/ByteZap/pkg/identity"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this node's peer identity",
	Long: `Prints the peer ID derived from the node key in the data directory,
creating the key if it does not exist yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, err := identity.LoadOrCreate(cfg.DataDir)
		if err != nil {
			return err
		}
		fmt.Println(id.PeerID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
