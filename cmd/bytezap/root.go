package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/VetheonGames/ByteZap/pkg/node"
)

var (
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "bytezap",
	Short: "ByteZap is a peer-to-peer verified content transfer node",
	Long: `ByteZap moves content-addressed data between peers over direct or
relayed connections. Every chunk is verified against the content hash
before it is stored, and interrupted transfers resume from the last
verified byte.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			lvl, err := logging.LevelFromString(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logging.SetAllLoggers(lvl)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "b", "", "Directory to store keys, databases and blobs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level for all subsystems (debug, info, warn, error)")
}

func loadConfig() (*node.Config, error) {
	cfg, err := node.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}
