package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"nodecollab/internal/collab"
	"nodecollab/internal/config"
)

var (
	relayURL   string
	configPath string
	userID     string
	userName   string
)

var rootCmd = &cobra.Command{
	Use:   "collabctl",
	Short: "Command line client for nodecollab relays",
	Long: `collabctl hosts and joins node-graph collaboration sessions through a
relay, lists the sessions a relay knows about and finds relays on the
local network.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", envOr("NODECOLLAB_RELAY", "http://127.0.0.1:8090"), "relay base URL")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("NODECOLLAB_CONFIG"), "config file with a collab section")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// coordinatorOptions reads the collab tuning from the config file when one
// is given.
func coordinatorOptions() ([]collab.Option, error) {
	if configPath == "" {
		return []collab.Option{
			collab.WithCursorInterval(50 * time.Millisecond),
		}, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return []collab.Option{
		collab.WithCursorInterval(cfg.Collab.CursorInterval()),
		collab.WithIdleThreshold(cfg.Collab.IdleThreshold()),
		collab.WithJoinTimeout(cfg.Collab.JoinTimeout()),
	}, nil
}
