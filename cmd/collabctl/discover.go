package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nodecollab/internal/discovery"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find relays on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		relays, err := discovery.Browse(cmd.Context(), discoverTimeout)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(relays) == 0 {
			fmt.Fprintln(out, "No relays found")
			return nil
		}
		for _, r := range relays {
			fmt.Fprintf(out, "%s\t%s\n", r.Instance, r.URL())
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", discovery.DefaultBrowseTimeout, "how long to listen for answers")
	rootCmd.AddCommand(discoverCmd)
}
