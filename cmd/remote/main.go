// Command remote is the operator CLI for a relay host: pair with a host via
// its pairing URI, relay assistant and git commands, and inspect sessions.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

var (
	flagHome  string
	flagDebug bool
)

func main() {
	root := &cobra.Command{
		Use:           "remote",
		Short:         "Relay assistant and git commands to a paired host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(logger.LevelDebug)
			}
		},
	}

	root.PersistentFlags().StringVar(&flagHome, "home", defaultHome(), "directory for client state")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		newPairCmd(),
		newRunCmd(),
		newGitCmd(),
		newHostsCmd(),
		newSessionsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remote-relay"
	}
	return filepath.Join(home, ".remote-relay")
}
