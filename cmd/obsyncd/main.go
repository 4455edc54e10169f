package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at link time with -ldflags "-X main.Version=...".
var Version = "dev"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "obsyncd",
		Short:         "Off-chain orderbook state synchronisation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./config.toml", "Path to the configuration file")
	root.AddCommand(newStartCmd(), newKeysCmd(), newExportRecoveryCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
