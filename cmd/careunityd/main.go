// Command careunityd records mutations made while offline, replays them
// against the CareUnity API once it is reachable, and serves API reads
// through a caching proxy.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "careunityd",
	Short:        "CareUnity offline sync queue and caching proxy",
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ./careunity.yaml or $HOME/.careunity/careunity.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
