package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/leadflow/
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of leadflow",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "leadflow version %s (mcp server %s)\n", version, mcp.ServerVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
