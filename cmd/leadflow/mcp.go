package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the lead tools over MCP stdio",
	Long:  `Starts a Model Context Protocol server on stdin/stdout exposing leads.search, leads.status, leads.query and leads.cancel.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps := mcp.Deps{
			Service:  a.service,
			Registry: a.registry,
			Hub:      a.hub,
			Logger:   a.logger,
		}
		if a.store != nil {
			deps.Store = a.store
		}
		a.logger.Info("leadflow MCP server starting", slog.Int("steps", a.registry.Count()))
		return mcp.NewServer(deps).Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
