package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/internal/logging"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List registered steps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadCommandConfig(cmd)
		if err != nil {
			return err
		}
		// Listing needs no audit store.
		cfg.Store.Backend = storeNone
		a, err := newApp(cmd.Context(), cfg, logging.NewNop())
		if err != nil {
			return err
		}
		defer a.Close()
		return writeJSON(cmd.OutOrStdout(), a.registry.List(), true)
	},
}

func init() {
	rootCmd.AddCommand(stepsCmd)
}
