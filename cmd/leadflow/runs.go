package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

var errNoStore = errors.New("audit store is disabled (store backend is none)")

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.store == nil {
			return errNoStore
		}

		f := cmd.Flags()
		filter := store.RunFilter{}
		filter.Limit, _ = f.GetInt("limit")
		filter.Offset, _ = f.GetInt("offset")
		if st, _ := f.GetString("status"); strings.TrimSpace(st) != "" {
			status := schema.RunStatus(st)
			filter.Status = &status
		}
		runs, err := a.store.ListRuns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if runs == nil {
			runs = []*store.Run{}
		}
		return writeJSON(cmd.OutOrStdout(), runs, true)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its events or per-step summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.store == nil {
			return errNoStore
		}

		ctx := cmd.Context()
		run, err := a.store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		out := map[string]any{"run": run}

		if withEvents, _ := cmd.Flags().GetBool("events"); withEvents {
			events, err := a.store.GetEvents(ctx, run.ID, 0)
			if err != nil {
				return err
			}
			out["events"] = events
		} else {
			summary, err := store.NewEventLog(a.store).Summarize(ctx, run.ID)
			if err != nil {
				return err
			}
			out["steps"] = summary
		}
		return writeJSON(cmd.OutOrStdout(), out, true)
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	runsListCmd.Flags().String("status", "", "only runs with this status")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")
	runsListCmd.Flags().Int("offset", 0, "runs to skip")
	runsShowCmd.Flags().Bool("events", false, "print the raw event log instead of the step summary")
}
