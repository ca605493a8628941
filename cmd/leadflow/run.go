package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one lead search and print the result",
	Long: `Runs a lead search in the foreground and prints the final run document as JSON.
Criteria come from --criteria (inline JSON or @file), from the individual flags, or
from a free-text --prompt.`,
	Example: `  leadflow run --type cafe --location Lisbon --count 5 --min-rating 4.5
  leadflow run --prompt "5 specialty cafes in Lisbon with brunch" --query '.results[].name'
  leadflow run --criteria @search.json`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("criteria", "", "search criteria as JSON, or @path to a JSON file")
	f.String("prompt", "", "free-text request parsed into criteria")
	f.String("type", "", "business type, e.g. cafe")
	f.String("location", "", "location, e.g. \"Lisbon, Portugal\"")
	f.Int("count", 10, "number of leads to find")
	f.Float64("min-rating", 0, "minimum rating")
	f.Int("min-reviews", 0, "minimum review count")
	f.Int("max-reviews", 0, "maximum review count")
	f.String("price", "", "price range, $ to $$$$")
	f.StringSlice("keyword", nil, "keyword the place must mention (repeatable)")
	f.String("hours", "", "opening hours requirement, e.g. open_now")
	f.String("filter", "", "boolean expression over the place record")
	f.String("query", "", "jq expression applied to the result")
	f.Bool("pretty", true, "indent JSON output")
}

func runRun(cmd *cobra.Command, _ []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	criteria, err := criteriaFromFlags(cmd)
	if err != nil {
		return err
	}
	if prompt != "" && criteria != nil {
		return errors.New("use either --prompt or criteria flags, not both")
	}
	if prompt == "" && criteria == nil {
		return errors.New("--prompt, --criteria or --type/--location is required")
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *engine.ExecutionResult
	if prompt != "" {
		res, err = a.service.RunPrompt(ctx, prompt)
	} else {
		res, err = a.service.Run(ctx, criteria)
	}
	if err != nil {
		return err
	}

	var out any = res
	if q, _ := cmd.Flags().GetString("query"); strings.TrimSpace(q) != "" {
		if out, err = expressions.NewGoJQEngine().Project(ctx, q, res); err != nil {
			return err
		}
	}
	pretty, _ := cmd.Flags().GetBool("pretty")
	if err := writeJSON(cmd.OutOrStdout(), out, pretty); err != nil {
		return err
	}

	if res.Status != schema.RunStatusCompleted {
		return fmt.Errorf("run %s %s: %s", res.RunID, res.Status, res.Error)
	}
	return nil
}

// criteriaFromFlags returns nil when no criteria flag is set.
func criteriaFromFlags(cmd *cobra.Command) (map[string]any, error) {
	f := cmd.Flags()
	if raw, _ := f.GetString("criteria"); raw != "" {
		data := []byte(raw)
		if path, ok := strings.CutPrefix(raw, "@"); ok {
			var err error
			if data, err = os.ReadFile(path); err != nil {
				return nil, fmt.Errorf("read criteria: %w", err)
			}
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse criteria: %w", err)
		}
		return m, nil
	}

	if !f.Changed("type") && !f.Changed("location") {
		return nil, nil
	}
	c := schema.SearchCriteria{}
	c.BusinessType, _ = f.GetString("type")
	c.Location, _ = f.GetString("location")
	c.TargetLeadCount, _ = f.GetInt("count")
	if f.Changed("min-rating") {
		v, _ := f.GetFloat64("min-rating")
		c.Constraints.MinRating = schema.Float64(v)
	}
	if f.Changed("min-reviews") {
		v, _ := f.GetInt("min-reviews")
		c.Constraints.MinReviews = schema.Int(v)
	}
	if f.Changed("max-reviews") {
		v, _ := f.GetInt("max-reviews")
		c.Constraints.MaxReviews = schema.Int(v)
	}
	c.Constraints.PriceRange, _ = f.GetString("price")
	c.Constraints.Keywords, _ = f.GetStringSlice("keyword")
	c.Constraints.Hours, _ = f.GetString("hours")
	c.Constraints.Filter, _ = f.GetString("filter")
	return c.ToMap(), nil
}
