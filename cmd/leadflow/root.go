package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "leadflow",
	Short:         "Leadflow finds and qualifies local business leads",
	Long:          `Leadflow runs lead searches as step workflows: collect candidates, fetch details, analyze them against constraints and stop once the target count is reached.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.leadflow/config.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "env file loaded before reading LEADFLOW_* variables")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().String("store", "", "audit store: libsql, redis, or none")
}

// loadCommandConfig loads the configuration and applies persistent flag overrides.
func loadCommandConfig(cmd *cobra.Command) (Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := loadConfig(path, envFile)
	if err != nil {
		return cfg, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Backend = v
	}
	return cfg, cfg.validate()
}

// setup loads the configuration and wires the application.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadCommandConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return newApp(cmd.Context(), cfg, logger)
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
