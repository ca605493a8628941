package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/leadflow/internal/httpapi"
	"github.com/rendis/leadflow/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP step service and runs API",
	Long:  `Starts the HTTP server exposing /task/{key}, /runs, /steps and /metrics, and runs the configured schedules.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.ListenAddr
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}

	deps := httpapi.Deps{
		Service:   a.service,
		Registry:  a.registry,
		Validator: a.validator,
		Hub:       a.hub,
		Logger:    a.logger,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if a.cfg.Metrics {
		deps.Metrics = a.metrics
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewServer(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(a.service, a.cfg.Schedules, a.logger)
	if err != nil {
		return err
	}
	if len(a.cfg.Schedules) > 0 {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("leadflow server listening",
			slog.String("addr", addr),
			slog.String("store", a.cfg.Store.Backend),
			slog.Int("steps", a.registry.Count()),
			slog.Int("schedules", len(a.cfg.Schedules)))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown did not complete", slog.String("error", err.Error()))
		return srv.Close()
	}
	return nil
}
