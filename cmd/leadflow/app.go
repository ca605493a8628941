package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/leadflow/internal/discovery"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/llm"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/internal/validation"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	registry  *steps.Registry
	validator *validation.JSONSchemaValidator
	store     store.Store // nil when the audit store is disabled
	hub       streaming.EventHub
	metrics   *metrics.Collector
	service   *engine.Service

	closers []func() error
}

// newApp wires the engine from cfg. Collaborators without credentials are
// left out; the steps that need them fail with STEP_UNAVAILABLE.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: steps.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}
	a.validator = v

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.registerSteps(); err != nil {
		return nil, err
	}
	a.openHub()
	a.metrics = metrics.NewCollector(metrics.DefaultNamespace)

	execCfg := engine.DefaultExecutorConfig()
	if cfg.StepTimeout > 0 {
		execCfg.StepTimeout = cfg.StepTimeout
	}
	if cfg.MaxSteps > 0 {
		execCfg.MaxSteps = cfg.MaxSteps
	}

	var inner streaming.RunRecorder
	if a.store != nil {
		inner = a.store
	}
	exec := engine.NewExecutor(a.registry, execCfg,
		engine.WithValidator(v),
		engine.WithLogger(logger),
		engine.WithObserver(a.metrics),
		engine.WithRecorder(streaming.NewPublishingRecorder(inner, a.hub, logger)),
	)
	a.service = engine.NewService(exec, cfg.PoolSize, logger)
	a.closers = append(a.closers, func() error {
		a.service.Shutdown()
		return nil
	})

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case storeNone:
		return nil
	case storeRedis:
		r := a.cfg.Store.Redis
		var opts []store.RedisOption
		if r.Prefix != "" {
			opts = append(opts, store.WithPrefix(r.Prefix))
		}
		if r.TTL > 0 {
			opts = append(opts, store.WithTTL(r.TTL))
		}
		a.store = store.NewRedisStore(r.Addr, r.Password, r.DB, opts...)
	default:
		if dir := filepath.Dir(a.cfg.Store.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create db dir: %w", err)
			}
		}
		s, err := store.NewLibSQLStore(libsqlDSN(a.cfg.Store.DBPath))
		if err != nil {
			return err
		}
		a.store = s
	}
	a.closers = append(a.closers, a.store.Close)

	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", a.cfg.Store.Backend, err)
	}
	return nil
}

func (a *app) registerSteps() error {
	deps := steps.Deps{Validator: a.validator, MaxPages: a.cfg.MaxPages}

	if a.cfg.Places.APIKey != "" {
		client, err := discovery.New(discovery.Config{
			APIKey:  a.cfg.Places.APIKey,
			BaseURL: a.cfg.Places.BaseURL,
			RPS:     a.cfg.Places.RPS,
			Retry:   discovery.DefaultRetryPolicy(),
			Logger:  a.logger,
		})
		if err != nil {
			return err
		}
		deps.Discovery = client
	} else {
		a.logger.Warn("no places API key configured; collect and detail steps are unavailable")
	}

	if a.cfg.OpenAI.APIKey != "" {
		client, err := llm.NewClient(llm.Config{
			APIKey:  a.cfg.OpenAI.APIKey,
			BaseURL: a.cfg.OpenAI.BaseURL,
			Model:   a.cfg.OpenAI.Model,
		})
		if err != nil {
			return err
		}
		scorer := llm.NewScorer(client, a.cfg.OpenAI.Model)
		scorer.MinScore = a.cfg.OpenAI.MinScore
		deps.Scorer = scorer
		deps.Parser = llm.NewPromptParser(client, a.cfg.OpenAI.Model)
	} else {
		a.logger.Info("no OpenAI key configured; using heuristic scoring")
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel: %w", err)
	}
	deps.CEL = cel
	deps.Expr = expressions.NewExprEngine()

	if err := steps.RegisterBuiltins(a.registry, deps); err != nil {
		return err
	}

	keys := make([]string, 0, len(a.cfg.RemoteSteps))
	for key := range a.cfg.RemoteSteps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		remote, err := steps.NewRemoteStep(key, a.cfg.RemoteSteps[key], steps.RemoteConfig{Timeout: a.cfg.StepTimeout})
		if err != nil {
			return err
		}
		if err := a.registry.Replace(remote); err != nil {
			return err
		}
		a.logger.Info("remote step registered", slog.String("step_key", key), slog.String("url", a.cfg.RemoteSteps[key]))
	}
	return nil
}

func (a *app) openHub() {
	if a.cfg.Hub != hubRedis {
		a.hub = streaming.NewMemoryHub()
		return
	}
	r := a.cfg.Store.Redis
	client := backend.NewClient(&backend.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	a.closers = append(a.closers, client.Close)
	a.hub = streaming.NewRedisHub(client, r.Prefix+"events", a.logger)
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
