package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/idflow/internal/actions"
	"github.com/rendis/idflow/internal/connector"
	"github.com/rendis/idflow/internal/engine"
	"github.com/rendis/idflow/internal/expressions"
	"github.com/rendis/idflow/internal/reconcile"
	"github.com/rendis/idflow/internal/secrets"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/syncer"
	"github.com/rendis/idflow/internal/telemetry"
	"github.com/rendis/idflow/internal/validation"
	"github.com/rendis/idflow/internal/worker"
)

// shutdownTimeout bounds how long in-flight pool jobs may run at exit.
const shutdownTimeout = 30 * time.Second

// app is the wired process: store, engines and their shared pool.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	pool    *worker.Pool
	metrics *telemetry.Metrics
	syncer  *syncer.Engine
	engine  *engine.Engine
}

// openStore opens and migrates the database at cfg.DBPath.
func openStore(ctx context.Context, cfg *Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

func openVault(ctx context.Context, st *store.LibSQLStore, cfg *Config) (*secrets.AESVault, error) {
	if cfg.VaultKey == "" {
		return nil, fmt.Errorf("vault_key is not set (use IDFLOW_VAULT_KEY)")
	}
	return secrets.NewAESVault(ctx, st, secrets.VaultConfig{Passphrase: cfg.VaultKey})
}

func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		pool:    worker.New(cfg.PoolSize, logger),
		metrics: telemetry.NewMetrics(),
	}
	tracer := telemetry.Tracer()

	factory := &connector.Factory{
		Defaults: connector.Options{Timeout: cfg.Connector.Timeout, MaxRows: cfg.Connector.MaxRows},
		Retry:    connector.RetryPolicy{MaxRetries: cfg.Connector.MaxRetries, Delay: cfg.Connector.RetryDelay},
		Logger:   logger,
	}
	if cfg.VaultKey != "" {
		vault, err := openVault(ctx, st, cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		factory.Secrets = vault
	}
	breakers := connector.NewBreakerRegistry(connector.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})

	reconciler := reconcile.NewEngine(st, logger, reconcile.WithMetrics(a.metrics))
	opener := &syncer.ConnectorOpener{
		Store:      st,
		Connectors: factory,
		Options:    connector.Options{Timeout: cfg.Connector.Timeout},
	}
	a.syncer = syncer.NewEngine(st, reconciler, opener, logger,
		syncer.WithPool(a.pool),
		syncer.WithMetrics(a.metrics),
		syncer.WithTracer(tracer),
	)

	params, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create parameter validator: %w", err)
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	executor := actions.NewExecutor(actions.Deps{
		Store:      st,
		Syncer:     a.syncer,
		Connectors: factory,
		Breakers:   breakers,
		Params:     params,
		JQ:         expressions.NewGoJQEngine(),
		CEL:        cel,
		OutputDir:  cfg.OutputDir,
		Logger:     logger,
	}, actions.WithMetrics(a.metrics), actions.WithTracer(tracer))

	a.engine, err = engine.New(st, executor, logger,
		engine.WithPool(a.pool),
		engine.WithMetrics(a.metrics),
		engine.WithTracer(tracer),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create workflow engine: %w", err)
	}
	return a, nil
}

// close drains the pool, then closes the store.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.pool.Shutdown(ctx); err != nil {
		a.logger.Warn("worker pool shutdown", slog.String("error", err.Error()))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
