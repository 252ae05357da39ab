package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/authz"
	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/idempotency"
	"github.com/pitabwire/adoption/internal/notify"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/internal/workflow"
)

// app holds the wired workflow core shared by the serve and sweep commands.
type app struct {
	policy     *authz.Policy
	engine     *workflow.Engine
	dispatcher *notify.Dispatcher
	results    idempotency.Store
	closers    []func()
}

// buildApp wires the policy, entity store, idempotency store, notifier and
// engine from cfg. The caller must call close when done.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*app, error) {
	a := &app{}

	policy, err := buildPolicy(cfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	a.policy = policy

	store, closeStore, err := buildEntityStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(closeStore)

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithContractWindow(cfg.Workflow.ContractWindow),
		workflow.WithAutoOpenContract(cfg.Workflow.AutoOpenContract),
	}

	tokens, err := buildContractTokens(cfg.ContractTokens, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if tokens != nil {
		opts = append(opts, workflow.WithContractTokens(tokens))
	}

	results, closeResults, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.onClose(closeResults)
	if results != nil {
		a.results = results
		opts = append(opts, workflow.WithResultCache(results, cfg.Idempotency.Store.DefaultTTL))
	}

	sinks, closeSinks := buildSinks(cfg.Notifier, logger)
	a.onClose(closeSinks)
	a.dispatcher = notify.NewDispatcher(cfg.Notifier, sinks, logger, metrics)

	a.engine = workflow.NewEngine(store, authz.NewGate(policy), a.dispatcher, opts...)
	return a, nil
}

func (a *app) onClose(fn func()) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		PolicyLoaded: func() bool { return a.policy != nil },
		EntityStore:  a.engine,
		NotifierSink: a.dispatcher,
	}
	if a.results != nil {
		checks.IdempotencyStore = a.results
	}
	return checks
}

func buildPolicy(cfg config.PolicyConfig, logger *zap.Logger) (*authz.Policy, error) {
	if cfg.File == "" {
		return authz.DefaultPolicy(), nil
	}
	p, err := authz.LoadPolicy(cfg.File)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded policy overrides", zap.String("file", cfg.File))
	return p, nil
}

// buildEntityStore creates the entity store based on config.
func buildEntityStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflow.EntityStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory entity store; state is lost on restart")
		return workflow.NewMemoryEntityStore(), nil, nil
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := migrateUp(pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return workflow.NewPgEntityStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported entity store driver: %q", cfg.Driver)
	}
}

func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("entity store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("entity store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("entity store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("entity store: ping: %w", err)
	}
	return pool, nil
}

func migrateUp(pool *pgxpool.Pool, logger *zap.Logger) error {
	m, err := workflow.NewMigrator(pool, logger)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// buildContractTokens returns nil when no secret is configured, which turns
// off public contract submission.
func buildContractTokens(cfg config.ContractTokenConfig, logger *zap.Logger) (*authz.ContractTokens, error) {
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		logger.Warn("contract token secret not set; public contract submission disabled",
			zap.String("env", cfg.SecretEnv))
		return nil, nil
	}
	return authz.NewContractTokens([]byte(secret), cfg.Issuer)
}

// buildIdempotencyStore creates the request-token store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", zap.Error(err))
			}
		}
		return idempotency.NewRedisStore(client), closeClient, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildSinks returns the configured notification sinks and a function that
// closes the ones holding connections.
func buildSinks(cfg config.NotifierConfig, logger *zap.Logger) ([]notify.Sink, func()) {
	var sinks []notify.Sink
	if cfg.Log {
		sinks = append(sinks, notify.NewLogSink(logger))
	}
	if !cfg.Kafka.Enabled {
		return sinks, nil
	}

	k := notify.NewKafkaSink(cfg.Kafka)
	sinks = append(sinks, k)
	logger.Info("publishing notifications to kafka",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return sinks, func() {
		if err := k.Close(); err != nil {
			logger.Warn("closing kafka writer", zap.Error(err))
		}
	}
}
