// Package main is the entry point for the adoption workflow server.
// It wires all dependencies together and exposes the serve, migrate, sweep
// and policy commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const (
	readHeaderTimeout      = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "adoptiond",
	Short:         "Animal adoption workflow server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), policyCmd(), versionCmd())
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the contract expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "adoptiond %s (%s)\n", version, commit)
		},
	}
}

// serve runs until ctx is cancelled or the listener fails, then shuts the
// server down, drains queued notifications and flushes spans, in that order.
func serve(ctx context.Context, cfg *config.Config) error {
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "adoptiond", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()

	srv := newHTTPServer(cfg, a, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.engine.RunExpirySweeper(gctx, cfg.Workflow.ExpirySweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		return shutdown(cfg, srv, a, tracingShutdown, logger)
	})

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.Int("policy_rules", len(a.policy.Entries())),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newHTTPServer(cfg *config.Config, a *app, logger *zap.Logger, metrics *observability.Metrics) *http.Server {
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:               cfg,
		Engine:               a.engine,
		Logger:               logger,
		Authenticate:         transport.JWTAuthenticator(cfg.Identity, jwks),
		AuthenticateOptional: transport.OptionalJWTAuthenticator(cfg.Identity, jwks),
		Metrics:              metrics,
		Readiness:            a.readiness(),
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
}

func shutdown(cfg *config.Config, srv *http.Server, a *app, tracingShutdown func(context.Context) error, logger *zap.Logger) error {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}
	if err := tracingShutdown(ctx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
	return nil
}
