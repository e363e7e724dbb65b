// Package main is the entry point for the approvald server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/complyvue/approvald/internal/approver"
	"github.com/complyvue/approvald/internal/config"
	"github.com/complyvue/approvald/internal/engine"
	"github.com/complyvue/approvald/internal/notify"
	"github.com/complyvue/approvald/internal/observability"
	"github.com/complyvue/approvald/internal/sweeper"
	"github.com/complyvue/approvald/internal/template"
	"github.com/complyvue/approvald/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvald", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Stores. Templates and instances share one connection pool when running
	// on postgres.
	stores, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Identity directory and approver resolution.
	directory, err := buildDirectory(cfg.Directory)
	if err != nil {
		logger.Error("directory initialization failed", zap.Error(err))
		return 1
	}
	resolver := approver.NewResolver(directory)

	// Template service, with seed templates loaded from disk.
	templateSvc := template.NewService(stores.templates, resolver)
	seeded := 0
	if len(cfg.Templates.Directories) > 0 {
		loader := template.NewLoader(templateSvc)
		seeded, err = loader.LoadAll(ctx, cfg.Templates.Directories)
		if err != nil {
			logger.Error("template seeding failed", zap.Error(err))
			return 1
		}
		logger.Info("seed templates loaded", zap.Int("count", seeded))
	}

	// Engine and sweeper share the dispatcher so every notification takes
	// the same path.
	dispatcher := notify.NewLogDispatcher(logger)
	eng := engine.New(stores.templates, stores.instances, resolver, dispatcher, logger,
		engine.WithMetrics(metrics))

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(stores.templates, stores.instances, dispatcher, logger,
			cfg.Sweeper.Interval, sweeper.WithMetrics(metrics))
		go sw.Run(bgCtx)
	}

	// HTTP transport.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	readinessChecks := observability.ReadinessChecks{
		TemplatesLoaded: func() bool {
			return len(cfg.Templates.Directories) == 0 || seeded > 0
		},
		TemplateStore: stores.templateHealth,
		InstanceStore: stores.instanceHealth,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Templates:    templateSvc,
		Engine:       eng,
		Metrics:      metrics,
		Ready:        observability.HandleReady(readinessChecks),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// stores bundles the persistence layer handed to services.
type stores struct {
	templates      template.Store
	instances      engine.InstanceStore
	templateHealth observability.HealthChecker
	instanceHealth observability.HealthChecker
}

// buildStores creates the template and instance stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return stores{
			templates: template.NewMemoryStore(),
			instances: engine.NewMemoryInstanceStore(),
		}, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		tplStore := template.NewPgStore(pool)
		instStore := engine.NewPgInstanceStore(pool)
		return stores{
			templates:      tplStore,
			instances:      instStore,
			templateHealth: tplStore,
			instanceHealth: instStore,
		}, pool.Close, nil
	default:
		return stores{}, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildDirectory creates the identity directory based on config.
func buildDirectory(cfg config.DirectoryConfig) (approver.Directory, error) {
	switch cfg.Provider {
	case "static", "":
		return approver.NewStaticDirectory(cfg.StaticFile)
	default:
		return nil, fmt.Errorf("unsupported directory provider: %q", cfg.Provider)
	}
}
