// Package main is the entry point for the workflow gateway server binary.
// It dispatches four subcommands (serve, migrate, bootstrap and version) via a simple switch on os.Args so
// the binary's full CLI surface is readable in one place. The serve command runs auto-migration
// and system role reconciliation on startup, so a fresh deployment needs no separate setup step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/api"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/audit"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/repositories"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/jobs"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/ratelimit"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/rbac"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/safego"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

const (
	version         = "0.1.0"
	redisKeyPrefix  = "wfg:"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	loader, err := config.NewLoader(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(loader, cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down|version>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "bootstrap":
		return runBootstrap(cfg, os.Args[2:])
	case "version":
		fmt.Printf("Workflow Gateway v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, bootstrap, version", command)
	}
}

func serve(loader *config.Loader, cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Server.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtSecret, err := auth.ResolveJWTSecret(cfg.Auth.JWTSecret, cfg.Server.DevMode)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port, "dbname", cfg.Database.Name, "sslmode", cfg.Database.SSLMode)
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(ctx, database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	roleRepo := repositories.NewRoleRepository(sqlx.NewDb(database, "postgres"))
	apiKeyRepo := repositories.NewAPIKeyRepository(database)
	auditRepo := repositories.NewAuditRepository(database)
	userRepo := repositories.NewUserRepository(database)

	engine := rbac.NewEngine(roleRepo, rbac.NewMemoryCache(cfg.RBAC.CacheTTL))
	if err := engine.ReconcileSystemRoles(ctx); err != nil {
		return fmt.Errorf("failed to reconcile system roles: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Stores fall back or fail closed per request; startup continues.
			slog.Warn("redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	limiter, stopCounters := newLimiter(cfg.Security.RateLimiting, rdb)
	defer stopCounters()
	if loader.Watch(func(next *config.Config) {
		limiter.SetClasses(ratelimit.ClassesFromConfig(next.Security.RateLimiting))
	}) {
		slog.Info("watching config file for rate limit changes", "file", loader.ConfigFile())
	}

	csrfStore, stopCSRF := newCSRFStore(cfg.Security.CSRF, rdb)
	defer stopCSRF()

	recorder := gateway.Discard
	if cfg.Audit.Enabled {
		auditLogger, err := newAuditLogger(ctx, cfg.Audit, auditRepo)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := auditLogger.Close(closeCtx); err != nil {
				slog.Error("audit logger did not drain", "error", err)
			}
		}()
		recorder = auditLogger

		if cfg.Audit.VerifyInterval > 0 {
			chainVerifier := jobs.NewChainVerifier(auditRepo, cfg.Audit.VerifyInterval)
			safego.GoNamed("audit-chain-verifier", func() { chainVerifier.Start(ctx) })
			defer chainVerifier.Stop()
		}
	}

	verifier := auth.NewVerifier(cfg.Auth.APIKeyHeader,
		auth.NewAPIKeyVerifier(apiKeyRepo, cfg.Auth.LookupTimeout),
		auth.NewBearerVerifier(jwtSecret, cfg.Auth.Issuer, cfg.Auth.Audience))

	deps := gateway.Dependencies{Verifier: verifier, Engine: engine}
	if limiter != nil {
		deps.Limiter = limiter
	}
	if csrfStore != nil {
		deps.CSRF = csrfStore
	}
	gw := gateway.New(gateway.StandardStages(cfg.Security, deps),
		gateway.WithRecorder(recorder),
		gateway.WithReadAuditing(cfg.Audit.LogReadOperations))

	api.Version = version
	router := api.NewRouter(cfg, api.Dependencies{
		DB:       database,
		Redis:    rdb,
		Gateway:  gw,
		Roles:    engine,
		Checker:  engine,
		APIKeys:  apiKeyRepo,
		Audit:    auditRepo,
		Users:    userRepo,
		Recorder: recorder,
	})

	// Metrics are served on a dedicated port so they are not reachable through the public ingress.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.Port)
		safego.GoNamed("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	safego.GoNamed("http-server", func() {
		slog.Info("starting server", "addr", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Deferred closes run next: audit drain, stores, redis, database.
	slog.Info("server stopped gracefully")
	return nil
}

// newLimiter builds the rate limiter for the configured store. With Redis, a local memory store
// takes over while Redis is unreachable. Returns nil when rate limiting is disabled.
func newLimiter(cfg config.RateLimitingConfig, rdb redis.UniversalClient) (*ratelimit.Limiter, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}
	memory := ratelimit.NewMemoryStore(time.Minute)
	classes := ratelimit.ClassesFromConfig(cfg)
	if cfg.Store == config.StoreRedis && rdb != nil {
		return ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb, redisKeyPrefix+"rl:"), memory, classes), memory.Stop
	}
	return ratelimit.NewLimiter(memory, nil, classes), memory.Stop
}

// newCSRFStore returns nil when CSRF protection is disabled.
func newCSRFStore(cfg config.CSRFConfig, rdb redis.UniversalClient) (gateway.CSRFStore, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}
	if cfg.Store == config.StoreRedis && rdb != nil {
		return gateway.NewRedisCSRFStore(rdb, redisKeyPrefix), func() {}
	}
	memory := gateway.NewMemoryCSRFStore(time.Minute)
	return memory, memory.Stop
}

// newAuditLogger continues the stored hash chain and ships to the database plus any configured
// external sinks.
func newAuditLogger(ctx context.Context, cfg config.AuditConfig, repo *repositories.AuditRepository) (*audit.Logger, error) {
	genesis, err := repo.LatestHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}
	external, err := audit.NewMultiShipper(cfg.Shippers)
	if err != nil {
		return nil, fmt.Errorf("failed to configure audit shippers: %w", err)
	}

	var externals []audit.Shipper
	if external.Len() > 0 {
		externals = append(externals, external)
	}
	slog.Info("audit logging enabled", "external_shippers", external.Len())
	return audit.NewLogger(audit.Options{
		QueueSize:    cfg.QueueSize,
		WriteTimeout: cfg.WriteTimeout,
		GenesisHash:  genesis,
	}, audit.NewStoreShipper(repo), externals...), nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if direction != "version" {
		log.Printf("Running migrations: %s", direction)
		if err := db.RunMigrations(database, direction); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Current schema version: %d (dirty: %v)", v, dirty)
	return nil
}
