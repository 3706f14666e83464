// Copyright 2025 James Ross
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

	"github.com/flyingrobots/taskqueue/internal/breaker"
	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/httpapi"
	"github.com/flyingrobots/taskqueue/internal/lifecycle"
	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/flyingrobots/taskqueue/internal/reclaimsweep"
	"github.com/flyingrobots/taskqueue/internal/registry"
	"github.com/flyingrobots/taskqueue/internal/storage"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := storage.Open(cfg.Database,
		storage.WithLogger(logger),
		storage.WithSlowQueryThreshold(cfg.Lifecycle.SlowQueryThreshold),
		storage.WithDeadlockMaxRetries(cfg.Lifecycle.DeadlockMaxRetries),
		storage.WithCircuitBreaker(breaker.New(
			cfg.CircuitBreaker.Window,
			cfg.CircuitBreaker.CooldownPeriod,
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.MinSamples,
		)),
	)
	if err != nil {
		logger.Fatal("failed to open storage", obs.Err(err))
	}
	defer db.Close()

	if err := storage.DefaultRegistry().EnsureSchema(context.Background(), db); err != nil {
		logger.Fatal("failed to ensure schema", obs.Err(err))
	}

	reg := registry.New(db)
	eng := lifecycle.New(db, reg, cfg.Lifecycle.MaxTaskAttempts, cfg.Lifecycle.HistoryEnabled, cfg.Lifecycle.ClaimTimeout, lifecycle.WithLogger(logger))

	if err := httpapi.SeedEndpoints(context.Background(), db); err != nil {
		logger.Fatal("failed to seed endpoint table", obs.Err(err))
	}

	router := httpapi.NewRouter(db, logger, cfg.Lifecycle.MaxRequestSize)
	httpapi.RegisterRoutes(router, reg, eng)
	if err := router.Load(context.Background()); err != nil {
		logger.Fatal("failed to load routes", obs.Err(err))
	}

	auditLogger := obs.NewAuditLogger(cfg.Audit)
	defer auditLogger.Sync()

	var handler http.Handler = router
	handler = httpapi.AuthMiddleware(cfg.Auth.APIKey)(handler)
	handler = httpapi.RateLimitMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)(handler)
	handler = httpapi.AuditMiddleware(auditLogger)(handler)
	handler = httpapi.CORSMiddleware([]string{"*"})(handler)
	handler = httpapi.RequestIDMiddleware()(handler)
	handler = httpapi.RecoveryMiddleware(logger)(handler)

	var adminHandler http.Handler = httpapi.NewAdminRouter(eng, logger)
	adminHandler = httpapi.AdminAuthMiddleware(cfg.Auth.JWTSecret, logger)(adminHandler)
	adminHandler = httpapi.AuditMiddleware(auditLogger)(adminHandler)
	adminHandler = httpapi.RequestIDMiddleware()(adminHandler)
	adminHandler = httpapi.RecoveryMiddleware(logger)(adminHandler)

	top := http.NewServeMux()
	top.Handle("/admin/", adminHandler)
	top.Handle("/health", httpapi.RecoveryMiddleware(logger)(httpapi.RequestIDMiddleware()(router)))
	top.Handle("/", handler)

	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      top,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("api server listening", obs.String("addr", cfg.Server.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", obs.Err(err))
		}
	}()

	readyCheck := func(ctx context.Context) error {
		rows, err := db.Query(ctx, `SELECT 1`)
		if err != nil {
			return err
		}
		return rows.Close()
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	obs.StartQueueDepthSampler(samplerCtx, db, 5*time.Second, logger)

	var sweep *reclaimsweep.Sweep
	if cfg.ReclaimSweep.Enabled {
		sweep, err = reclaimsweep.New(eng, cfg.ReclaimSweep.Schedule, logger)
		if err != nil {
			logger.Fatal("failed to schedule reclaim sweep", obs.Err(err))
		}
		sweep.Start()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	if sweep != nil {
		sweep.Stop()
	}
	stopSampler()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
