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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/openanonymity/veil/internal/auth"
	"github.com/openanonymity/veil/internal/circuitbreaker"
	"github.com/openanonymity/veil/internal/config"
	"github.com/openanonymity/veil/internal/keyrpc"
	"github.com/openanonymity/veil/internal/privacy"
	"github.com/openanonymity/veil/internal/provider"
	"github.com/openanonymity/veil/internal/ratelimit"
	"github.com/openanonymity/veil/internal/router"
	"github.com/openanonymity/veil/internal/server"
	"github.com/openanonymity/veil/internal/session"
	"github.com/openanonymity/veil/internal/store"
	"github.com/openanonymity/veil/internal/telemetry"
	"github.com/openanonymity/veil/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	// Optional .env for local development; the real environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("starting veil", "version", version, "addr", cfg.Server.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Counter store
	st, err := store.NewRedis(ctx, store.Options{
		URL:                 cfg.Redis.URL,
		PoolSize:            cfg.Redis.PoolSize,
		MinIdleConns:        cfg.Redis.MinIdleConns,
		HealthCheckInterval: cfg.Redis.HealthCheckInterval,
		OpTimeout:           cfg.Timeouts.CounterStore,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	// Telemetry
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, "veil",
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Key Allocator client
	allocator := keyrpc.NewClient(cfg.KeyServer.Socket)
	defer allocator.Close()

	// Provider drivers share one pooled client with cached DNS.
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(dnsRefreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()
	httpc := provider.NewHTTPClient(resolver, cfg.Timeouts.Provider)
	factory := provider.NewFactory(cfg.Providers.BaseURLs, httpc)

	var catalog config.Catalog
	if cfg.Providers.CatalogFile != "" {
		catalog, err = config.LoadCatalog(cfg.Providers.CatalogFile)
		if err != nil {
			return err
		}
		logger.Info("model catalog loaded", "models", len(catalog.Models()))
	}

	jwtAuth, err := auth.NewJWT(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	pipe, err := privacy.NewPipeline(nil, nil)
	if err != nil {
		return err
	}

	// Wire services
	sessions := session.New(st, allocator, logger)
	reporter := worker.NewUsageReporter(allocator)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	rt := router.New(factory, allocator, st, breakers, reporter, metrics, logger, cfg.Privacy.DecoyCount)
	defer rt.Close()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.PerMinute)
	}

	handler := server.New(server.Deps{
		Auth:           jwtAuth,
		Sessions:       sessions,
		Router:         rt,
		Privacy:        pipe,
		Factory:        factory,
		Catalog:        catalog,
		Allocator:      allocator,
		Store:          st,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Logger:         logger,
		CORSOrigins:    cfg.Server.CORSOrigins,
		DefaultModel:   cfg.Privacy.DefaultModel,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCh := make(chan error, 1)
	go func() {
		workerCh <- worker.NewRunner(reporter).Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("veil ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers and let the usage reporter drain.
	cancel()
	if err := <-workerCh; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("worker shutdown", "error", err)
	}

	logger.Info("veil stopped")
	return nil
}
