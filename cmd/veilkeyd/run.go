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

	"github.com/openanonymity/veil/internal/config"
	"github.com/openanonymity/veil/internal/keypool"
	"github.com/openanonymity/veil/internal/keyrpc"
	"github.com/openanonymity/veil/internal/secret"
	"github.com/openanonymity/veil/internal/store"
	"github.com/openanonymity/veil/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func run(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadKeyServer(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("starting veilkeyd", "version", version, "socket", cfg.Socket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, "veilkeyd",
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

	secrets, err := secret.NewVault(secret.VaultOptions{
		Addr:      cfg.Vault.Addr,
		Token:     cfg.Vault.Token,
		Mount:     cfg.Vault.Mount,
		OpTimeout: cfg.Timeouts.SecretStore,
	})
	if err != nil {
		return err
	}

	pool := keypool.New(st, secrets, logger)
	if cfg.KeysFile != "" {
		counts, err := pool.ReloadKeys(ctx, cfg.KeysFile)
		if err != nil {
			return err
		}
		for pm, n := range counts {
			logger.Info("key pool loaded", "pool", pm, "keys", n)
		}
	}

	rpc := keyrpc.NewServer(pool, cfg.KeysFile, logger)
	ln, err := keyrpc.Listen(cfg.Socket)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: rpc.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("veilkeyd ready", "socket", cfg.Socket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("veilkeyd stopped")
	return nil
}
