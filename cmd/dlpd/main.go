package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dlp/config"
	"dlp/gateway"
	"dlp/native/launch"
	"dlp/native/vesting"
	"dlp/observability/logging"
	"dlp/observability/metrics"
	"dlp/storage"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dlpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup("dlpd", cfg.Env)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "dlp.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	vestingEngine := vesting.NewEngine()
	vestingEngine.SetState(store)
	vestingEngine.SetLogger(logging.WithComponent(logger, "vesting"))
	for _, asset := range cfg.Assets {
		cap, err := asset.Cap()
		if err != nil {
			return err
		}
		policy := &vesting.AssetPolicy{
			Asset:        strings.ToUpper(strings.TrimSpace(asset.Symbol)),
			MinDuration:  asset.MinDuration,
			MaxDuration:  asset.MaxDuration,
			AggregateCap: cap,
		}
		if _, err := vestingEngine.RegisterAsset(policy); err != nil {
			return fmt.Errorf("register asset %s: %w", policy.Asset, err)
		}
		logger.Info("asset registered",
			"asset", policy.Asset,
			"minDuration", policy.MinDuration,
			"maxDuration", policy.MaxDuration,
		)
	}

	launchEngine := launch.NewEngine()
	launchEngine.SetState(store)
	launchEngine.SetVesting(vestingEngine)
	launchEngine.SetLogger(logging.WithComponent(logger, "launch"))

	handler, err := gateway.New(gateway.Config{
		Engine:  launchEngine,
		Logger:  logging.WithComponent(logger, "gateway"),
		Metrics: metrics.Launch(),
		RateLimit: gateway.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
