// MuleGuard - Graph-based money muling detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/muleguard/internal/analysis"
	"github.com/opensource-finance/muleguard/internal/api"
	"github.com/opensource-finance/muleguard/internal/bus"
	"github.com/opensource-finance/muleguard/internal/cache"
	"github.com/opensource-finance/muleguard/internal/config"
	"github.com/opensource-finance/muleguard/internal/domain"
	"github.com/opensource-finance/muleguard/internal/engine"
	"github.com/opensource-finance/muleguard/internal/quota"
	"github.com/opensource-finance/muleguard/internal/repository"
	"github.com/opensource-finance/muleguard/internal/rules"
	"github.com/opensource-finance/muleguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "muleguard: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting muleguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_worker", cfg.Analysis.AsyncWorker,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("muleguard failed", "error", err)
		os.Exit(1)
	}
	slog.Info("muleguard shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	ruleEngine, err := rules.NewEngine(cfg.Detection.Workers)
	if err != nil {
		return fmt.Errorf("initializing rule engine: %w", err)
	}
	defer ruleEngine.Close()

	// Rules are managed through POST /rules; a database problem at startup
	// leaves the engine empty rather than blocking the server.
	if n, err := ruleEngine.ReloadFrom(ctx, repo, api.GlobalTenantID); err != nil {
		slog.Warn("failed to load rules from database", "error", err)
	} else {
		slog.Info("rule engine initialized", "rules_count", n)
	}

	eng := engine.New(cfg.Detection,
		engine.WithTimeout(cfg.Analysis.Timeout),
		engine.WithRules(ruleEngine),
	)

	limiter := quota.NewLimiter(cacheImpl, cfg.Analysis.QuotaPerWindow, cfg.Analysis.QuotaWindow)
	if limiter.Enabled() {
		slog.Info("analysis quota enabled",
			"limit", cfg.Analysis.QuotaPerWindow,
			"window", cfg.Analysis.QuotaWindow,
		)
	}

	svc := analysis.NewService(analysis.Deps{
		Engine:    eng,
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Limiter:   limiter,
		Rules:     ruleEngine,
		ResultTTL: cfg.Analysis.ResultTTL,
	})

	var asyncWorker *worker.Worker
	if cfg.Analysis.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Analysis.TenantIDs,
			Concurrency: cfg.Analysis.WorkerConcurrency,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			return fmt.Errorf("starting async worker: %w", err)
		}
	}

	handler := api.NewHandler(svc, repo, cacheImpl, busImpl, ruleEngine, Version, cfg.Analysis.MaxBodyBytes)
	srv := api.NewServer(cfg.Server, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("muleguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop async worker first so no analysis is left half-written.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  MuleGuard - money muling detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze            - Analyze a CSV or JSON batch (?async=true to queue)")
	fmt.Println("    GET  /analyses           - List recent analyses")
	fmt.Println("    GET  /analyses/{id}      - Get an analysis with its result")
	fmt.Println("    GET  /rules              - List loaded custom rules")
	fmt.Println("    POST /rules              - Create a custom rule")
	fmt.Println("    POST /rules/reload       - Hot-reload rules from database")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /metrics            - Prometheus metrics")
	fmt.Println()
}
