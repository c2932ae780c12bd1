// Talon - Reward rule evaluation and points calculation engine.
// Copyright (c) 2025 open-rewards
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/open-rewards/talon/internal/api"
	"github.com/open-rewards/talon/internal/auth"
	"github.com/open-rewards/talon/internal/bus"
	"github.com/open-rewards/talon/internal/cache"
	"github.com/open-rewards/talon/internal/calculator"
	"github.com/open-rewards/talon/internal/condition"
	"github.com/open-rewards/talon/internal/domain"
	"github.com/open-rewards/talon/internal/presets"
	"github.com/open-rewards/talon/internal/repository"
	"github.com/open-rewards/talon/internal/rulestore"
	"github.com/open-rewards/talon/internal/spend"
	"github.com/open-rewards/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("TALON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Clustered deployments get Postgres, Redis and NATS
	if os.Getenv("TALON_CLUSTER") == "true" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}

	if key := os.Getenv("TALON_SIGNING_KEY"); key != "" {
		cfg.Auth.SigningKey = key
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Condition Evaluator
	evaluator, err := condition.NewEvaluator()
	if err != nil {
		slog.Error("failed to initialize condition evaluator", "error", err)
		os.Exit(1)
	}

	// Initialize Spend Tracker
	tracker := spend.NewTracker(repo, cacheImpl, cfg.SpendCacheTTL)
	slog.Info("spend tracker initialized", "ttl", cfg.SpendCacheTTL)

	// Initialize Rule Store
	store := rulestore.New(repo, cacheImpl, busImpl, evaluator, cfg.RuleCacheTTL)
	slog.Info("rule store initialized", "ttl", cfg.RuleCacheTTL)

	// Initialize Calculator
	calc := calculator.NewService(calculator.New(evaluator, tracker), store, repo)
	slog.Info("calculator initialized")

	// Initialize Preset Registry
	registry := presets.New(repo, store)
	slog.Info("preset registry initialized", "presets", len(registry.List()))

	// Initialize Invalidation Worker
	invalidator := worker.NewWorker(busImpl, store, tracker)
	if err := invalidator.Start(); err != nil {
		slog.Error("failed to start invalidation worker", "error", err)
		os.Exit(1)
	}

	// Initialize Auth
	jwtService := auth.NewJWTService(cfg.Auth)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, calc, store, registry, jwtService, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if err := invalidator.Stop(); err != nil {
		slog.Error("failed to stop invalidation worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  TALON - reward points engine")
	fmt.Printf("  version %s\n", version)
	fmt.Printf("  listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  storage=%s cache=%s bus=%s\n",
		cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
	fmt.Println()
}
