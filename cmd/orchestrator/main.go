// Trade Orchestrator — the control plane of an automated futures trading
// system. It decides which strategy signals become broker orders, tracks the
// lifecycle signal → order → fill → position → exit, and keeps durable state
// consistent with the broker across restarts and gaps.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — wires all subsystems, serial event loop over the bus inbox
//	admission/             — signal parsing + validation pipeline (flag, limits, filter, exclusion)
//	orders/manager.go      — broker order events: attribution, fills, sibling cancels
//	positions/book.go      — one logical position per contract, weighted-average entry
//	positions/breakeven.go — price-stream driven stop-to-breakeven modifications
//	strategy/              — per-underlying ownership map + cross-strategy filter
//	reconcile/engine.go    — full and incremental broker syncs, stash re-matching
//	registry/registry.go   — signal ↔ order ↔ position mappings + lifecycle logs
//	contracts/             — symbol normalization, front-month table, position sizing
//	bus/bus.go             — NATS pub/sub + JetStream KV persistence
//	api/                   — read-only HTTP query surface + WebSocket stream
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"futures-orchestrator/internal/api"
	"futures-orchestrator/internal/config"
	"futures-orchestrator/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ORCH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// HTTP query surface
	apiServer := api.NewServer(cfg.API, eng, logger)
	eng.SetHub(apiServer.Hub())
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()
	logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("trade orchestrator started",
		"account", cfg.Trading.AccountID,
		"max_position", cfg.Trading.MaxPositionSize,
		"sizing", cfg.Sizing.Method,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the query surface first
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
