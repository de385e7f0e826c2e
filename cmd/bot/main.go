// mmbot is a cross-venue market maker: it mirrors a reference venue's
// top-of-book, generates a layered quote ladder skewed by the current
// quote:base asset ratio, and keeps that ladder alive as live orders on a
// destination venue until explicitly cancelled or expired.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts the coordinator, waits for SIGINT/SIGTERM
//	internal/coordinator     — orchestrator: wires feed -> quote engine -> pipeline and the account event side channel
//	internal/feed            — reference venue WebSocket book-ticker feed, unbounded reconnect
//	internal/quoteengine     — turns a book ticker into an N-layer bid/ask ladder
//	internal/ratio           — tracks quote:base asset value ratio, derives per-side spread/liquidity skew
//	internal/pipeline        — turns a quote ladder into OMS orders submitted to the destination venue
//	internal/oms             — order state machine, risk gates, position accounting, kill switch
//	internal/reconciler      — account event stream -> fill/balance reconciliation
//	internal/reaper          — cancels destination-venue orders the bot has no local record of
//	internal/outbox          — transactional outbox worker for downstream event delivery
//	internal/venue           — destination venue REST/WS boundary (and an in-memory paper client)
//	internal/store           — SQLite-backed durable state
//	internal/healthz         — process-supervision HTTP endpoint
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mmbot/internal/config"
	"mmbot/internal/coordinator"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MMBOT_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	coord, err := coordinator.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build coordinator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("mmbot started",
		"symbol_src", cfg.Trading.SymbolSrc,
		"symbol_dst", cfg.Trading.SymbolDst,
		"mode", cfg.System.Mode,
		"num_layers", cfg.Trading.NumLayers,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.System.ShutdownTimeout)
	defer shutdownCancel()
	coord.Stop(shutdownCtx)
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
