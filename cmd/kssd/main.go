// Pyramid KSS — a pyramid DCA session engine that ladders LIMIT buys below
// an entry price and exits the whole position with a MARKET sell once the
// average entry clears the take-profit threshold.
//
// Architecture:
//
//	main.go              — entry point: loads config, recovers sessions, waits for SIGINT/SIGTERM
//	engine/manager.go    — orchestrator: session registry, order dispatch, recovery, timeout sweeper
//	engine/router.go     — source_ref parsing: maps fill/approval events back to their session
//	engine/hooks.go      — inbound event handlers (fills, approvals, rejections)
//	session/session.go   — one pyramid's state machine: waves, fills, TP, timeout
//	session/sizing.go    — decimal wave math: prices, quantities, precision, preview
//	marketdata/client.go — Binance REST oracles (prices, LOT_SIZE rules) with TTL caches
//	marketdata/stream.go — miniTicker WebSocket keeping the price cache warm
//	gateway/gateway.go   — posts orders into the platform's human-approval queue
//	store/store.go       — SQLite persistence for sessions and waves (survives restarts)
//	api/server.go        — HTTP API: session CRUD, preview, summary, platform hooks
//
// How it trades:
//
//	Each session ladders up to max_waves LIMIT buys at geometrically
//	decreasing prices, each wave larger than the last, funded from an
//	isolated budget. Every order waits in the platform's pending queue for
//	a human to approve. As waves fill, the average entry drops; when the
//	market recovers tp_pct above that average, the engine queues a MARKET
//	sell for the whole position. Sessions that stop filling are timed out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pyramid-kss/internal/api"
	"pyramid-kss/internal/config"
	"pyramid-kss/internal/engine"
	"pyramid-kss/internal/gateway"
	"pyramid-kss/internal/marketdata"
	"pyramid-kss/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KSS_CONFIG"); p != "" {
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
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer st.Close()

	md := marketdata.NewClient(cfg.Exchange, logger)

	var gw gateway.Gateway
	if cfg.Gateway.DryRun {
		gw = gateway.NewMemory()
		logger.Warn("DRY-RUN MODE — orders go to an in-memory queue, nothing reaches the platform")
	} else {
		gw = gateway.NewHTTP(cfg.Gateway, logger)
	}

	mgr := engine.New(cfg.Engine, st, gw, md, md, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Recover(ctx); err != nil {
		logger.Error("failed to recover sessions", "error", err)
		os.Exit(1)
	}
	mgr.StartSweeper()

	var stream *marketdata.Stream
	if cfg.Exchange.StreamEnabled {
		stream = marketdata.NewStream(cfg.Exchange, md, logger)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("price stream stopped", "error", err)
			}
		}()
	}

	var apiServer *api.Server
	if cfg.Server.Enabled {
		handlers := api.NewHandlers(mgr, cfg.Defaults, logger)
		apiServer = api.NewServer(cfg.Server.Port, handlers, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	logger.Info("pyramid kss started",
		"database", cfg.Database.Path,
		"pip_multiplier", cfg.Engine.PipMultiplier,
		"sweep_enabled", cfg.Engine.SweepEnabled,
		"dry_run", cfg.Gateway.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	if stream != nil {
		stream.Close()
	}
	mgr.Close()
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
