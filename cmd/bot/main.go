// KRW Autopilot — an autonomous trading orchestrator for KRW crypto
// markets. It scans a guided-trading backend for entry opportunities,
// shepherds each candidate through a deterministic gate, an LLM review,
// and order placement, and manages open positions under global safety
// budgets (daily loss, position slots, LLM quota).
//
// Architecture:
//
//	main.go              — entry point: loads config, starts orchestrator + dashboard, waits for SIGINT/SIGTERM
//	engine/              — orchestrator: tick loop, candidate gating, worker lifecycle, budgets, focused fast lane
//	worker/              — per-market state machine: entry path, pending-entry watchdog, position management
//	agent/               — fine-grained review pipeline (specialists → synthesizer → PM)
//	backend/             — guided-trading backend client (all exchange I/O is delegated there)
//	llm/                 — LLM gateway client + defensive JSON reply parsing
//	mcp/                 — browser-automation tool bridge (UI checks, order fallback)
//	risk/                — daily-loss gate and external cooldown registry
//	store/               — in-memory UI state: event/log rings, screenshots, candidates
//	api/                 — dashboard server: REST snapshot + WebSocket stream + /metrics
//	metrics/             — Prometheus collectors
//
// The autopilot never talks to an exchange directly: order execution,
// fill reconciliation, and recommendation math all live in the backend.
// This process is the decision and control layer only.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"krw-autopilot/internal/api"
	"krw-autopilot/internal/backend"
	"krw-autopilot/internal/config"
	"krw-autopilot/internal/engine"
	"krw-autopilot/internal/llm"
	"krw-autopilot/internal/mcp"
	"krw-autopilot/internal/metrics"
	"krw-autopilot/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("AUTOPILOT_CONFIG"); p != "" {
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

	m := metrics.New()

	backendClient := backend.NewClient(cfg.Backend, logger)
	llmClient := llm.NewHTTPClient(cfg.LLM)
	mcpClient := mcp.NewHTTPClient(cfg.MCP)

	var server *api.Server
	callbacks := engine.Callbacks{
		OnState: func(state api.AutopilotState) {
			if server != nil {
				server.PushState(state)
			}
		},
		OnEvent: func(evt types.TimelineEvent) {
			if server != nil {
				server.PushEvent(evt)
			}
		},
	}

	orch := engine.New(cfg.Autopilot, backendClient, llmClient, mcpClient, m, callbacks, logger)

	if cfg.Dashboard.Enabled {
		server = api.NewServer(cfg.Dashboard, orch, m, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
	}

	orch.Start()
	logger.Info("autopilot running",
		"mode", cfg.Autopilot.TradingMode,
		"amount_krw", cfg.Autopilot.AmountKrw,
		"max_positions", cfg.Autopilot.MaxConcurrentPositions,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	orch.Stop()
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Error("dashboard shutdown failed", "error", err)
		}
	}
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
