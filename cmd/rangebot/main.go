// Rangebot — automated concentrated-liquidity provisioning for PancakeSwap V3
// pools on BNB Smart Chain.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires the stack, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: instance registry, slot accounting, crash recovery
//	engine/stages.go     — mint pipeline: verify pool → rebalance swap → approve → mint
//	engine/monitor.go    — range watcher: out-of-range timing drives the auto-exit
//	engine/forceexit.go  — serialized close: decrease → collect → burn → swap back to base
//	univ3/ticks.go       — tick and sqrt-price math on Q96 fixed point
//	chain/client.go      — RPC endpoint ladder: pool/token reads, position manager writes
//	aggregator/client.go — swap routing API: quote → swap tx → balance-delta measurement
//	gas/oracle.go        — gas price ladder with plausibility band and short cache
//	pnl/tracker.go       — base-currency ledger: deposits, withdrawals, gas, lifecycle totals
//	store/store.go       — JSON file persistence for instances (survives restarts)
//	api/server.go        — REST control surface plus WebSocket event stream
//
// How it earns:
//
//	The bot deposits both pool tokens into a band around the current price
//	and accrues swap fees while the price stays inside it. When the price
//	leaves the band and stays out past the configured timeout, the position
//	is closed, holdings are swapped back to the base currency, and the
//	realized result lands in the lifecycle ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nazkun-hub/pancake-sub000/internal/aggregator"
	"github.com/Nazkun-hub/pancake-sub000/internal/api"
	"github.com/Nazkun-hub/pancake-sub000/internal/bus"
	"github.com/Nazkun-hub/pancake-sub000/internal/chain"
	"github.com/Nazkun-hub/pancake-sub000/internal/config"
	"github.com/Nazkun-hub/pancake-sub000/internal/engine"
	"github.com/Nazkun-hub/pancake-sub000/internal/gas"
	"github.com/Nazkun-hub/pancake-sub000/internal/pnl"
	"github.com/Nazkun-hub/pancake-sub000/internal/store"
)

func main() {
	// Load config. Flag wins over env, env over the default path.
	defaultPath := "configs/config.yaml"
	if p := os.Getenv("RANGEBOT_CONFIG"); p != "" {
		defaultPath = p
	}
	cfgPath := flag.String("config", defaultPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
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

	ctx := context.Background()

	st, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}

	eventBus := bus.New(logger, cfg.Engine.EventRetention)

	chainClient, err := chain.Dial(ctx, cfg.Chain, cfg.Wallet, logger)
	if err != nil {
		logger.Error("failed to connect chain client", "error", err)
		os.Exit(1)
	}

	// The gas oracle walks the same endpoint ladder the chain reads use.
	endpoints, urls := chainClient.Endpoints()
	sources := make([]gas.Source, len(endpoints))
	for i, ec := range endpoints {
		sources[i] = ec
	}
	gasOracle := gas.New(logger, cfg.Gas, sources, urls)

	router := aggregator.NewRouter(*cfg, chainClient, gasOracle, logger)
	tracker := pnl.New(st, eventBus, cfg.PnL, logger)

	eng := engine.New(cfg, chainClient, router, gasOracle, st, eventBus, tracker, logger)

	// Start control API if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, tracker, chainClient, eventBus, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	// Start recovers persisted instances before returning; interrupted
	// closes finish and live positions resume monitoring.
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no transactions will be sent")
	}

	logger.Info("rangebot started",
		"wallet", chainClient.Address().Hex(),
		"chain_id", cfg.Chain.ChainID,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API first so no new operations land on a draining engine.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Close()
	eventBus.Close()
	chainClient.Close()
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
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
