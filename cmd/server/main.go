package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/treasurer/service/chain"
	"github.com/brojonat/treasurer/service/config"
	"github.com/brojonat/treasurer/service/db"
	"github.com/brojonat/treasurer/service/ledger"
	"github.com/brojonat/treasurer/service/metrics"
	"github.com/brojonat/treasurer/service/nats"
	"github.com/brojonat/treasurer/service/server"
	"github.com/brojonat/treasurer/service/treasury"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast on malformed endpoints, keys or amounts
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"chain_id", cfg.ChainID.String(),
		"can_sign", cfg.CanSign(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	pool, err := chain.NewPool(cfg.RPCEndpoints, cfg.ChainID)
	if err != nil {
		logger.Error("invalid endpoint pool", "error", err)
		os.Exit(1)
	}

	mgr := chain.NewManager(pool, logger,
		chain.WithProbeTimeout(cfg.ProbeTimeout),
		chain.WithSigner(chain.NewSigner(cfg.TreasuryKey)),
		chain.WithMetrics(m),
	)
	defer mgr.Close()

	// Network failures are not fatal; the first request retries the sweep.
	if conn, err := mgr.Connect(ctx, cfg.ConnectAttempts, cfg.ConnectBackoff); err != nil {
		logger.Warn("starting without a chain connection", "endpoints", pool.Labels(), "error", err)
	} else {
		logger.Info("chain connection established", "endpoint", conn.Endpoint().Label())
	}

	l := ledger.New()
	engineOpts := []treasury.EngineOption{treasury.WithMetrics(m)}

	// Optional transfer journal
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store := db.NewStore(dbPool, m)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		engineOpts = append(engineOpts, treasury.WithJournal(store))
		logger.Info("transfer journal enabled")
	} else {
		logger.Info("DATABASE_URL not set, transfer journal disabled")
	}

	// Optional ledger event stream
	if cfg.NATSURL != "" {
		publisher, err := nats.NewPublisher(cfg.NATSURL, logger, m)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		engineOpts = append(engineOpts, treasury.WithPublisher(publisher))
		logger.Info("ledger event publishing enabled", "url", cfg.NATSURL)
	} else {
		logger.Info("NATS_URL not set, ledger events disabled")
	}

	engine := treasury.NewEngine(
		mgr,
		chain.NewAccountService(logger, m),
		l,
		treasury.Policy{
			ETHPriceUSD:           cfg.ETHPriceUSD,
			FeeReserveETH:         cfg.FeeReserveETH,
			MinGasETH:             cfg.MinGasETH,
			RecycleMinEarningsUSD: cfg.RecycleMinEarningsUSD,
			ConfirmTimeout:        cfg.ConfirmTimeout,
			ConfirmPollInterval:   cfg.ConfirmPollInterval,
			ExplorerTxURL:         cfg.ExplorerTxURL,
		},
		treasury.Wallets{
			Treasury:    cfg.TreasuryAddress,
			Destination: cfg.CoinbaseAddress,
		},
		logger,
		engineOpts...,
	)
	recycler := treasury.NewRecycler(engine, cfg.AutoRecycleEnabled)

	view := engine.Balance(ctx)
	logger.Info("treasury ready",
		"coinbase", cfg.CoinbaseAddress.Hex(),
		"treasury", view.Address.Hex(),
		"balance_eth", view.BalanceETH.StringFixed(6),
		"connected", view.Connected,
	)

	httpServer := server.New(cfg.ServerAddr, cfg, engine, recycler, m, logger)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// In-flight withdrawals may be waiting on a receipt.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
