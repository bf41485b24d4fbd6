// Command sweep finalizes every overdue escrow once and exits. It is meant
// for cron-style deployments that run the server with SWEEP_INTERVAL=0.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/reconciliation"
	"github.com/mbd888/bazaar/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; an in-memory store has nothing to sweep")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	wallets := ledger.NewPostgresStore(db)
	products := catalog.NewPostgresStore(db)
	store := escrow.NewPostgresStore(db, wallets, products)
	rates := settings.NewService(settings.NewPostgresStore(db), cfg.CommissionRate)

	svc := escrow.NewService(store, products, rates).WithLogger(logger)
	sweeper := escrow.NewSweeper(svc, logger).WithBatchSize(cfg.SweepBatchSize)

	start := time.Now()
	n, err := sweeper.Sweep(ctx, start)
	if err != nil {
		logger.Error("sweep failed", "finalized", n, "error", err)
		os.Exit(1)
	}
	logger.Info("sweep complete", "finalized", n, "duration", time.Since(start))

	rep, err := reconciliation.New(store, wallets, logger).Run(ctx)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}
	if rep.Stuck > 0 {
		logger.Warn("escrows still overdue after sweep", "count", rep.Stuck, "mismatches", rep.Mismatch)
		os.Exit(2)
	}
}
