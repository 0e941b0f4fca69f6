// Package main is the entry point for the Kairos portfolio automation
// engine: a market-season driven rebalancer that executes against the
// exchange as a crash-recoverable TWAP schedule.
//
// Startup sequence:
//  1. Load configuration (.env, config.yaml, defaults) and validate it
//  2. Acquire the data-directory process lock (single-writer invariant)
//  3. Open and migrate the database
//  4. Build the construction graph: clients, adapter, season pipeline,
//     planner, TWAP scheduler, coordinator
//  5. Recover any active schedule against the exchange
//  6. Start the websocket price feed, the HTTP API, and the cron jobs
//  7. Wait for a signal and shut down gracefully
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jbb100/kairos/internal/clients/binance"
	"github.com/jbb100/kairos/internal/clients/coinone"
	"github.com/jbb100/kairos/internal/clients/exchangerate"
	"github.com/jbb100/kairos/internal/config"
	"github.com/jbb100/kairos/internal/coordinator"
	"github.com/jbb100/kairos/internal/database"
	"github.com/jbb100/kairos/internal/domain"
	"github.com/jbb100/kairos/internal/events"
	"github.com/jbb100/kairos/internal/modules/audit"
	"github.com/jbb100/kairos/internal/modules/execution"
	"github.com/jbb100/kairos/internal/modules/portfolio"
	"github.com/jbb100/kairos/internal/modules/rebalancing"
	"github.com/jbb100/kairos/internal/modules/season"
	"github.com/jbb100/kairos/internal/reliability"
	"github.com/jbb100/kairos/internal/scheduler"
	"github.com/jbb100/kairos/internal/server"
	"github.com/jbb100/kairos/pkg/logger"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "override the data directory")
	flag.Parse()

	cfg, err := config.Load(*dataDirFlag)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Kairos")

	// Single-writer invariant: refuse to start when another instance
	// holds the data directory.
	lock, err := reliability.AcquireLock(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to acquire process lock")
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Error().Err(err).Msg("Failed to release process lock")
		}
	}()

	// Database: ledger profile, schedules and audit share one file.
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "kairos.db"),
		Profile: database.ProfileLedger,
		Name:    "kairos",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Clients and exchange adapter.
	prices := coinone.NewPriceCache()
	coinoneClient := coinone.NewClient(cfg.CoinoneAPIKey, cfg.CoinoneAPISecret, log)
	adapter := coinone.NewAdapter(coinoneClient, coinone.AdapterConfig{
		MaxRetries:   cfg.Adapter.MaxRetries,
		SafetyMargin: cfg.Adapter.SafetyMargin,
		MaxOrderKRW:  cfg.Adapter.MaxOrderKRW,
		MinOrderKRW:  cfg.Adapter.MinOrderKRW,
	}, prices, log)

	binanceClient := binance.NewClient(log)
	fxClient := exchangerate.NewClient(cfg.MarketData.USDKRWRate, log)

	// Season pipeline.
	seasonRepo := season.NewRepository(db.Conn(), log)
	history := season.NewHistoryProvider(binanceClient, fxClient, seasonRepo, log)
	classifier := season.NewClassifier(cfg.Classifier.BufferBand, log)

	resolver, err := portfolio.NewTargetResolver(cfg.Portfolio.IntraCrypto, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid intra-crypto allocation")
	}
	portfolioSvc := portfolio.NewService(adapter, log)
	planner := rebalancing.NewPlanner(cfg.Planner.MinNotionalKRW, log)

	// TWAP execution engine.
	execRepo := execution.NewRepository(db.Conn(), log)
	volatility := execution.NewVolatilityProvider(execution.NewBinanceBarSource(binanceClient), log)
	twap := execution.NewScheduler(adapter, execRepo, volatility, execution.Config{
		TickCadence:      time.Duration(cfg.Scheduler.TickCadenceMinutes) * time.Minute,
		DriftThreshold:   cfg.Scheduler.DriftThreshold,
		DriftMinGapKRW:   cfg.Scheduler.DriftMinGapKRW,
		DriftCooldown:    time.Duration(cfg.Scheduler.DriftCooldownMinutes) * time.Minute,
		ExecutionTimeout: time.Duration(cfg.Scheduler.ExecutionTimeoutHours) * time.Hour,
		ReplaceGrace:     time.Duration(cfg.Scheduler.ReplaceGraceSeconds) * time.Second,
		MinNotionalKRW:   cfg.Planner.MinNotionalKRW,
	}, log)

	auditRepo := audit.NewRepository(db.Conn(), log)
	bus := events.NewBus(log)

	engine := coordinator.New(
		adapter, portfolioSvc, history, classifier, resolver, planner,
		twap, seasonRepo, auditRepo, bus, log,
	)

	// Reconcile persisted execution state before the first tick.
	if err := engine.Recover(time.Now()); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover execution state")
	}

	// Keep last-trade prices warm over the public ticker stream.
	tickerWS := coinone.NewTickerWebSocket(domain.CryptoAssets, prices, log)
	tickerWS.Start()

	// Optional off-site backup.
	var backup scheduler.BackupRunner
	if cfg.Backup.S3Bucket != "" {
		svc, err := reliability.NewBackupService(context.Background(), db, cfg.Backup.S3Bucket, cfg.Backup.S3Prefix, log)
		if err != nil {
			log.Error().Err(err).Msg("Backup disabled: AWS configuration failed")
		} else {
			backup = svc
			log.Info().Str("bucket", cfg.Backup.S3Bucket).Msg("Database backup enabled")
		}
	}

	// Periodic jobs: execution tick, weekly review, quarterly rebalance.
	jobs := scheduler.New(engine, backup, scheduler.DefaultConfig(
		time.Duration(cfg.Scheduler.TickCadenceMinutes)*time.Minute,
	), log)
	if err := jobs.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start periodic jobs")
	}

	// Operational HTTP API.
	srv := server.New(server.Config{
		Port:   cfg.Port,
		Log:    log,
		Engine: engine,
		DB:     db,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Ask the scheduler to stop between slice placements, then stop the
	// tick source, the price feed, and the HTTP server. An in-flight
	// placement completes and is reconciled on the next startup.
	twap.RequestStop()
	jobs.Stop()
	tickerWS.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Kairos stopped")
}
