package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pivotbot/internal/broker"
	"pivotbot/internal/config"
	"pivotbot/internal/engine"
	"pivotbot/internal/logging"
	"pivotbot/internal/md"
	"pivotbot/internal/orders"
	"pivotbot/internal/report"
	"pivotbot/internal/schedule"
	"pivotbot/internal/state"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogDir)

	runID := generateRunID()
	transitions, err := engine.NewTransitionLogger(cfg.TransitionsPath, runID)
	if err != nil {
		log.Fatalf("transition logger error: %v", err)
	}
	defer func() {
		if err := transitions.Close(); err != nil {
			logger.Error("failed to close transition log", "error", err)
		}
	}()

	store, err := state.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("state store error: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close state store", "error", err)
		}
	}()

	session, err := schedule.NewSession(cfg.Session)
	if err != nil {
		log.Fatalf("session config error: %v", err)
	}

	clock := schedule.SystemClock{}
	brokerClient := broker.New(cfg.APIKey, cfg.APISecret, cfg.BaseURL)
	history := md.NewHistoryClient(cfg.APIKey, cfg.APISecret, session.Location)
	manager := orders.NewManager(brokerClient, orders.Sizing{
		EntryTolerance:  cfg.Trade.EntryTolerance,
		ExitTolerance:   cfg.Trade.ExitTolerance,
		StopRiskRatio:   cfg.Trade.StopRiskRatio,
		CapitalFraction: cfg.Trade.CapitalFraction,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, store, manager, session, engine.Policy{
		CancelOnCrossover: cfg.Trade.CancelOnCrossover,
	}, transitions, logger)

	refresher := schedule.NewRefresher(history, store, cfg.Symbols, clock, session, logger)
	cleaner := schedule.NewCleaner(brokerClient, clock, session, logger)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	reportServer := report.NewServer(cfg.ReportAddr, brokerClient, store, logger)
	go func() {
		if err := reportServer.Start(); err != nil {
			logger.Error("report server stopped", "error", err)
		}
	}()

	// Catch up the ladders on startup so a restart inside the trading day
	// trades against current levels instead of yesterday's.
	refresher.RefreshAll(ctx)

	runSession := func(dayCtx context.Context) error {
		return md.StartStream(dayCtx, cfg.APIKey, cfg.APISecret, cfg.Feed, cfg.Symbols, func(bar md.Bar) {
			eng.Dispatch(dayCtx, bar)
		})
	}

	logger.Info("starting pivot bot", "run_id", runID, "symbols", cfg.Symbols, "feed", cfg.Feed)
	scheduler := schedule.NewScheduler(clock, session, refresher.RefreshAll, runSession, cleaner.Run, logger)
	scheduler.Run(ctx)

	eng.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := reportServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("report server shutdown failed", "error", err)
	}

	logger.Info("pivot bot shutdown complete")
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return timestamp
	}
	return timestamp + "-" + hex.EncodeToString(randomBytes)
}
