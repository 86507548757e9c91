package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/morphine-live/morphine-core/internal/api"
	"github.com/morphine-live/morphine-core/internal/config"
	"github.com/morphine-live/morphine-core/internal/layers"
	"github.com/morphine-live/morphine-core/internal/orchestrator"
	"github.com/morphine-live/morphine-core/internal/state"
	pgstore "github.com/morphine-live/morphine-core/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Morphine Core...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/morphine.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Seed the knowledge base the cognitive layers consult
	kb := layers.NewMemoryKnowledgeBase()
	kb.Seed(map[string]json.RawMessage{
		"odds":        json.RawMessage(`{"domain":"betting","volatility":"high"}`),
		"location":    json.RawMessage(`{"domain":"geolocation","precision_m":5}`),
		"transaction": json.RawMessage(`{"domain":"ledger","requires_validation":true}`),
	})

	// Initialize the orchestrator core with its metabolic loops
	orch := orchestrator.New(
		layers.NewContextLayer(logger),
		layers.NewReasoningLayer(logger),
		layers.NewIntuitionLayer(logger),
		kb,
		orchestrator.Options{
			ChannelCapacity:  cfg.Orchestrator.ChannelCapacity,
			LayerTimeout:     cfg.LayerTimeout(),
			ArchiveThreshold: cfg.Orchestrator.ArchiveThreshold,
			PartialTTL:       cfg.CacheTTL(),
		},
		logger,
	)
	logger.Info("Orchestrator initialized")

	// Redis stream state: optional, the core runs without it
	var stateMgr *state.Manager
	if cfg.Database.Redis.URL != "" {
		sm, smErr := state.NewManager(cfg.Database.Redis.URL, logger)
		if smErr != nil {
			logger.Warn("Redis unavailable, running without stream state", zap.Error(smErr))
		} else {
			stateMgr = sm
		}
	}

	// PostgreSQL decision archive: optional as well
	var archive *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without decision archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			archive = ps
		}
	}

	// Build HTTP handler
	hub := api.NewHub(logger)
	handler := api.NewHandler(orch, stateMgr, archive, hub, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Morphine Core listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Morphine Core...")
	srv.Shutdown(context.Background())
	orch.Stop()
	if stateMgr != nil {
		stateMgr.Close()
	}
	if archive != nil {
		archive.Close()
	}
}
