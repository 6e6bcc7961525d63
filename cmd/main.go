package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/v2ray-connector/internal/api"
	"github.com/v2ray-connector/internal/config"
	"github.com/v2ray-connector/internal/engine"
	"github.com/v2ray-connector/internal/metrics"
	"github.com/v2ray-connector/internal/orchestrator"
	"github.com/v2ray-connector/internal/remote"
	"github.com/v2ray-connector/internal/storage"
)

const version = "1.0.0"

func main() {
	// .env is optional; real deployments use actual environment variables.
	_ = godotenv.Load()

	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	log.Infof("Starting V2Ray Connector v%s", version)

	// Load configuration
	cfg, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set log level
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	}

	// Initialize metrics
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	// Initialize storage
	store, err := storage.NewStore(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Initialize backend client
	client, err := remote.NewClient(cfg.Remote)
	if err != nil {
		log.Fatalf("Failed to initialize remote client: %v", err)
	}

	// Initialize orchestrator and engine
	runner := orchestrator.NewRunner(client, metricsCollector, cfg.Engine.BatchSize)
	eng := engine.New(client, runner, store, metricsCollector, cfg.Engine.DefaultSubscriptionURL)

	// Restore a previously selected connection, if any
	eng.Restore()

	// Start API server
	apiServer := api.NewServer(cfg, eng, client, store, metricsCollector)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Service started successfully on %s", cfg.API.Addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Engine shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
}
