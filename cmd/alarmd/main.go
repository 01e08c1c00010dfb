package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"alarmclock/internal/api"
	"alarmclock/internal/clock"
	"alarmclock/internal/config"
	"alarmclock/internal/engine"
	"alarmclock/internal/ha"
	"alarmclock/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	cfg, err := config.NewLoader(configDir, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting alarm clock engine",
		zap.String("url", haURL),
		zap.String("config_dir", configDir))

	// Create HA client
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open item store", zap.Error(err))
	}
	defer store.Close()

	eng := engine.New(engine.Deps{
		Client: client,
		Store:  store,
		Config: cfg,
		Clock:  clock.NewRealClock(),
		Logger: logger,
	})
	if err := eng.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	var apiServer *api.Server
	if cfg.APIPort > 0 {
		apiServer = api.NewServer(eng, logger, cfg.APIPort)
		if err := apiServer.Start(); err != nil {
			logger.Fatal("Failed to start API server", zap.Error(err))
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Engine running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("Failed to stop API server", zap.Error(err))
		}
	}
	eng.Shutdown()
}

// openStore picks SQLite when a database path is configured, otherwise
// items live in memory for the lifetime of the process.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Warn("No database_path configured, items will not survive restarts")
		return storage.NewMemoryStore(), nil
	}
	logger.Info("Opening item database", zap.String("path", cfg.DatabasePath))
	return storage.OpenSQLite(cfg.DatabasePath, time.Local)
}
