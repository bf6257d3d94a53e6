package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chart-sync/src/config"
	"chart-sync/src/helpers"
	"chart-sync/src/logger"
)

const shutdownTimeout = 10 * time.Second

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger := logger.NewLogger(cfg.MConfig, cfg.Name)
	defer appLogger.Sync()

	limit, known := helpers.ApplyMemoryLimit()
	if !known {
		appLogger.Warning("Could not determine system memory, using the fallback limit")
	}
	appLogger.Info("Memory limit set to: %d MB", limit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Components
	app, err := setupComponents(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Critical("Failed to set up: %v", err)
		os.Exit(1)
	}

	// 2. Servers
	startServers(ctx, app, cfg, appLogger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	app.shutdown(shutdownCtx)
}
