// Command feed is a development push backend. It seeds storage with random
// walk klines plus SMA and BOLL history, then streams live updates for every
// push topic as text/event-stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chart-sync/src/config"
	"chart-sync/src/logger"
	"chart-sync/src/storage"
)

var defaultSeries = []string{"BTCUSDT@1m", "ETHUSDT@1m"}

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	bars := flag.Int("bars", 500, "bars of history seeded per series")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.NewLogger(cfg.MConfig, "feed")
	defer appLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Storage shared with the sync engine
	db, err := storage.NewDatabase(cfg.MConfig, appLogger.Named("storage"))
	if err != nil {
		appLogger.Critical("Failed to init db: %v", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		appLogger.Critical("Failed to migrate db: %v", err)
		os.Exit(1)
	}

	// 2. Seed
	keys := cfg.Feed.Series
	if len(keys) == 0 {
		keys = defaultSeries
	}
	feeds, err := seedAll(ctx, db, keys, *bars, time.Now().Unix(), appLogger)
	if err != nil {
		appLogger.Critical("Seeding failed: %v", err)
		os.Exit(1)
	}

	// 3. Replay loop
	rp := newReplayer(db, feeds, cfg.Series.SubscriberBuffer, appLogger.Named("replay"))
	go rp.Run(ctx, time.Duration(cfg.Feed.IntervalMs)*time.Millisecond)

	// 4. SSE server
	host := cfg.Feed.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Feed.Port
	if port == 0 {
		port = 8090
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: newEngine(rp, appLogger),
	}
	go func() {
		appLogger.Info("Feed listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Critical("Feed server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down feed...")
	cancel()
	rp.Close()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Feed shutdown: %v", err)
	}
}
