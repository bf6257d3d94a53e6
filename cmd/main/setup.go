package main

import (
	"context"
	"fmt"
	"time"

	"chart-sync/src/config"
	"chart-sync/src/grpc_control"
	"chart-sync/src/history"
	"chart-sync/src/interfaces"
	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/network"
	"chart-sync/src/push"
	"chart-sync/src/registry"
	"chart-sync/src/router"
	"chart-sync/src/series"
	"chart-sync/src/server"
	"chart-sync/src/storage"
	"chart-sync/src/stream"
)

// application holds every long-lived component.
type application struct {
	db       interfaces.IDatabase
	push     *push.Manager
	loader   *history.Loader
	registry *registry.Registry
	server   *server.Server
	health   *grpc_control.HealthService
	logger   *logger.Logger
}

// -----------------------------------------------------------------------------

// setupComponents builds storage, push clients, the market router, history
// loaders, the store registry and the gateway.
func setupComponents(ctx context.Context, cfg *config.Config, appLogger *logger.Logger) (*application, error) {

	// 1. Storage
	db, err := storage.NewDatabase(cfg.MConfig, appLogger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	// 2. Push clients, one per declared topic
	pushManager, err := push.NewManager(cfg.Channels, cfg.Series.SubscriberBuffer, nil, appLogger.Named("push"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create push clients: %w", err)
	}

	// 3. Market router, the live feed of every series store
	marketRouter := router.NewRouter(func(ctx context.Context) *stream.Subscription[models.Message] {
		return pushManager.CreateStream(ctx, push.TopicMarket)
	}, cfg.Series.SubscriberBuffer, appLogger.Named("router"))

	// 4. History
	var fetcher interfaces.IHistoryFetcher = db
	if cfg.History.Source == "http" {
		networkManager := network.NewAsyncNetworkManager(cfg.MConfig, appLogger.Named("network"))
		fetcher = history.NewHTTPFetcher(cfg.History.BaseURL, networkManager, appLogger.Named("history"))
	}
	loader := history.NewLoader(fetcher, history.Options{
		PageSize:    cfg.History.PageSize,
		Threshold:   cfg.History.Threshold,
		SettleDelay: time.Duration(cfg.History.SettleDelayMs) * time.Millisecond,
	}, appLogger.Named("history"))
	initial := history.NewInitialLoader(fetcher, cfg.History.PageSize, appLogger.Named("history"))

	// 5. Store registry
	reg := registry.NewRegistry(ctx, db, marketRouter, series.Options{
		SuppressMainPaneZero: cfg.Series.SuppressMainPaneZero,
	}, loader, initial, appLogger.Named("registry"))

	// 6. Gateway
	srv := server.NewServer(cfg.MConfig, appLogger.Named("server"), server.Deps{
		Registry: reg,
		Push:     pushManager,
		History:  db,
		Charts:   db,
	})

	return &application{
		db:       db,
		push:     pushManager,
		loader:   loader,
		registry: reg,
		server:   srv,
		health:   grpc_control.NewHealthService(pushManager, appLogger.Named("grpc")),
		logger:   appLogger,
	}, nil
}

// -----------------------------------------------------------------------------

// shutdown stops components in reverse dependency order.
func (a *application) shutdown(ctx context.Context) {
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Server shutdown: %v", err)
	}
	a.registry.CloseAll()
	a.loader.Wait()
	a.push.CloseAll()
	a.health.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Error("Closing db: %v", err)
	}
	a.logger.Info("Shutdown complete")
}
