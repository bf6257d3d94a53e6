package main

import (
	"context"

	"chart-sync/src/config"
	"chart-sync/src/logger"
)

// -----------------------------------------------------------------------------

// startServers starts the gateway and, when a port is configured, the gRPC
// health service.
func startServers(ctx context.Context, app *application, config *config.Config, appLogger *logger.Logger) {

	// 1. Gateway
	go func() {
		if err := app.server.Start(); err != nil {
			appLogger.Critical("Server failed: %v", err)
		}
	}()

	// 2. gRPC health
	app.health.Watch(ctx)
	if config.GrpcPort == 0 {
		return
	}
	host := config.GrpcHost
	if host == "" {
		host = "0.0.0.0"
	}
	go func() {
		if err := app.health.Serve(ctx, host, config.GrpcPort); err != nil {
			appLogger.Critical("gRPC health failed: %v", err)
		}
	}()
}
