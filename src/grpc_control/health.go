package grpc_control

import (
	"context"
	"fmt"
	"net"
	"sync"

	"chart-sync/src/logger"
	"chart-sync/src/models"
	"chart-sync/src/push"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const servicePrefix = "chart-sync.push."

// ServiceName is the health service name reported for a push topic.
func ServiceName(topic string) string {
	return servicePrefix + topic
}

// -----------------------------------------------------------------------------

// HealthService mirrors the connection state of every push client into the
// standard gRPC health service. The overall service "" is SERVING while the
// process runs.
type HealthService struct {
	Health *health.Server
	Push   *push.Manager
	Logger *logger.Logger

	wg sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewHealthService(mgr *push.Manager, log *logger.Logger) *HealthService {
	if log == nil {
		log = logger.NewNopLogger("grpc")
	}
	h := &HealthService{
		Health: health.NewServer(),
		Push:   mgr,
		Logger: log,
	}
	h.Health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// -----------------------------------------------------------------------------

// Watch follows every topic's state until ctx ends.
func (h *HealthService) Watch(ctx context.Context) {
	for _, topic := range h.Push.Topics() {
		client, err := h.Push.Client(topic)
		if err != nil {
			continue
		}

		name := ServiceName(topic)
		h.Health.SetServingStatus(name, servingStatus(client.State()))

		sub := client.WatchState(ctx)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer sub.Close()
			for state := range sub.C {
				h.Health.SetServingStatus(name, servingStatus(state))
				h.Logger.Debug("%s is %s", name, state)
			}
		}()
	}
}

// -----------------------------------------------------------------------------

func servingStatus(state models.ConnectionState) healthpb.HealthCheckResponse_ServingStatus {
	if state == models.StateConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// -----------------------------------------------------------------------------

// Serve listens on host:port until ctx ends, then stops gracefully.
func (h *HealthService) Serve(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.Health)

	go func() {
		<-ctx.Done()
		h.Health.Shutdown()
		srv.GracefulStop()
	}()

	h.Logger.Info("gRPC health service listening on %s", addr)
	return srv.Serve(lis)
}

// -----------------------------------------------------------------------------

// Wait blocks until every watcher has stopped.
func (h *HealthService) Wait() {
	h.wg.Wait()
}
