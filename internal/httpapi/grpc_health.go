package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"memberfund.org/internal/obs"
)

// HealthServer reports ReadyProbe results over the standard gRPC health
// protocol for orchestrators that probe gRPC rather than HTTP.
type HealthServer struct {
	ready    ReadyProbe
	health   *health.Server
	interval time.Duration
}

// NewHealthServer starts in NOT_SERVING until the first probe passes.
func NewHealthServer(ready ReadyProbe, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{ready: ready, health: hs, interval: interval}
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
}

// Probe runs the readiness checks once and publishes the result.
func (h *HealthServer) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := h.ready.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().Warn("readiness probe failed", zap.Error(err))
	}
	h.health.SetServingStatus(serviceName, status)
	h.health.SetServingStatus("", status)
	return err
}

// Run probes every interval until ctx is done, then marks the service as
// shutting down.
func (h *HealthServer) Run(ctx context.Context) {
	_ = h.Probe(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-t.C:
			_ = h.Probe(ctx)
		}
	}
}
