package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"recoverdesk.org/internal/obs"
)

// GRPCHealth serves the standard grpc.health.v1 service, mirroring /readyz.
type GRPCHealth struct {
	srv       *health.Server
	readiness ReadyProbe
}

// NewGRPCHealth creates the health service wrapper. It starts NOT_SERVING
// until the first probe passes.
func NewGRPCHealth(r ReadyProbe) *GRPCHealth {
	h := &GRPCHealth{srv: health.NewServer(), readiness: r}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Probe runs the readiness checks once and publishes the result.
func (h *GRPCHealth) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Warn("grpc readiness check failed", map[string]any{"error": err})
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes every interval until ctx ends, then marks the service as shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	h.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
