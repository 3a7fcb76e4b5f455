package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"stead.org/internal/obs"
)

// HealthServer publishes readiness over the standard gRPC health protocol,
// both for the overall server ("") and for the named service.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewHealthServer creates the health service. interval controls how often
// Run re-evaluates readiness.
func NewHealthServer(r readinessChecker, interval time.Duration) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthServer{srv: health.NewServer(), readiness: r, interval: interval}
}

// Register attaches the health service to a gRPC server.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh evaluates readiness once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) error {
	err := h.readiness.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
	obs.SetReady(err == nil)
	return err
}

// Run refreshes readiness until ctx is cancelled, then marks every service
// as not serving.
func (h *HealthServer) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness_check_failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
