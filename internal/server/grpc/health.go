package grpcserver

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/steward/pkg/log"
)

// healthInterval is how often the runtime is checked while serving.
const healthInterval = 5 * time.Second

// refreshHealth checks the runtime once and publishes the result for the
// overall server ("").
func (s *Server) refreshHealth(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.rt.CheckHealth(ctx); err != nil {
		s.logger.Warn("health check failed", log.Err(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	return st
}

func (s *Server) watchHealth(ctx context.Context) {
	s.refreshHealth(ctx)
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refreshHealth(ctx)
		}
	}
}
