package grpc

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"studybuddy-chat/internal/observability"
)

// ServiceName is the health service name reported for the chat service.
const ServiceName = "studybuddy.chat"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewHealthServer builds the gRPC server exposing grpc.health.v1.
func NewHealthServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchDatabase flips the serving status of ServiceName and the overall server
// with the database reachability until ctx is done.
func WatchDatabase(ctx context.Context, db Pinger, hs *health.Server, interval time.Duration, logger *zap.Logger) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("database ping failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(ServiceName, status)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
