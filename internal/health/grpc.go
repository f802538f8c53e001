// Package health exposes the standard gRPC health service. The
// "vagas.realtime" service reports whether the listings change feed is live,
// so orchestrators can tell a degraded (polling) instance from a healthy one.
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"jobmate/vagas-service/internal/realtime"
	"jobmate/vagas-service/internal/session"
)

// ServiceRealtime is the health service name tracking the listings feed.
const ServiceRealtime = "vagas.realtime"

// Server wraps a grpc.Server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	log    *slog.Logger
}

// NewServer returns a server whose overall status is SERVING and whose
// realtime status starts NOT_SERVING until the feed confirms.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	hs := grpchealth.NewServer()
	hs.SetServingStatus(ServiceRealtime, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(identityInterceptor, loggingInterceptor(logger)))
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, log: logger}
}

// OnFeedState is a realtime.Synchronizer state hook.
func (s *Server) OnFeedState(feed string, st realtime.State) {
	if feed != realtime.FeedListings {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == realtime.StateActive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceRealtime, status)
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains connections.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// identityInterceptor copies the x-user-id metadata forwarded by the
// Gateway into the request context. Health checks do not require it.
func identityInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-user-id"); len(vals) > 0 {
			ctx = session.WithUserID(ctx, vals[0])
		}
	}
	return handler(ctx, req)
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		user, _ := session.UserID(ctx)
		logger.Debug("grpc call", "method", info.FullMethod, "user", user, "took", time.Since(start), "err", err)
		return resp, err
	}
}
