package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"realtime-service/internal/log"
	"realtime-service/internal/observability"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "realtime.Broadcaster"

// HealthServer exposes grpc.health.v1 for orchestrator probes.
type HealthServer struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
}

func NewHealthServer(port int) *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
		grpc.StreamInterceptor(observability.GRPCServerMetricsStreamInterceptor()),
	)
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{addr: fmt.Sprintf(":%d", port), srv: srv, health: hs}
}

// SetServing flips the reported status.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve listens on the configured port until ctx is done.
func (s *HealthServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then drains in-flight calls.
func (s *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.srv.GracefulStop()
		case <-done:
		}
	}()

	s.SetServing(true)
	log.L().Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	err := s.srv.Serve(lis)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
