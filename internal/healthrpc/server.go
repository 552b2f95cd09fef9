// Package healthrpc serves and probes the standard gRPC health service for
// the challenge pool.
package healthrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reporting challenge availability.
// The empty service name reports overall server health.
const ServiceName = "flowgate.captcha"

// Prober reports whether challenge automation can currently run.
type Prober func(ctx context.Context) error

// Server publishes pool availability over grpc.health.v1.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	probe    Prober
	interval time.Duration
}

// NewServer creates a Server that re-probes every interval.
func NewServer(probe Prober, interval time.Duration) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, probe: probe, interval: interval}
}

// Serve probes once, then serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.update(ctx)
	go s.watch(ctx)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.update(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) update(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.probe(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		slog.Debug("Challenge automation not serving", "error", err)
	}
	s.health.SetServingStatus(ServiceName, status)
}
