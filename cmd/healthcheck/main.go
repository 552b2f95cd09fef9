// healthcheck probes the flowgate gRPC health service, for use as a container
// HEALTHCHECK command. It exits 0 when the challenge pool is serving.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/flowgate/internal/healthrpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	addr := os.Getenv("GRPC_HEALTH_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	service := healthrpc.ServiceName
	if len(os.Args) > 1 {
		service = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := healthrpc.Check(ctx, addr, service)
	if err != nil {
		slog.Error("Health check failed", "addr", addr, "error", err)
		os.Exit(1)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		slog.Error("Service not serving", "service", service, "status", status.String())
		os.Exit(1)
	}
}
