package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker performs health checks against a gRPC health service,
// for sidecars and co-located agents exposing grpc.health.v1.
type GRPCChecker struct {
	// Target is the gRPC dial target (e.g., "localhost:9090")
	Target string

	// Service is the service name to query; empty checks overall server health
	Service string
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(target string) *GRPCChecker {
	return &GRPCChecker{Target: target}
}

// Check performs the gRPC health check
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := grpc.NewClient(g.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create client: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: g.Service,
	})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("health rpc failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	healthy := resp.GetStatus() == healthpb.HealthCheckResponse_SERVING

	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("gRPC health status %s", resp.GetStatus()),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}

// WithService sets the service name to query
func (g *GRPCChecker) WithService(service string) *GRPCChecker {
	g.Service = service
	return g
}
