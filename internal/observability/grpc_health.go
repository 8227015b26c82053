package observability

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer exposes the standard grpc.health.v1 service so supervisors
// can probe the relay the same way they probe other gRPC services.
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealthServer creates a health server that starts as NOT_SERVING
func NewGRPCHealthServer() *GRPCHealthServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	g := &GRPCHealthServer{server: srv, health: h}
	g.SetServing(false)
	return g
}

// SetServing flips the overall and service-level status
func (g *GRPCHealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
}

// Serve blocks serving on lis until Stop
func (g *GRPCHealthServer) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server
func (g *GRPCHealthServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
