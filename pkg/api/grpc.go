package api

import (
	"fmt"
	"net"

	"github.com/cuemby/flownode/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the gRPC health endpoint. It is
// SERVING while the node is registered with the server.
const ServiceName = "flownode.Node"

// GRPCServer exposes grpc.health.v1 for service meshes and load balancers
// that probe over gRPC
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewGRPCServer creates a health-only gRPC server, initially NOT_SERVING
func NewGRPCServer() *GRPCServer {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(LoggingInterceptor(), ReadOnlyInterceptor()),
		grpc.ChainStreamInterceptor(ReadOnlyStreamInterceptor()),
	)
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)

	gs := &GRPCServer{grpc: s, health: h}
	gs.SetServing(false)
	return gs
}

// SetServing updates the reported status of ServiceName and of the server
// as a whole
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start listens on addr and serves until Stop
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("gRPC health listening")
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *GRPCServer) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop gracefully stops the gRPC server
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
