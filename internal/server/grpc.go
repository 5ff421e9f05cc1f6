// Package server hosts sagad's gRPC surface: the standard health service,
// driven by periodic store pings, plus reflection.
package server

import (
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the health service and reflection.
func NewGRPCServer(h *Health) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor,
		),
	)

	healthpb.RegisterHealthServer(srv, h.server)
	reflection.Register(srv)

	return srv
}
