// Package api exposes the health of a running fetch job over gRPC.
package api

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tsfetch/internal/pipeline"
)

// Server hosts the standard gRPC health service. The overall status ("")
// and the job's own service name track the run phase.
type Server struct {
	addr    string
	service string
	grpc    *grpc.Server
	health  *health.Server
	log     *slog.Logger
}

// NewServer creates a Server for job listening on addr.
func NewServer(addr, job string, log *slog.Logger) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		addr:    addr,
		service: "tsfetch." + job,
		grpc:    gs,
		health:  hs,
		log:     log,
	}
	s.SetPhase(pipeline.PhaseInit)
	return s
}

// Service returns the health service name reported for the job.
func (s *Server) Service() string { return s.service }

// SetPhase updates the reported status: SERVING until the run aborts.
func (s *Server) SetPhase(p pipeline.Phase) {
	status := healthpb.HealthCheckResponse_SERVING
	if p == pipeline.PhaseAborted {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.log.Info("gRPC health server listening", "addr", lis.Addr().String(), "service", s.service)
	return s.grpc.Serve(lis)
}
