// Package probe serves the standard gRPC health protocol so orchestrators
// can check the gateway without going through the HTTP API.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "wa.gateway"

const (
	defaultCheckInterval = 10 * time.Second
	pingTimeout          = 3 * time.Second
)

// Pinger reports whether a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server reports SERVING while the database answers.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	db       Pinger
	interval time.Duration
	logger   *slog.Logger
}

// New creates a probe server.
func New(db Pinger, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{
		grpc:     gs,
		health:   hs,
		db:       db,
		interval: interval,
		logger:   logger.With("component", "probe"),
	}
}

// Check pings the database once and updates the reported status.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("Probe database check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	s.Check(ctx)
	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.logger.Info("gRPC health probe listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serve health probe: %w", err)
	}
	return nil
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}
