package grpchealth

import (
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devguard/perfcore/internal/auth"
	"github.com/devguard/perfcore/internal/monitor"
)

// ServiceName is the named service whose status tracks the health band.
const ServiceName = "perfcore"

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// New creates a health server. Calls are authenticated with the API key
// interceptors when mode is "apikey". The initial status is SERVING.
func New(mode, header, key string) *Server {
	s := &Server{
		grpc: grpc.NewServer(
			grpc.UnaryInterceptor(auth.APIKeyInterceptor(mode, header, key)),
			grpc.StreamInterceptor(auth.APIKeyStreamInterceptor(mode, header, key)),
		),
		health: health.NewServer(),
		last:   healthpb.HealthCheckResponse_SERVING,
	}
	s.health.SetServingStatus("", s.last)
	s.health.SetServingStatus(ServiceName, s.last)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Report updates the serving status from a monitor health band.
func (s *Server) Report(status string) {
	next := healthpb.HealthCheckResponse_SERVING
	if status == monitor.StatusPoor {
		next = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.mu.Lock()
	changed := next != s.last
	s.last = next
	s.mu.Unlock()
	if !changed {
		return
	}

	s.health.SetServingStatus("", next)
	s.health.SetServingStatus(ServiceName, next)
	slog.Info("grpchealth: serving status changed", "status", next.String(), "band", status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("grpchealth: listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
