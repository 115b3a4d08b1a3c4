package health

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server exposes grpc.health.v1 for the process. Every registered dependency
// has its own service name; the empty service name is SERVING only when all
// dependencies are.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checkers map[string]Checker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewServer(checkers map[string]Checker, interval time.Duration, l *zap.Logger) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{
		grpc:     gs,
		health:   hs,
		checkers: checkers,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   l,
		status:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	for name := range checkers {
		s.set(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.set("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Probe checks every dependency once, then keeps probing until ctx ends.
func (s *Server) Probe(ctx context.Context) {
	s.ProbeOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ProbeOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) ProbeOnce(ctx context.Context) {
	names := make([]string, 0, len(s.checkers))
	for name := range s.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.checkers[name].Ping(pctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if s.set(name, status) {
			if err != nil {
				s.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			} else {
				s.logger.Info("dependency healthy", zap.String("dependency", name))
			}
		}
	}
	s.set("", overall)
}

// Healthy reports the last probed aggregate status.
func (s *Server) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[""] == healthpb.HealthCheckResponse_SERVING
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// set updates the status and reports whether it changed.
func (s *Server) set(name string, status healthpb.HealthCheckResponse_ServingStatus) bool {
	s.mu.Lock()
	prev, ok := s.status[name]
	s.status[name] = status
	s.mu.Unlock()

	s.health.SetServingStatus(name, status)
	return !ok || prev != status
}
