package server

import (
	"context"
	"net"
	"sort"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/server/interceptors"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// GRPCServer represents a gRPC server
type GRPCServer struct {
	server       *grpc.Server
	config       config.GRPCConfig
	logger       *zap.Logger
	healthServer *health.Server
	checks       map[string]HealthCheck
}

// NewGRPCServer creates a new gRPC server instance with all interceptors
func NewGRPCServer(cfg config.GRPCConfig, logger *zap.Logger, checks map[string]HealthCheck) *GRPCServer {
	authInterceptor := interceptors.NewAuthInterceptor(cfg.AdminToken, []string{
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName,
	})
	loggingInterceptor := interceptors.NewLoggingInterceptor()
	errorHandlerInterceptor := interceptors.NewErrorHandlerInterceptor()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timeoutInterceptor := interceptors.NewTimeoutInterceptor(timeout, map[string]time.Duration{
		"/" + AdminServiceName + "/RunRepairPass":   2 * time.Minute,
		"/" + AdminServiceName + "/ScanDueRenewals": 5 * time.Minute,
	})

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) (err error) {
			logger.Error("gRPC panic recovered", zap.Any("panic", p))
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	zapOpts := []grpc_zap.Option{
		grpc_zap.WithLevels(grpc_zap.DefaultCodeToLevel),
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			otelgrpc.UnaryServerInterceptor(),
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
			loggingInterceptor.Unary(),
			authInterceptor.Unary(),
			timeoutInterceptor.Unary(),
			errorHandlerInterceptor.Unary(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			otelgrpc.StreamServerInterceptor(),
			grpc_recovery.StreamServerInterceptor(recoveryOpts...),
			grpc_zap.StreamServerInterceptor(logger, zapOpts...),
			loggingInterceptor.Stream(),
			authInterceptor.Stream(),
			errorHandlerInterceptor.Stream(),
		)),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	// NOT_SERVING until the first dependency check passes
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.EnableReflection {
		logger.Info("Registering gRPC reflection")
		reflection.Register(server)
	}

	return &GRPCServer{
		server:       server,
		config:       cfg,
		logger:       logger,
		healthServer: healthServer,
		checks:       checks,
	}
}

// GetServer returns the underlying gRPC server
func (s *GRPCServer) GetServer() *grpc.Server {
	return s.server
}

// StartHealthMonitoring runs the dependency checks every interval until ctx is done
func (s *GRPCServer) StartHealthMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.CheckDependencies(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckDependencies(ctx)
			}
		}
	}()
}

// CheckDependencies runs every health check once and updates the serving status
func (s *GRPCServer) CheckDependencies(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var unhealthy []string
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Debug("Dependency health check failed", zap.String("dependency", name), zap.Error(err))
			unhealthy = append(unhealthy, name)
		}
	}

	if len(unhealthy) > 0 {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		s.logger.Warn("Dependencies unhealthy, setting status to NOT_SERVING",
			zap.Strings("dependencies", unhealthy))
		return false
	}
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return true
}

// Serve listens on the configured address until ctx is cancelled
func (s *GRPCServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on listener until ctx is cancelled, then stops gracefully
func (s *GRPCServer) ServeListener(ctx context.Context, listener net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("address", listener.Addr().String()))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("gRPC server shutting down")
	s.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("Graceful shutdown timeout, forcing stop")
		s.server.Stop()
	}
	return nil
}
