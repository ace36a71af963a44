package app

import (
	"errors"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// grpcHealth: gRPC-сервер, на котором живёт только протокол grpc.health.v1.
// Оркестратор опрашивает его так же, как /readyz на HTTP.
type grpcHealth struct {
	srv    *grpc.Server
	health *health.Server
	logger *log.Entry
}

func newGRPCHealth(logger *log.Entry) *grpcHealth {
	metrics := grpcServerMetrics(logger)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	metrics.InitializeMetrics(srv)

	return &grpcHealth{srv: srv, health: hs, logger: logger}
}

// grpcServerMetrics переиспользует уже зарегистрированный набор метрик:
// Run может вызываться несколько раз в одном процессе.
func grpcServerMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	metrics := promgrpc.NewServerMetrics()
	err := prometheus.Register(metrics)
	if err == nil {
		return metrics
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
			return existing
		}
	}
	logger.WithError(err).Warn("failed to register grpc metrics")
	return metrics
}

func (g *grpcHealth) serve(lis net.Listener, errCh chan<- error) {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		g.logger.Infof("gRPC health слушает %s", lis.Addr())
		if err := g.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
}

// stop переводит health в NOT_SERVING и ждёт завершения вызовов не дольше timeout.
func (g *grpcHealth) stop(timeout time.Duration) {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		g.srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		g.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		g.srv.Stop()
	}
}
