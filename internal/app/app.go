package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/somenicecode/dayx/internal/health"
	"github.com/somenicecode/dayx/internal/observability"
	"github.com/somenicecode/dayx/internal/transport/httpapi"
	"github.com/somenicecode/dayx/internal/version"
)

const (
	serviceName         = "dayx-marketplace"
	gracefulStopTimeout = 5 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

// Run поднимает HTTP API, gRPC health, метрики, outbox worker и консьюмер
// складских команд. Блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown with error")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	b, err := initBrokers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.closeFn()

	consumer, err := initStockCommandConsumer(cfg, deps.ledger, b.kafkaProducer, logger)
	if err != nil {
		return err
	}
	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer stopConsumer(consumer, logger)
	}

	outboxCancel, outboxDone := startOutboxWorker(ctx, cfg, deps, b, logger)
	defer shutdownOutboxWorker(outboxCancel, outboxDone, logger)

	// Оба порта занимаются до старта серверов: занятый адрес: ошибка запуска, а не фона.
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, newHealthHandler(deps))
	defer shutdownHTTP(metricsSrv, logger)

	api := httpapi.NewServer(deps.services(), deps.httpMetrics, logger.WithField("layer", "http"))
	httpSrv := &http.Server{Handler: api.Engine(), ReadHeaderTimeout: readHeaderTimeout}
	grpcSrv := newGRPCHealth(logger)

	errCh := make(chan error, 2)
	grpcSrv.serve(grpcLis, errCh)
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server stopped unexpectedly")
	}

	shutdownHTTP(httpSrv, logger)
	grpcSrv.stop(gracefulStopTimeout)
	return runErr
}

func setupTracing(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	_, shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       true,
		SampleRatio:    1,
	})
	return shutdown, err
}

func newHealthHandler(deps *runtimeDependencies) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.GetVersion())
	h.RegisterChecker("storage", deps.storageChecker)
	if deps.cacheChecker != nil {
		h.RegisterChecker("stock_cache", deps.cacheChecker)
	}
	return h
}

// startMetricsServer отдаёт /metrics и health checks на отдельном адресе.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.WithField("addr", addr).Info("metrics and health endpoints started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
