package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/somenicecode/dayx/internal/health"
	"github.com/somenicecode/dayx/internal/version"
)

// probe ждёт, пока сервер начнёт принимать соединения, и возвращает статус и тело ответа.
func probe(t *testing.T, url string) (int, string) {
	t.Helper()

	var lastErr error
	for i := 0; i < 40; i++ {
		resp, err := http.Get(url)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return resp.StatusCode, string(body)
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("server at %s did not respond: %v", url, lastErr)
	return 0, ""
}

func metricsBase(t *testing.T, checkers map[string]healthcheck.Checker) (string, context.CancelFunc) {
	t.Helper()

	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	srv := startMetricsServer(ctx, fmt.Sprintf(":%d", port), log.WithField("test", t.Name()), healthHandler)
	require.NotNil(t, srv)

	return fmt.Sprintf("http://localhost:%d", port), cancel
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	base, _ := metricsBase(t, map[string]healthcheck.Checker{
		"storage": healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }),
	})

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{path: "/metrics", status: http.StatusOK, body: "go_goroutines"},
		{path: "/healthz", status: http.StatusOK, body: `"status":"healthy"`},
		{path: "/livez", status: http.StatusOK, body: "ok"},
		{path: "/readyz", status: http.StatusOK, body: "ready"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			status, body := probe(t, base+tc.path)
			require.Equal(t, tc.status, status)
			require.Contains(t, body, tc.body)
		})
	}
}

func TestStartMetricsServer_ReadinessReflectsCheckers(t *testing.T) {
	base, _ := metricsBase(t, map[string]healthcheck.Checker{
		"storage": healthcheck.NewSimpleChecker("storage", func(context.Context) error {
			return errors.New("connection refused")
		}),
		"stock_cache": healthcheck.NewOptionalChecker("stock_cache", func(context.Context) error {
			return errors.New("redis down")
		}),
	})

	status, _ := probe(t, base+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = probe(t, base+"/livez")
	require.Equal(t, http.StatusOK, status, "liveness must not depend on checkers")

	status, body := probe(t, base+"/healthz")
	require.Equal(t, http.StatusServiceUnavailable, status)

	var report healthcheck.Response
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	require.Equal(t, healthcheck.StatusUnhealthy, report.Checks["storage"].Status)
	require.Equal(t, healthcheck.StatusDegraded, report.Checks["stock_cache"].Status)
}

func TestStartMetricsServer_DegradedCacheKeepsReadiness(t *testing.T) {
	base, _ := metricsBase(t, map[string]healthcheck.Checker{
		"storage": healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }),
		"stock_cache": healthcheck.NewOptionalChecker("stock_cache", func(context.Context) error {
			return errors.New("redis down")
		}),
	})

	status, body := probe(t, base+"/readyz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ready", body)

	status, body = probe(t, base+"/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"status":"degraded"`)
}

func TestStartMetricsServer_StopsOnContextCancel(t *testing.T) {
	base, cancel := metricsBase(t, nil)

	status, _ := probe(t, base+"/livez")
	require.Equal(t, http.StatusOK, status)

	cancel()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/livez")
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond, "server should be stopped after context cancellation")
}

func TestShutdownHTTP(t *testing.T) {
	logger := log.WithField("test", "http-shutdown")

	shutdownHTTP(nil, logger)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()

	url := "http://" + lis.Addr().String() + "/ping"
	status, body := probe(t, url)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pong", body)

	shutdownHTTP(srv, logger)

	select {
	case err := <-served:
		require.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after shutdownHTTP")
	}
}

func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
