package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/somenicecode/dayx/internal/health"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	ctx := context.Background()

	deps, err := initRuntimeDependencies(ctx, Config{StorageDriver: StorageDriverMemory}, log.WithField("test", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.closeFn() })

	require.NotNil(t, deps.store)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.ledger)
	require.NotNil(t, deps.orders)
	require.NotNil(t, deps.fulfillment)
	require.NotNil(t, deps.checkout)
	require.Nil(t, deps.cacheChecker, "cache is disabled without redis address")

	require.Equal(t, healthcheck.StatusHealthy, deps.storageChecker.Check(ctx).Status)

	svc := deps.services()
	require.Same(t, deps.ledger, svc.Ledger)
	require.Same(t, deps.checkout, svc.Checkout)
}

func TestInitRuntimeDependencies_ServicesShareStore(t *testing.T) {
	ctx := context.Background()

	deps, err := initRuntimeDependencies(ctx, DefaultConfig(), nil)
	require.NoError(t, err)

	variant, err := deps.ledger.RegisterVariant(ctx, "product-1", "Blue / M", decimal.RequireFromString("12.50"), 3, nil)
	require.NoError(t, err)

	_, err = deps.checkout.AddToCart(ctx, "user-1", variant.ID, 2)
	require.NoError(t, err)
	order, err := deps.checkout.Checkout(ctx, "user-1", "addr-1")
	require.NoError(t, err)

	view, err := deps.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, view.Order.ID)

	stock, err := deps.ledger.CurrentStock(ctx, variant.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stock)

	pending, err := deps.outboxRepo.PullPending(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, pending, "checkout should leave events for the outbox worker")
}

func TestInitRuntimeDependencies_UnreachableRedisIsDegraded(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.RedisAddr = "127.0.0.1:1"

	deps, err := initRuntimeDependencies(ctx, cfg, log.WithField("test", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.closeFn() })

	require.NotNil(t, deps.cacheChecker)
	check := deps.cacheChecker.Check(ctx)
	require.Equal(t, healthcheck.StatusDegraded, check.Status)
	require.NotEmpty(t, check.Message)
}

func TestInitRuntimeDependencies_StorageErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "postgres without dsn", cfg: Config{StorageDriver: StorageDriverPostgres}, wantErr: "POSTGRES_DSN"},
		{name: "unsupported driver", cfg: Config{StorageDriver: "sqlite"}, wantErr: "unsupported storage driver"},
		{
			name:    "postgres unreachable",
			cfg:     Config{StorageDriver: StorageDriverPostgres, PostgresDSN: "postgres://dayx@127.0.0.1:1/dayx?sslmode=disable&connect_timeout=1"},
			wantErr: "init postgres storage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, err := initRuntimeDependencies(context.Background(), tt.cfg, log.WithField("test", t.Name()))
			require.Nil(t, deps)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
