package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/somenicecode/dayx/internal/health"
	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
	"github.com/somenicecode/dayx/internal/service/checkout"
	"github.com/somenicecode/dayx/internal/service/fulfillment"
	"github.com/somenicecode/dayx/internal/service/inventory"
	"github.com/somenicecode/dayx/internal/service/orders"
	"github.com/somenicecode/dayx/internal/storage/cache"
	"github.com/somenicecode/dayx/internal/storage/memory"
	"github.com/somenicecode/dayx/internal/storage/postgres"
	"github.com/somenicecode/dayx/internal/transport/httpapi"
)

// store это то, что приложению нужно от хранилища: транзакции и репозитории вне транзакции.
type store interface {
	domain.TxManager
	domain.UnitOfWork
}

// runtimeDependencies содержит собранные сервисы и их инфраструктуру.
type runtimeDependencies struct {
	store      store
	outboxRepo domain.OutboxRepository

	ledger      *inventory.Ledger
	orders      *orders.Manager
	fulfillment *fulfillment.Service
	checkout    *checkout.Service

	outboxMetrics *metrics.OutboxMetrics
	httpMetrics   *metrics.HTTPMetrics

	storageChecker healthcheck.Checker
	cacheChecker   healthcheck.Checker

	closeFn func() error
}

// services возвращает набор сервисов для HTTP API.
func (d *runtimeDependencies) services() httpapi.Services {
	return httpapi.Services{
		Ledger:      d.ledger,
		Orders:      d.orders,
		Fulfillment: d.fulfillment,
		Checkout:    d.checkout,
	}
}

// initRuntimeDependencies открывает хранилище и кэш и собирает доменные сервисы.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	st, storageChecker, closeStorage, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	stockCache, cacheChecker, closeCache := initStockCache(ctx, cfg.RedisAddr, logger)

	ledger := inventory.NewLedger(st, stockCache, metrics.NewLedgerMetrics(), logger.WithField("component", "inventory-ledger"))
	orderMetrics := metrics.NewOrderMetrics()

	deps := &runtimeDependencies{
		store:          st,
		outboxRepo:     st.Outbox(),
		ledger:         ledger,
		orders:         orders.NewManager(st, orderMetrics, logger.WithField("component", "orders")),
		fulfillment:    fulfillment.NewService(st, orderMetrics, logger.WithField("component", "fulfillment")),
		checkout:       checkout.NewService(st, ledger, metrics.NewCheckoutMetrics(), logger.WithField("component", "checkout")),
		outboxMetrics:  metrics.NewOutboxMetrics(),
		httpMetrics:    metrics.NewHTTPMetrics(),
		storageChecker: storageChecker,
		cacheChecker:   cacheChecker,
		closeFn: func() error {
			return errors.Join(closeCache(), closeStorage())
		},
	}
	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry) (store, healthcheck.Checker, func() error, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		checker := healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil })
		return memory.NewStore(), checker, func() error { return nil }, nil

	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("postgres storage requires %sPOSTGRES_DSN", envPrefix)
		}
		pg, err := postgres.Open(ctx, dsn,
			postgres.WithMaxConns(cfg.PostgresMaxConns),
			postgres.WithConnMaxLifetime(cfg.PostgresConnMaxLifetime),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init postgres storage: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := pg.MigrateUp(ctx, 0); err != nil {
				_ = pg.Close()
				return nil, nil, nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			state, err := pg.MigrationStatus(ctx)
			if err == nil {
				logger.WithFields(log.Fields{
					"schema_version": state.Version,
					"applied":        state.Applied,
				}).Info("postgres migrations applied")
			}
		}
		logger.WithField("max_conns", pg.Pool().MaxOpenConns).Info("using postgres storage")
		return pg, healthcheck.NewSimpleChecker("storage", pg.Ping), pg.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}
}

// initStockCache подключает Redis-кэш остатков. Недоступный Redis не мешает старту:
// журнал работает и без кэша, а проверка здоровья отчитывается как degraded.
func initStockCache(ctx context.Context, addr string, logger *log.Entry) (inventory.StockCache, healthcheck.Checker, func() error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil, func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := ping(ctx); err != nil {
		logger.WithError(err).WithField("redis_addr", addr).Warn("redis is not reachable, stock cache will retry lazily")
	} else {
		logger.WithField("redis_addr", addr).Info("stock cache enabled")
	}

	stockCache := cache.NewRedisStockCache(client, "", cache.DefaultStockTTL)
	return stockCache, healthcheck.NewOptionalChecker("stock_cache", ping), client.Close
}
