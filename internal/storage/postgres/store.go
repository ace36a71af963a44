package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/somenicecode/dayx/internal/domain"
)

const (
	pingTimeout = 5 * time.Second
	opTimeout   = 5 * time.Second
)

// PoolConfig: параметры пула соединений database/sql.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig рассчитан на один экземпляр сервиса рядом с базой.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Option настраивает Store при открытии.
type Option func(*PoolConfig)

// WithMaxConns ограничивает пул; idle-соединений не больше открытых.
func WithMaxConns(n int) Option {
	return func(c *PoolConfig) {
		if n > 0 {
			c.MaxOpenConns = n
			c.MaxIdleConns = min(c.MaxIdleConns, n)
		}
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *PoolConfig) {
		if d > 0 {
			c.ConnMaxLifetime = d
		}
	}
}

// querier: общее подмножество *sql.DB и *sql.Tx, на котором работают репозитории.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store держит пул соединений с PostgreSQL.
// Вне транзакции каждый вызов репозитория коммитится сам; WithinTx даёт общую транзакцию.
type Store struct {
	db   *sql.DB
	pool PoolConfig
}

// Open подключается через драйвер pgx и ждёт ответа базы не дольше pingTimeout.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool := DefaultPoolConfig()
	for _, opt := range opts {
		opt(&pool)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	s := &Store{db: db, pool: pool}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, nil
}

// Pool возвращает применённые параметры пула.
func (s *Store) Pool() PoolConfig {
	return s.pool
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithinTx открывает транзакцию READ COMMITTED. Блокировки строк берутся явно
// (SELECT ... FOR UPDATE), статусы меняются через compare-and-set.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
			}
		}
	}()

	if err = fn(ctx, session{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) root() session { return session{q: s.db, db: s.db} }

func (s *Store) Orders() domain.OrderRepository                   { return s.root().Orders() }
func (s *Store) Payments() domain.PaymentRepository               { return s.root().Payments() }
func (s *Store) Shipments() domain.ShipmentRepository             { return s.root().Shipments() }
func (s *Store) DeliveryMethods() domain.DeliveryMethodRepository { return s.root().DeliveryMethods() }
func (s *Store) Variants() domain.VariantRepository               { return s.root().Variants() }
func (s *Store) StockEntries() domain.StockEntryRepository        { return s.root().StockEntries() }
func (s *Store) Carts() domain.CartRepository                     { return s.root().Carts() }
func (s *Store) Outbox() domain.OutboxRepository                  { return s.root().Outbox() }
func (s *Store) Timeline() domain.TimelineRepository              { return s.root().Timeline() }

// session привязывает репозитории к подключению или к открытой транзакции.
// db заполнен только вне транзакции: многострочные записи тогда открывают свою.
type session struct {
	q  querier
	db *sql.DB
}

func (s session) Orders() domain.OrderRepository                   { return orderRepository{s} }
func (s session) Payments() domain.PaymentRepository               { return paymentRepository{s} }
func (s session) Shipments() domain.ShipmentRepository             { return shipmentRepository{s} }
func (s session) DeliveryMethods() domain.DeliveryMethodRepository { return deliveryMethodRepository{s} }
func (s session) Variants() domain.VariantRepository               { return variantRepository{s} }
func (s session) StockEntries() domain.StockEntryRepository        { return stockEntryRepository{s} }
func (s session) Carts() domain.CartRepository                     { return cartRepository{s} }
func (s session) Outbox() domain.OutboxRepository                  { return outboxRepository{s} }
func (s session) Timeline() domain.TimelineRepository              { return timelineRepository{s} }

// atomic выполняет fn в текущей транзакции либо открывает короткую собственную.
func (s session) atomic(ctx context.Context, fn func(q querier) error) (err error) {
	if s.db == nil {
		return fn(s.q)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func isUniqueViolation(err error) bool     { return hasPgCode(err, codeUniqueViolation) }
func isForeignKeyViolation(err error) bool { return hasPgCode(err, codeForeignKeyViolation) }

// expectAffected превращает "0 строк" в sentinel-ошибку.
func expectAffected(res sql.Result, whenNone error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return whenNone
	}
	return nil
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var found bool
	if err := q.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return found, nil
}

var (
	_ domain.UnitOfWork = (*Store)(nil)
	_ domain.TxManager  = (*Store)(nil)
	_ domain.UnitOfWork = session{}
)
