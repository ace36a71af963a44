package memory

import (
	"context"
	"sync"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

// Store: in-memory хранилище всех агрегатов для локальной разработки и тестов.
// Реализует domain.UnitOfWork (каждый вызов атомарен сам по себе)
// и domain.TxManager (WithinTx держит общий lock и откатывает изменения при ошибке).
type Store struct {
	mu   sync.RWMutex
	data *tables
	root *session
}

type tables struct {
	orders          map[string]*domain.Order
	payments        map[string]domain.Payment
	paymentByOrder  map[string]string
	shipments       map[string]domain.Shipment
	shipmentByOrder map[string]string
	methods         map[string]domain.DeliveryMethod
	variants        map[string]*domain.ProductVariant
	stock           map[string][]domain.StockEntry
	carts           map[string]*domain.Cart
	outbox          map[string]*outboxRecord
	outboxSeq       int64
	timeline        map[string][]domain.TimelineEvent
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	s := &Store{
		data: &tables{
			orders:          make(map[string]*domain.Order),
			payments:        make(map[string]domain.Payment),
			paymentByOrder:  make(map[string]string),
			shipments:       make(map[string]domain.Shipment),
			shipmentByOrder: make(map[string]string),
			methods:         make(map[string]domain.DeliveryMethod),
			variants:        make(map[string]*domain.ProductVariant),
			stock:           make(map[string][]domain.StockEntry),
			carts:           make(map[string]*domain.Cart),
			outbox:          make(map[string]*outboxRecord),
			timeline:        make(map[string][]domain.TimelineEvent),
		},
	}
	s.root = &session{store: s}
	return s
}

// WithinTx выполняет fn под эксклюзивной блокировкой хранилища.
// Если fn вернула ошибку или запаниковала, изменения откатываются по журналу.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &session{store: s, inTx: true}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	return fn(ctx, tx)
}

func (s *Store) Orders() domain.OrderRepository                   { return s.root.Orders() }
func (s *Store) Payments() domain.PaymentRepository               { return s.root.Payments() }
func (s *Store) Shipments() domain.ShipmentRepository             { return s.root.Shipments() }
func (s *Store) DeliveryMethods() domain.DeliveryMethodRepository { return s.root.DeliveryMethods() }
func (s *Store) Variants() domain.VariantRepository               { return s.root.Variants() }
func (s *Store) StockEntries() domain.StockEntryRepository        { return s.root.StockEntries() }
func (s *Store) Carts() domain.CartRepository                     { return s.root.Carts() }
func (s *Store) Outbox() domain.OutboxRepository                  { return s.root.Outbox() }
func (s *Store) Timeline() domain.TimelineRepository              { return s.root.Timeline() }

// session это область доступа к данным: вне транзакции каждый вызов берёт lock сам,
// внутри транзакции lock уже удерживает WithinTx, а изменения пишутся в журнал отката.
type session struct {
	store *Store
	inTx  bool
	undo  []func()
}

func (s *session) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.store.mu.Lock()
	return s.store.mu.Unlock
}

func (s *session) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.store.mu.RLock()
	return s.store.mu.RUnlock
}

func (s *session) record(undo func()) {
	if s.inTx {
		s.undo = append(s.undo, undo)
	}
}

func (s *session) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

func (s *session) db() *tables { return s.store.data }

func (s *session) Orders() domain.OrderRepository                   { return orderRepository{s} }
func (s *session) Payments() domain.PaymentRepository               { return paymentRepository{s} }
func (s *session) Shipments() domain.ShipmentRepository             { return shipmentRepository{s} }
func (s *session) DeliveryMethods() domain.DeliveryMethodRepository { return deliveryMethodRepository{s} }
func (s *session) Variants() domain.VariantRepository               { return variantRepository{s} }
func (s *session) StockEntries() domain.StockEntryRepository        { return stockEntryRepository{s} }
func (s *session) Carts() domain.CartRepository                     { return cartRepository{s} }
func (s *session) Outbox() domain.OutboxRepository                  { return outboxRepository{s} }
func (s *session) Timeline() domain.TimelineRepository              { return timelineRepository{s} }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	_ domain.UnitOfWork = (*Store)(nil)
	_ domain.TxManager  = (*Store)(nil)
	_ domain.UnitOfWork = (*session)(nil)
)
