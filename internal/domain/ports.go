package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с позициями. ErrAlreadyExists, если ID занят.
	Create(ctx context.Context, order *Order) error
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, id string) (*Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми; limit <= 0: без ограничения.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	// AppendItem добавляет позицию к заказу в статусе pending с проверкой версии.
	AppendItem(ctx context.Context, order *Order, item OrderItem) error
	// UpdateStatus это compare-and-set: запись меняется, только если в хранилище
	// всё ещё expected и та же версия. Иначе ErrConcurrentUpdate.
	UpdateStatus(ctx context.Context, order *Order, expected OrderStatus) error
}

// PaymentRepository хранит платежи (не больше одного на заказ).
type PaymentRepository interface {
	Create(ctx context.Context, payment *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
	// Update сохраняет платёж, если сохранённый статус равен expected.
	Update(ctx context.Context, payment *Payment, expected PaymentStatus) error
}

// ShipmentRepository хранит доставки (не больше одной на заказ).
type ShipmentRepository interface {
	Create(ctx context.Context, shipment *Shipment) error
	Get(ctx context.Context, id string) (*Shipment, error)
	GetByOrder(ctx context.Context, orderID string) (*Shipment, error)
	// Update сохраняет метки времени, если сохранённая стадия равна expected.
	Update(ctx context.Context, shipment *Shipment, expected ShipmentStage) error
}

// DeliveryMethodRepository хранит справочник способов доставки.
type DeliveryMethodRepository interface {
	Create(ctx context.Context, method *DeliveryMethod) error
	Get(ctx context.Context, id string) (*DeliveryMethod, error)
	List(ctx context.Context) ([]*DeliveryMethod, error)
}

// VariantRepository хранит варианты товаров.
type VariantRepository interface {
	Create(ctx context.Context, variant *ProductVariant) error
	Get(ctx context.Context, id string) (*ProductVariant, error)
	// GetForUpdate читает вариант с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*ProductVariant, error)
	ListByProduct(ctx context.Context, productID string) ([]*ProductVariant, error)
	// Update сохраняет цену и остаток с проверкой версии (optimistic locking).
	Update(ctx context.Context, variant *ProductVariant) error
}

// StockEntryRepository: журнал остатков. Только добавление и чтение.
type StockEntryRepository interface {
	Append(ctx context.Context, entry StockEntry) error
	// ListByVariant возвращает записи от старых к новым; limit <= 0: все.
	ListByVariant(ctx context.Context, variantID string, limit int) ([]StockEntry, error)
	// SumByVariant сворачивает все дельты варианта.
	SumByVariant(ctx context.Context, variantID string) (int, error)
}

// CartRepository хранит корзины (одна на пользователя).
type CartRepository interface {
	// GetByUser возвращает корзину пользователя или ErrCartNotFound.
	GetByUser(ctx context.Context, userID string) (*Cart, error)
	// Save создаёт или полностью перезаписывает корзину вместе со строками.
	// Compare-and-set по Version: при расхождении ErrConcurrentUpdate.
	// После успеха cart.Version равен сохранённой версии.
	Save(ctx context.Context, cart *Cart) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// PurgeSent удаляет до limit отправленных сообщений, отмеченных не позже before.
	PurgeSent(ctx context.Context, before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// UnitOfWork даёт доступ к репозиториям в рамках одной транзакции.
type UnitOfWork interface {
	Orders() OrderRepository
	Payments() PaymentRepository
	Shipments() ShipmentRepository
	DeliveryMethods() DeliveryMethodRepository
	Variants() VariantRepository
	StockEntries() StockEntryRepository
	Carts() CartRepository
	Outbox() OutboxRepository
	Timeline() TimelineRepository
}

// TxManager открывает транзакционную область. Если fn вернула ошибку,
// все изменения внутри области откатываются.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
