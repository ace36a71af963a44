package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
)

const tracerName = "github.com/somenicecode/dayx/internal/service/orders"

// Action: переход машины состояний заказа.
type Action string

const (
	ActionPay     Action = "pay"
	ActionShip    Action = "ship"
	ActionDeliver Action = "deliver"
	ActionCancel  Action = "cancel"
)

// ParseAction разбирает имя перехода.
func ParseAction(raw string) (Action, error) {
	switch a := Action(raw); a {
	case ActionPay, ActionShip, ActionDeliver, ActionCancel:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown order action %q", domain.ErrValidation, raw)
	}
}

func (a Action) apply(o *domain.Order) error {
	switch a {
	case ActionPay:
		return o.MarkAsPaid()
	case ActionShip:
		return o.Ship()
	case ActionDeliver:
		return o.Deliver()
	case ActionCancel:
		return o.Cancel()
	default:
		return fmt.Errorf("%w: unknown order action %q", domain.ErrValidation, string(a))
	}
}

// RetryPolicy задаёт повторы при конфликте compare-and-set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy: 3 попытки с задержкой 10ms, 20ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
}

// View: заказ вместе с платежом и доставкой (если они созданы).
type View struct {
	Order    *domain.Order
	Payment  *domain.Payment
	Shipment *domain.Shipment
}

// Manager управляет жизненным циклом заказов.
type Manager struct {
	tx      domain.TxManager
	logger  *log.Entry
	metrics *metrics.OrderMetrics
	retry   RetryPolicy
	tracer  trace.Tracer
}

// NewManager создаёт менеджер заказов. m может быть nil.
func NewManager(tx domain.TxManager, m *metrics.OrderMetrics, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.WithField("component", "orders")
	}
	return &Manager{
		tx:      tx,
		logger:  logger,
		metrics: m,
		retry:   DefaultRetryPolicy(),
		tracer:  otel.Tracer(tracerName),
	}
}

// WithRetryPolicy подменяет политику повторов.
func (m *Manager) WithRetryPolicy(p RetryPolicy) *Manager {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	m.retry = p
	return m
}

// Create сохраняет новый заказ в статусе pending без позиций.
func (m *Manager) Create(ctx context.Context, userID, addressID string) (*domain.Order, error) {
	order, err := domain.NewOrder(userID, addressID)
	if err != nil {
		return nil, err
	}
	err = m.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if err := uow.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return AppendEvent(ctx, uow, order.ID, domain.EventOrderCreated, "", map[string]interface{}{
			"user_id": order.UserID,
			"status":  order.Status,
		})
	})
	if err != nil {
		return nil, err
	}
	m.metrics.RecordCreated()
	m.metrics.RecordEvent()
	m.logger.WithFields(log.Fields{"order_id": order.ID, "user_id": userID}).Info("order created")
	return order, nil
}

// AddItem добавляет позицию к заказу в статусе pending. Остатки не меняются.
func (m *Manager) AddItem(ctx context.Context, orderID, variantID string, quantity int, unitPrice decimal.Decimal) (*domain.Order, error) {
	item, err := domain.NewOrderItem(orderID, variantID, quantity, unitPrice)
	if err != nil {
		return nil, err
	}

	var order *domain.Order
	err = m.withRetry(ctx, orderID, "add_item", func(ctx context.Context, uow domain.UnitOfWork) error {
		o, err := uow.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := uow.Variants().Get(ctx, variantID); err != nil {
			return err
		}
		if err := o.AddItem(item); err != nil {
			return err
		}
		if err := uow.Orders().AppendItem(ctx, o, item); err != nil {
			return err
		}
		if err := AppendEvent(ctx, uow, orderID, domain.EventOrderItemAdded, "", map[string]interface{}{
			"variant_id": variantID,
			"quantity":   quantity,
			"unit_price": unitPrice.String(),
		}); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		m.recordRejection("add_item", err)
		return nil, err
	}
	m.metrics.RecordEvent()
	return order, nil
}

// MarkAsPaid переводит заказ pending → paid.
func (m *Manager) MarkAsPaid(ctx context.Context, orderID string) (*domain.Order, error) {
	return m.Transition(ctx, orderID, ActionPay, "")
}

// Ship переводит заказ paid → shipped.
func (m *Manager) Ship(ctx context.Context, orderID string) (*domain.Order, error) {
	return m.Transition(ctx, orderID, ActionShip, "")
}

// Deliver переводит заказ shipped → delivered.
func (m *Manager) Deliver(ctx context.Context, orderID string) (*domain.Order, error) {
	return m.Transition(ctx, orderID, ActionDeliver, "")
}

// Cancel отменяет заказ из любого нетерминального статуса. Остатки не возвращаются.
func (m *Manager) Cancel(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return m.Transition(ctx, orderID, ActionCancel, reason)
}

// Transition применяет переход с повторами при конфликте версии.
// Каждая попытка перечитывает заказ, поэтому переход проверяется по свежему статусу.
func (m *Manager) Transition(ctx context.Context, orderID string, action Action, reason string) (*domain.Order, error) {
	ctx, span := m.tracer.Start(ctx, "orders.transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.action", string(action)),
	))
	defer span.End()

	var (
		order *domain.Order
		from  domain.OrderStatus
	)
	err := m.withRetry(ctx, orderID, string(action), func(ctx context.Context, uow domain.UnitOfWork) error {
		o, prev, err := ApplyTransition(ctx, uow, orderID, action, reason)
		if err != nil {
			return err
		}
		order, from = o, prev
		return nil
	})
	if err != nil {
		m.recordRejection(string(action), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.metrics.RecordTransition(string(from), string(order.Status))
	m.metrics.RecordEvent()
	m.logger.WithFields(log.Fields{
		"order_id": orderID,
		"from":     from,
		"to":       order.Status,
	}).Info("order status changed")
	return order, nil
}

// ApplyTransition выполняет переход внутри уже открытой транзакции: читает заказ,
// применяет доменный переход, сохраняет его через compare-and-set и пишет событие.
// Возвращает обновлённый заказ и предыдущий статус.
func ApplyTransition(ctx context.Context, uow domain.UnitOfWork, orderID string, action Action, reason string) (*domain.Order, domain.OrderStatus, error) {
	if orderID == "" {
		return nil, "", domain.ErrOrderIDRequired
	}
	order, err := uow.Orders().Get(ctx, orderID)
	if err != nil {
		return nil, "", err
	}
	from := order.Status
	if err := action.apply(order); err != nil {
		return nil, from, err
	}
	if err := uow.Orders().UpdateStatus(ctx, order, from); err != nil {
		return nil, from, err
	}

	eventType := domain.EventOrderStatusChanged
	if action == ActionCancel {
		eventType = domain.EventOrderCancelled
	}
	if err := AppendEvent(ctx, uow, order.ID, eventType, reason, map[string]interface{}{
		"from":    from,
		"status":  order.Status,
		"version": order.Version,
	}); err != nil {
		return nil, from, err
	}
	return order, from, nil
}

// Get возвращает заказ с платежом и доставкой.
func (m *Manager) Get(ctx context.Context, orderID string) (View, error) {
	if orderID == "" {
		return View{}, domain.ErrOrderIDRequired
	}
	var view View
	err := m.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		order, err := uow.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		view.Order = order

		payment, err := uow.Payments().GetByOrder(ctx, orderID)
		switch {
		case err == nil:
			view.Payment = payment
		case !errors.Is(err, domain.ErrPaymentNotFound):
			return err
		}

		shipment, err := uow.Shipments().GetByOrder(ctx, orderID)
		switch {
		case err == nil:
			view.Shipment = shipment
		case !errors.Is(err, domain.ErrShipmentNotFound):
			return err
		}
		return nil
	})
	return view, err
}

// ListByUser возвращает заказы пользователя, новые первыми.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}
	var list []*domain.Order
	err := m.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		orders, err := uow.Orders().ListByUser(ctx, userID, limit)
		if err != nil {
			return err
		}
		list = orders
		return nil
	})
	return list, err
}

// Timeline возвращает события заказа в порядке возникновения.
func (m *Manager) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}
	var events []domain.TimelineEvent
	err := m.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.Orders().Get(ctx, orderID); err != nil {
			return err
		}
		list, err := uow.Timeline().List(ctx, orderID)
		if err != nil {
			return err
		}
		events = list
		return nil
	})
	return events, err
}

// withRetry выполняет fn в отдельной транзакции на каждую попытку.
// Повторяется только ErrConcurrentUpdate, с экспоненциальной задержкой.
func (m *Manager) withRetry(ctx context.Context, orderID, operation string, fn func(ctx context.Context, uow domain.UnitOfWork) error) error {
	delay := m.retry.BaseDelay
	var err error
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		err = m.tx.WithinTx(ctx, fn)
		if !domain.IsConcurrentUpdate(err) {
			return err
		}
		m.metrics.RecordConflict()
		if attempt == m.retry.MaxAttempts {
			break
		}
		m.logger.WithFields(log.Fields{
			"order_id":  orderID,
			"operation": operation,
			"attempt":   attempt,
		}).Warn("concurrent update detected, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	m.logger.WithError(err).WithFields(log.Fields{
		"order_id":     orderID,
		"operation":    operation,
		"max_attempts": m.retry.MaxAttempts,
	}).Error("order update failed after all retry attempts")
	return err
}

func (m *Manager) recordRejection(action string, err error) {
	if errors.Is(err, domain.ErrInvalidState) {
		m.metrics.RecordRejected(action)
	}
}
