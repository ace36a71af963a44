package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
	"github.com/somenicecode/dayx/internal/service/orders"
)

// Service ведёт платежи и доставки заказов.
//
// Базовые операции меняют только свой агрегат. SettleOrder, DispatchOrder и
// CompleteDelivery двигают платёж или доставку вместе с заказом в одной транзакции.
type Service struct {
	tx      domain.TxManager
	logger  *log.Entry
	metrics *metrics.OrderMetrics
}

// NewService создаёт сервис. m может быть nil.
func NewService(tx domain.TxManager, m *metrics.OrderMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "fulfillment")
	}
	return &Service{tx: tx, logger: logger, metrics: m}
}

// CreatePayment создаёт платёж Pending. На заказ допускается только один платёж.
func (s *Service) CreatePayment(ctx context.Context, orderID, provider string) (*domain.Payment, error) {
	payment, err := domain.NewPayment(orderID, provider)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.Orders().Get(ctx, orderID); err != nil {
			return err
		}
		if err := uow.Payments().Create(ctx, payment); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return orders.AppendEvent(ctx, uow, orderID, domain.EventPaymentCreated, "", map[string]interface{}{
			"payment_id": payment.ID,
			"provider":   provider,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordEvent()
	return payment, nil
}

// ConfirmPayment отмечает платёж оплаченным. Статус заказа не меняется.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.updatePayment(ctx, paymentID, (*domain.Payment).MarkAsPaid, domain.EventPaymentPaid)
}

// FailPayment отмечает отказ провайдера.
func (s *Service) FailPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.updatePayment(ctx, paymentID, (*domain.Payment).MarkAsFailed, domain.EventPaymentFailed)
}

func (s *Service) updatePayment(ctx context.Context, paymentID string, apply func(*domain.Payment) error, eventType string) (*domain.Payment, error) {
	if paymentID == "" {
		return nil, domain.ErrIDRequired
	}
	var payment *domain.Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		p, err := uow.Payments().Get(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := s.applyPayment(ctx, uow, p, apply, eventType); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("payment_id", paymentID).Warn("payment update rejected")
		return nil, err
	}
	s.metrics.RecordEvent()
	return payment, nil
}

func (s *Service) applyPayment(ctx context.Context, uow domain.UnitOfWork, p *domain.Payment, apply func(*domain.Payment) error, eventType string) error {
	expected := p.Status
	if err := apply(p); err != nil {
		return err
	}
	if err := uow.Payments().Update(ctx, p, expected); err != nil {
		return err
	}
	return orders.AppendEvent(ctx, uow, p.OrderID, eventType, "", map[string]interface{}{
		"payment_id": p.ID,
		"status":     p.Status,
	})
}

// CreateShipment создаёт доставку заказа. Способ доставки должен существовать.
func (s *Service) CreateShipment(ctx context.Context, orderID, deliveryMethodID, trackingNumber string) (*domain.Shipment, error) {
	shipment, err := domain.NewShipment(orderID, deliveryMethodID, trackingNumber)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.Orders().Get(ctx, orderID); err != nil {
			return err
		}
		if _, err := uow.DeliveryMethods().Get(ctx, deliveryMethodID); err != nil {
			return err
		}
		if err := uow.Shipments().Create(ctx, shipment); err != nil {
			return fmt.Errorf("create shipment: %w", err)
		}
		return orders.AppendEvent(ctx, uow, orderID, domain.EventShipmentCreated, "", map[string]interface{}{
			"shipment_id":     shipment.ID,
			"tracking_number": trackingNumber,
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordEvent()
	return shipment, nil
}

// MarkShipped фиксирует отправку. Заказ не меняется.
func (s *Service) MarkShipped(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	return s.updateShipment(ctx, shipmentID, (*domain.Shipment).MarkAsShipped, domain.EventShipmentShipped)
}

// MarkDelivered фиксирует вручение. Заказ не меняется.
func (s *Service) MarkDelivered(ctx context.Context, shipmentID string) (*domain.Shipment, error) {
	return s.updateShipment(ctx, shipmentID, (*domain.Shipment).MarkAsDelivered, domain.EventShipmentDelivered)
}

func (s *Service) updateShipment(ctx context.Context, shipmentID string, apply func(*domain.Shipment) error, eventType string) (*domain.Shipment, error) {
	if shipmentID == "" {
		return nil, domain.ErrIDRequired
	}
	var shipment *domain.Shipment
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		sh, err := uow.Shipments().Get(ctx, shipmentID)
		if err != nil {
			return err
		}
		if err := s.applyShipment(ctx, uow, sh, apply, eventType); err != nil {
			return err
		}
		shipment = sh
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("shipment_id", shipmentID).Warn("shipment update rejected")
		return nil, err
	}
	s.metrics.RecordEvent()
	return shipment, nil
}

func (s *Service) applyShipment(ctx context.Context, uow domain.UnitOfWork, sh *domain.Shipment, apply func(*domain.Shipment) error, eventType string) error {
	expected := sh.Stage()
	if err := apply(sh); err != nil {
		return err
	}
	if err := uow.Shipments().Update(ctx, sh, expected); err != nil {
		return err
	}
	return orders.AppendEvent(ctx, uow, sh.OrderID, eventType, "", map[string]interface{}{
		"shipment_id": sh.ID,
		"stage":       sh.Stage(),
	})
}

// SettleOrder подтверждает платёж и переводит заказ в paid. Либо оба, либо ничего.
func (s *Service) SettleOrder(ctx context.Context, orderID string) (orders.View, error) {
	return s.coupled(ctx, orderID, orders.ActionPay, func(ctx context.Context, uow domain.UnitOfWork, view *orders.View) error {
		p, err := uow.Payments().GetByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.applyPayment(ctx, uow, p, (*domain.Payment).MarkAsPaid, domain.EventPaymentPaid); err != nil {
			return err
		}
		view.Payment = p
		return nil
	})
}

// DispatchOrder отправляет доставку и переводит заказ в shipped.
func (s *Service) DispatchOrder(ctx context.Context, orderID string) (orders.View, error) {
	return s.coupled(ctx, orderID, orders.ActionShip, func(ctx context.Context, uow domain.UnitOfWork, view *orders.View) error {
		sh, err := uow.Shipments().GetByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.applyShipment(ctx, uow, sh, (*domain.Shipment).MarkAsShipped, domain.EventShipmentShipped); err != nil {
			return err
		}
		view.Shipment = sh
		return nil
	})
}

// CompleteDelivery фиксирует вручение и переводит заказ в delivered.
func (s *Service) CompleteDelivery(ctx context.Context, orderID string) (orders.View, error) {
	return s.coupled(ctx, orderID, orders.ActionDeliver, func(ctx context.Context, uow domain.UnitOfWork, view *orders.View) error {
		sh, err := uow.Shipments().GetByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.applyShipment(ctx, uow, sh, (*domain.Shipment).MarkAsDelivered, domain.EventShipmentDelivered); err != nil {
			return err
		}
		view.Shipment = sh
		return nil
	})
}

func (s *Service) coupled(ctx context.Context, orderID string, action orders.Action, step func(ctx context.Context, uow domain.UnitOfWork, view *orders.View) error) (orders.View, error) {
	if orderID == "" {
		return orders.View{}, domain.ErrOrderIDRequired
	}
	var (
		view orders.View
		from domain.OrderStatus
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if err := step(ctx, uow, &view); err != nil {
			return err
		}
		order, prev, err := orders.ApplyTransition(ctx, uow, orderID, action, "")
		if err != nil {
			return err
		}
		view.Order, from = order, prev
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"action":   action,
		}).Warn("coupled order update rolled back")
		return orders.View{}, err
	}
	s.metrics.RecordTransition(string(from), string(view.Order.Status))
	return view, nil
}

// RegisterDeliveryMethod добавляет способ доставки в справочник.
func (s *Service) RegisterDeliveryMethod(ctx context.Context, name string, price decimal.Decimal, estimated time.Duration) (*domain.DeliveryMethod, error) {
	method, err := domain.NewDeliveryMethod(name, price, estimated)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		return uow.DeliveryMethods().Create(ctx, method)
	})
	if err != nil {
		return nil, err
	}
	return method, nil
}

// DeliveryMethods возвращает справочник способов доставки.
func (s *Service) DeliveryMethods(ctx context.Context) ([]*domain.DeliveryMethod, error) {
	var list []*domain.DeliveryMethod
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		methods, err := uow.DeliveryMethods().List(ctx)
		if err != nil {
			return err
		}
		list = methods
		return nil
	})
	return list, err
}
