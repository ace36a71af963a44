package domain

import "time"

// Типы событий timeline и outbox.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderItemAdded     = "OrderItemAdded"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderCancelled     = "OrderCancelled"
	EventPaymentCreated     = "PaymentCreated"
	EventPaymentPaid        = "PaymentPaid"
	EventPaymentFailed      = "PaymentFailed"
	EventShipmentCreated    = "ShipmentCreated"
	EventShipmentShipped    = "ShipmentShipped"
	EventShipmentDelivered  = "ShipmentDelivered"
	EventStockAdjusted      = "StockAdjusted"
)

// Типы агрегатов в outbox.
const (
	AggregateOrder   = "order"
	AggregateVariant = "variant"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
