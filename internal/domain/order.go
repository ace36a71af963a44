package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending: заказ оформлен, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid: оплата подтверждена.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusShipped: заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered: заказ получен покупателем. Терминальный статус.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled: заказ отменён. Терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderTransitions: все разрешённые рёбра машины состояний.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped: {OrderStatusDelivered, OrderStatusCancelled},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransition проверяет наличие ребра from → to.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderItem: позиция заказа. После создания не меняется.
type OrderItem struct {
	ID        string
	OrderID   string
	VariantID string
	Quantity  int
	// UnitPrice фиксируется в момент оформления и не пересчитывается.
	UnitPrice decimal.Decimal
	CreatedAt time.Time
}

// NewOrderItem создаёт позицию заказа с проверкой полей.
func NewOrderItem(orderID, variantID string, quantity int, unitPrice decimal.Decimal) (OrderItem, error) {
	switch {
	case blank(orderID):
		return OrderItem{}, ErrOrderIDRequired
	case blank(variantID):
		return OrderItem{}, ErrVariantIDRequired
	case quantity <= 0:
		return OrderItem{}, ErrQuantityInvalid
	}
	if err := CheckPrice(unitPrice); err != nil {
		return OrderItem{}, err
	}

	return OrderItem{
		ID:        NewID(),
		OrderID:   orderID,
		VariantID: variantID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		CreatedAt: Now(),
	}, nil
}

// LineTotal возвращает стоимость позиции.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order: агрегат заказа. Платёж и доставка ссылаются на заказ по OrderID
// и загружаются через хранилище.
type Order struct {
	ID        string
	UserID    string
	AddressID string
	Status    OrderStatus
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time

	items []OrderItem
}

// NewOrder создаёт заказ в статусе pending без позиций.
func NewOrder(userID, addressID string) (*Order, error) {
	if blank(userID) {
		return nil, ErrUserIDRequired
	}
	if blank(addressID) {
		return nil, ErrAddressIDRequired
	}

	now := Now()
	return &Order{
		ID:        NewID(),
		UserID:    userID,
		AddressID: addressID,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// RestoreOrder восстанавливает заказ из хранилища. Только для репозиториев.
func RestoreOrder(o Order, items []OrderItem) *Order {
	o.items = append([]OrderItem(nil), items...)
	return &o
}

// Items возвращает копию позиций в порядке добавления.
func (o *Order) Items() []OrderItem {
	return append([]OrderItem(nil), o.items...)
}

// ItemCount возвращает количество позиций.
func (o *Order) ItemCount() int {
	return len(o.items)
}

// Total считает сумму заказа по зафиксированным ценам.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// AddItem добавляет позицию, пока заказ собирается (pending). Склад не трогает.
func (o *Order) AddItem(item OrderItem) error {
	if o.Status != OrderStatusPending {
		return o.transitionError("add item to")
	}
	if item.OrderID != o.ID {
		return ErrItemOrderMismatch
	}
	if item.Quantity <= 0 {
		return ErrQuantityInvalid
	}
	if err := CheckPrice(item.UnitPrice); err != nil {
		return err
	}
	o.items = append(o.items, item)
	o.UpdatedAt = Now()
	return nil
}

// ValidateForCheckout проверяет инварианты оформленного заказа.
func (o *Order) ValidateForCheckout() error {
	if len(o.items) == 0 {
		return ErrItemsRequired
	}
	return nil
}

// MarkAsPaid переводит pending → paid. Статус платежа вызывающий код синхронизирует сам.
func (o *Order) MarkAsPaid() error {
	return o.transition(OrderStatusPaid, "mark as paid")
}

// Ship переводит paid → shipped.
func (o *Order) Ship() error {
	return o.transition(OrderStatusShipped, "ship")
}

// Deliver переводит shipped → delivered.
func (o *Order) Deliver() error {
	return o.transition(OrderStatusDelivered, "deliver")
}

// Cancel отменяет заказ из любого нетерминального статуса. Остатки не возвращает.
func (o *Order) Cancel() error {
	return o.transition(OrderStatusCancelled, "cancel")
}

func (o *Order) transition(to OrderStatus, action string) error {
	if !o.Status.CanTransition(to) {
		return o.transitionError(action)
	}
	o.Status = to
	o.UpdatedAt = Now()
	return nil
}

func (o *Order) transitionError(action string) error {
	return &TransitionError{Entity: "order", From: string(o.Status), Action: action}
}
