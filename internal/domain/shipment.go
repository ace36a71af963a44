package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShipmentStage: производное состояние доставки по заполненным меткам времени.
type ShipmentStage string

const (
	ShipmentStageCreated   ShipmentStage = "created"
	ShipmentStageShipped   ShipmentStage = "shipped"
	ShipmentStageDelivered ShipmentStage = "delivered"
)

// Shipment описывает доставку заказа. Связь с заказом 1:1 по OrderID.
type Shipment struct {
	ID               string
	OrderID          string
	DeliveryMethodID string
	TrackingNumber   string
	ShippedAt        *time.Time
	DeliveredAt      *time.Time // Заполняется только после ShippedAt.
	CreatedAt        time.Time
}

// NewShipment создаёт доставку в стадии created.
func NewShipment(orderID, deliveryMethodID, trackingNumber string) (*Shipment, error) {
	switch {
	case blank(orderID):
		return nil, ErrOrderIDRequired
	case blank(deliveryMethodID):
		return nil, ErrDeliveryMethodRequired
	case blank(trackingNumber):
		return nil, ErrTrackingRequired
	}

	return &Shipment{
		ID:               NewID(),
		OrderID:          orderID,
		DeliveryMethodID: deliveryMethodID,
		TrackingNumber:   trackingNumber,
		CreatedAt:        Now(),
	}, nil
}

// MarkAsShipped фиксирует отправку. Повторно: ErrAlreadyShipped.
func (s *Shipment) MarkAsShipped() error {
	if s.ShippedAt != nil {
		return ErrAlreadyShipped
	}
	now := Now()
	s.ShippedAt = &now
	return nil
}

// MarkAsDelivered фиксирует вручение. Требует предварительной отправки.
func (s *Shipment) MarkAsDelivered() error {
	if s.ShippedAt == nil {
		return ErrNotYetShipped
	}
	if s.DeliveredAt != nil {
		return ErrAlreadyDelivered
	}
	now := Now()
	s.DeliveredAt = &now
	return nil
}

// Stage возвращает текущую стадию доставки.
func (s *Shipment) Stage() ShipmentStage {
	switch {
	case s.DeliveredAt != nil:
		return ShipmentStageDelivered
	case s.ShippedAt != nil:
		return ShipmentStageShipped
	default:
		return ShipmentStageCreated
	}
}

// DeliveryMethod это способ доставки: название, цена и ожидаемый срок.
type DeliveryMethod struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	EstimatedTime time.Duration
}

// NewDeliveryMethod создаёт способ доставки с проверкой полей.
func NewDeliveryMethod(name string, price decimal.Decimal, estimated time.Duration) (*DeliveryMethod, error) {
	switch {
	case blank(name):
		return nil, ErrNameRequired
	case estimated <= 0 || estimated%time.Second != 0:
		return nil, ErrEstimatedTimeInvalid
	}
	if err := CheckPrice(price); err != nil {
		return nil, err
	}

	return &DeliveryMethod{
		ID:            NewID(),
		Name:          name,
		Price:         price,
		EstimatedTime: estimated,
	}, nil
}
