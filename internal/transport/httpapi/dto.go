package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/service/orders"
)

type attributeDTO struct {
	CategoryAttributeID string `json:"category_attribute_id"`
	Value               string `json:"value"`
}

type variantDTO struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	Attributes    []attributeDTO  `json:"attributes,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toVariantDTO(v *domain.ProductVariant) variantDTO {
	out := variantDTO{
		ID:            v.ID,
		ProductID:     v.ProductID,
		Name:          v.Name,
		Price:         v.Price,
		StockQuantity: v.StockQuantity,
		UpdatedAt:     v.UpdatedAt,
	}
	for _, a := range v.AttributeValues() {
		out.Attributes = append(out.Attributes, attributeDTO{CategoryAttributeID: a.CategoryAttributeID, Value: a.Value})
	}
	return out
}

type stockEntryDTO struct {
	ID         string    `json:"id"`
	VariantID  string    `json:"variant_id"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	Reference  string    `json:"reference,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func toStockEntryDTO(e domain.StockEntry) stockEntryDTO {
	return stockEntryDTO{
		ID:         e.ID,
		VariantID:  e.VariantID,
		Delta:      e.Delta,
		Reason:     string(e.Reason),
		Reference:  e.Reference,
		OccurredAt: e.OccurredAt,
	}
}

type cartItemDTO struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type cartDTO struct {
	ID     string        `json:"id"`
	UserID string        `json:"user_id"`
	Items  []cartItemDTO `json:"items"`
}

func toCartDTO(c *domain.Cart) cartDTO {
	out := cartDTO{ID: c.ID, UserID: c.UserID, Items: []cartItemDTO{}}
	for _, it := range c.SortedItems() {
		out.Items = append(out.Items, cartItemDTO{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return out
}

type orderItemDTO struct {
	ID        string          `json:"id"`
	VariantID string          `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type orderDTO struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	AddressID string          `json:"address_id"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	Items     []orderItemDTO  `json:"items"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toOrderDTO(o *domain.Order) orderDTO {
	out := orderDTO{
		ID:        o.ID,
		UserID:    o.UserID,
		AddressID: o.AddressID,
		Status:    string(o.Status),
		Version:   o.Version,
		Items:     []orderItemDTO{},
		Total:     o.Total(),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	for _, it := range o.Items() {
		out.Items = append(out.Items, orderItemDTO{
			ID:        it.ID,
			VariantID: it.VariantID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal(),
		})
	}
	return out
}

type paymentDTO struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	Provider  string     `json:"provider"`
	Status    string     `json:"status"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func toPaymentDTO(p *domain.Payment) *paymentDTO {
	if p == nil {
		return nil
	}
	return &paymentDTO{
		ID:        p.ID,
		OrderID:   p.OrderID,
		Provider:  p.Provider,
		Status:    string(p.Status),
		PaidAt:    p.PaidAt,
		CreatedAt: p.CreatedAt,
	}
}

type shipmentDTO struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"order_id"`
	DeliveryMethodID string     `json:"delivery_method_id"`
	TrackingNumber   string     `json:"tracking_number"`
	Stage            string     `json:"stage"`
	ShippedAt        *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
}

func toShipmentDTO(s *domain.Shipment) *shipmentDTO {
	if s == nil {
		return nil
	}
	return &shipmentDTO{
		ID:               s.ID,
		OrderID:          s.OrderID,
		DeliveryMethodID: s.DeliveryMethodID,
		TrackingNumber:   s.TrackingNumber,
		Stage:            string(s.Stage()),
		ShippedAt:        s.ShippedAt,
		DeliveredAt:      s.DeliveredAt,
	}
}

type orderViewDTO struct {
	Order    orderDTO     `json:"order"`
	Payment  *paymentDTO  `json:"payment,omitempty"`
	Shipment *shipmentDTO `json:"shipment,omitempty"`
}

func toOrderViewDTO(v orders.View) orderViewDTO {
	return orderViewDTO{
		Order:    toOrderDTO(v.Order),
		Payment:  toPaymentDTO(v.Payment),
		Shipment: toShipmentDTO(v.Shipment),
	}
}

type timelineEventDTO struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type deliveryMethodDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	EstimatedTime string          `json:"estimated_time"`
}

func toDeliveryMethodDTO(m *domain.DeliveryMethod) deliveryMethodDTO {
	return deliveryMethodDTO{
		ID:            m.ID,
		Name:          m.Name,
		Price:         m.Price,
		EstimatedTime: m.EstimatedTime.String(),
	}
}
