package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VariantAttributeValue это значение атрибута категории для варианта (например, «Цвет: Красный»).
// Хранит только внешние ключи, без ссылок на объекты.
type VariantAttributeValue struct {
	ID                  string
	VariantID           string
	CategoryAttributeID string
	Value               string
}

// ProductVariant: покупаемая конфигурация товара со своей ценой и остатком.
type ProductVariant struct {
	ID        string
	ProductID string
	Name      string
	Price     decimal.Decimal
	// StockQuantity: материализованная сумма дельт журнала StockEntry. Никогда не < 0.
	StockQuantity int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time

	attributes []VariantAttributeValue
}

// NewProductVariant создаёт вариант с нулевым остатком.
// Начальный остаток проводится через журнал, чтобы сумма дельт совпадала с количеством.
func NewProductVariant(productID, name string, price decimal.Decimal) (*ProductVariant, error) {
	switch {
	case blank(productID):
		return nil, ErrProductIDRequired
	case blank(name):
		return nil, ErrNameRequired
	}
	if err := CheckPrice(price); err != nil {
		return nil, err
	}

	now := Now()
	return &ProductVariant{
		ID:        NewID(),
		ProductID: productID,
		Name:      name,
		Price:     price,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// RestoreProductVariant восстанавливает вариант из хранилища. Только для репозиториев.
func RestoreProductVariant(v ProductVariant, attrs []VariantAttributeValue) *ProductVariant {
	v.attributes = append([]VariantAttributeValue(nil), attrs...)
	return &v
}

// AttributeValues возвращает копию атрибутов.
func (v *ProductVariant) AttributeValues() []VariantAttributeValue {
	return append([]VariantAttributeValue(nil), v.attributes...)
}

// AddAttributeValue привязывает значение атрибута к варианту.
func (v *ProductVariant) AddAttributeValue(categoryAttributeID, value string) (VariantAttributeValue, error) {
	if blank(categoryAttributeID) {
		return VariantAttributeValue{}, ErrIDRequired
	}
	if blank(value) {
		return VariantAttributeValue{}, ErrAttributeValueRequired
	}

	attr := VariantAttributeValue{
		ID:                  NewID(),
		VariantID:           v.ID,
		CategoryAttributeID: categoryAttributeID,
		Value:               value,
	}
	v.attributes = append(v.attributes, attr)
	return attr, nil
}

// UpdatePrice меняет текущую цену. На уже оформленные заказы не влияет.
func (v *ProductVariant) UpdatePrice(price decimal.Decimal) error {
	if err := CheckPrice(price); err != nil {
		return err
	}
	v.Price = price
	v.UpdatedAt = Now()
	return nil
}

// ApplyStockDelta применяет изменение остатка. При уходе в минус вариант не меняется.
// Вызывается только журналом вместе с записью StockEntry.
func (v *ProductVariant) ApplyStockDelta(delta int) (int, error) {
	next := v.StockQuantity + delta
	if next < 0 {
		return v.StockQuantity, &InsufficientStockError{
			VariantID: v.ID,
			Available: v.StockQuantity,
			Delta:     delta,
		}
	}
	v.StockQuantity = next
	v.UpdatedAt = Now()
	return next, nil
}

// PriceScale: число знаков после запятой в цене. Хранилище держит цены как NUMERIC(14,2).
const PriceScale = 2

var maxPrice = decimal.New(1, 12)

// CheckPrice проверяет, что цена неотрицательна, не точнее PriceScale знаков
// и помещается в хранилище без округления.
func CheckPrice(price decimal.Decimal) error {
	switch {
	case price.IsNegative():
		return ErrPriceNegative
	case !price.Equal(price.Truncate(PriceScale)):
		return ErrPriceScale
	case price.GreaterThanOrEqual(maxPrice):
		return ErrPriceTooLarge
	}
	return nil
}
