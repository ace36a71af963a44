package domain

import (
	"errors"
	"fmt"
)

// Базовые виды ошибок. Конкретные ошибки оборачивают один из них,
// поэтому вызывающий код проверяет вид через errors.Is.
var (
	// ErrValidation: некорректный ввод, состояние не менялось.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState: переход нарушает машину состояний.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrInsufficientStock: изменение увело бы остаток в минус.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrEmptyCart: попытка оформить пустую корзину.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCheckoutFailed: оформление прервано, списания компенсированы.
	ErrCheckoutFailed = errors.New("checkout failed")
)

// Именованные варианты ErrInvalidState для платежа и доставки.
var (
	ErrAlreadyPaid      = fmt.Errorf("%w: payment is already marked as paid", ErrInvalidState)
	ErrAlreadyShipped   = fmt.Errorf("%w: shipment is already marked as shipped", ErrInvalidState)
	ErrNotYetShipped    = fmt.Errorf("%w: cannot deliver before shipment", ErrInvalidState)
	ErrAlreadyDelivered = fmt.Errorf("%w: shipment is already marked as delivered", ErrInvalidState)
	ErrPaymentFailed    = fmt.Errorf("%w: payment is already marked as failed", ErrInvalidState)
)

// Ошибки валидации входных данных.
var (
	ErrIDRequired             = fmt.Errorf("%w: id is required", ErrValidation)
	ErrUserIDRequired         = fmt.Errorf("%w: user_id is required", ErrValidation)
	ErrAddressIDRequired      = fmt.Errorf("%w: address_id is required", ErrValidation)
	ErrOrderIDRequired        = fmt.Errorf("%w: order_id is required", ErrValidation)
	ErrVariantIDRequired      = fmt.Errorf("%w: variant_id is required", ErrValidation)
	ErrProductIDRequired      = fmt.Errorf("%w: product_id is required", ErrValidation)
	ErrQuantityInvalid        = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	ErrPriceNegative          = fmt.Errorf("%w: price must be non-negative", ErrValidation)
	ErrPriceScale             = fmt.Errorf("%w: price must have at most 2 decimal places", ErrValidation)
	ErrPriceTooLarge          = fmt.Errorf("%w: price must be less than 10^12", ErrValidation)
	ErrNameRequired           = fmt.Errorf("%w: name is required", ErrValidation)
	ErrProviderRequired       = fmt.Errorf("%w: payment provider is required", ErrValidation)
	ErrDeliveryMethodRequired = fmt.Errorf("%w: delivery_method_id is required", ErrValidation)
	ErrTrackingRequired       = fmt.Errorf("%w: tracking number is required", ErrValidation)
	ErrEstimatedTimeInvalid   = fmt.Errorf("%w: estimated time must be a positive whole number of seconds", ErrValidation)
	ErrStockDeltaZero         = fmt.Errorf("%w: stock delta must be non-zero", ErrValidation)
	ErrStockReasonInvalid     = fmt.Errorf("%w: unknown stock reason", ErrValidation)
	ErrInitialStockNegative   = fmt.Errorf("%w: initial stock must be non-negative", ErrValidation)
	ErrItemOrderMismatch      = fmt.Errorf("%w: item belongs to another order", ErrValidation)
	ErrItemsRequired          = fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	ErrAttributeValueRequired = fmt.Errorf("%w: attribute value is required", ErrValidation)
)

// Ошибки хранилища.
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrShipmentNotFound       = errors.New("shipment not found")
	ErrDeliveryMethodNotFound = errors.New("delivery method not found")
	ErrVariantNotFound        = errors.New("product variant not found")
	ErrCartNotFound           = errors.New("cart not found")
	// ErrAlreadyExists: запись с таким ключом уже есть (в том числе второй платёж/доставка на заказ).
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConcurrentUpdate это compare-and-set не прошёл: запись изменили параллельно.
	ErrConcurrentUpdate = errors.New("concurrent update detected")
	// ErrLedgerMismatch: материализованный остаток разошёлся с суммой журнала.
	ErrLedgerMismatch = errors.New("stock quantity does not match ledger")
	// ErrOutboxPublish: ошибка при работе с outbox-записью.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// TransitionError описывает запрещённый переход конкретной сущности.
type TransitionError struct {
	Entity string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s %s in status %s", ErrInvalidState, e.Action, e.Entity, e.From)
}

// Is относит ошибку к виду ErrInvalidState.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}

// InsufficientStockError возвращается, когда остаток ушёл бы ниже нуля.
type InsufficientStockError struct {
	VariantID string
	Available int
	Delta     int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: variant %s has %d, adjustment %d", ErrInsufficientStock, e.VariantID, e.Available, e.Delta)
}

// Is относит ошибку к виду ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// CheckoutFailedError называет вариант, на котором сорвалось оформление.
type CheckoutFailedError struct {
	VariantID string
	Err       error
}

func (e *CheckoutFailedError) Error() string {
	if e.VariantID == "" {
		return fmt.Sprintf("%s: %v", ErrCheckoutFailed, e.Err)
	}
	return fmt.Sprintf("%s: variant %s: %v", ErrCheckoutFailed, e.VariantID, e.Err)
}

// Is относит ошибку к виду ErrCheckoutFailed.
func (e *CheckoutFailedError) Is(target error) bool {
	return target == ErrCheckoutFailed
}

func (e *CheckoutFailedError) Unwrap() error {
	return e.Err
}

// IsConcurrentUpdate проверяет, является ли ошибка конфликтом параллельного обновления.
func IsConcurrentUpdate(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

// IsNotFound проверяет, что ошибка означает отсутствие записи.
func IsNotFound(err error) bool {
	switch {
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrShipmentNotFound),
		errors.Is(err, ErrDeliveryMethodNotFound),
		errors.Is(err, ErrVariantNotFound),
		errors.Is(err, ErrCartNotFound):
		return true
	default:
		return false
	}
}
