package domain

import "time"

// PaymentStatus описывает состояние платежа. Значения хранятся как есть.
type PaymentStatus string

const (
	// PaymentStatusPending: платёж создан, результат неизвестен.
	PaymentStatusPending PaymentStatus = "Pending"
	// PaymentStatusPaid: оплата прошла. Отменить нельзя.
	PaymentStatusPaid PaymentStatus = "Paid"
	// PaymentStatusFailed: провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "Failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// Payment описывает оплату заказа. Связь с заказом 1:1 по OrderID.
type Payment struct {
	ID        string
	OrderID   string
	Provider  string
	Status    PaymentStatus
	PaidAt    *time.Time // Заполняется только при успешной оплате.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPayment создаёт платёж в статусе Pending.
func NewPayment(orderID, provider string) (*Payment, error) {
	if blank(orderID) {
		return nil, ErrOrderIDRequired
	}
	if blank(provider) {
		return nil, ErrProviderRequired
	}

	now := Now()
	return &Payment{
		ID:        NewID(),
		OrderID:   orderID,
		Provider:  provider,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MarkAsPaid фиксирует успешную оплату. Повторный вызов возвращает ErrAlreadyPaid.
func (p *Payment) MarkAsPaid() error {
	if p.Status == PaymentStatusPaid {
		return ErrAlreadyPaid
	}

	now := Now()
	p.Status = PaymentStatusPaid
	p.PaidAt = &now
	p.UpdatedAt = now
	return nil
}

// MarkAsFailed фиксирует отказ провайдера. Failed → Paid остаётся допустимым (повторное списание).
func (p *Payment) MarkAsFailed() error {
	switch p.Status {
	case PaymentStatusPaid:
		return ErrAlreadyPaid
	case PaymentStatusFailed:
		return ErrPaymentFailed
	}

	p.Status = PaymentStatusFailed
	p.UpdatedAt = Now()
	return nil
}

// IsPaid сообщает, что оплата прошла.
func (p *Payment) IsPaid() bool {
	return p.Status == PaymentStatusPaid
}
