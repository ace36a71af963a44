package memory

import (
	"context"

	"github.com/somenicecode/dayx/internal/domain"
)

type paymentRepository struct {
	s *session
}

func clonePayment(p domain.Payment) *domain.Payment {
	p.PaidAt = copyTime(p.PaidAt)
	return &p
}

// Create сохраняет платёж. Второй платёж на тот же заказ: ErrAlreadyExists.
func (r paymentRepository) Create(_ context.Context, payment *domain.Payment) error {
	defer r.s.lock()()
	db := r.s.db()

	if _, exists := db.payments[payment.ID]; exists {
		return domain.ErrAlreadyExists
	}
	if _, exists := db.paymentByOrder[payment.OrderID]; exists {
		return domain.ErrAlreadyExists
	}

	db.payments[payment.ID] = *clonePayment(*payment)
	db.paymentByOrder[payment.OrderID] = payment.ID
	r.s.record(func() {
		delete(db.payments, payment.ID)
		delete(db.paymentByOrder, payment.OrderID)
	})
	return nil
}

func (r paymentRepository) Get(_ context.Context, id string) (*domain.Payment, error) {
	defer r.s.rlock()()

	p, ok := r.s.db().payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (r paymentRepository) GetByOrder(_ context.Context, orderID string) (*domain.Payment, error) {
	defer r.s.rlock()()
	db := r.s.db()

	id, ok := db.paymentByOrder[orderID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return clonePayment(db.payments[id]), nil
}

// Update сохраняет платёж, если сохранённый статус равен expected.
func (r paymentRepository) Update(_ context.Context, payment *domain.Payment, expected domain.PaymentStatus) error {
	defer r.s.lock()()
	db := r.s.db()

	current, ok := db.payments[payment.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if current.Status != expected {
		return domain.ErrConcurrentUpdate
	}

	db.payments[payment.ID] = *clonePayment(*payment)
	r.s.record(func() { db.payments[payment.ID] = current })
	return nil
}

var _ domain.PaymentRepository = paymentRepository{}
