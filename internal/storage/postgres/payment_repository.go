package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/somenicecode/dayx/internal/domain"
)

type paymentRepository struct {
	s session
}

const paymentColumns = `id, order_id, provider, status, paid_at, created_at, updated_at`

func (r paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.s.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		payment.ID, payment.OrderID, payment.Provider, string(payment.Status),
		payment.PaidAt, payment.CreatedAt, payment.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return domain.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return domain.ErrOrderNotFound
	default:
		return fmt.Errorf("insert payment: %w", err)
	}
}

func (r paymentRepository) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return r.getBy(ctx, "id", id)
}

func (r paymentRepository) GetByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	return r.getBy(ctx, "order_id", orderID)
}

func (r paymentRepository) getBy(ctx context.Context, column, value string) (*domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		p      domain.Payment
		status string
		paidAt sql.NullTime
	)
	err := r.s.q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE `+column+` = $1
	`, value).Scan(&p.ID, &p.OrderID, &p.Provider, &status, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	p.Status = domain.PaymentStatus(status)
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		p.PaidAt = &t
	}
	return &p, nil
}

func (r paymentRepository) Update(ctx context.Context, payment *domain.Payment, expected domain.PaymentStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.s.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    paid_at = $2,
		    updated_at = $3
		WHERE id = $4
		  AND status = $5
	`, string(payment.Status), payment.PaidAt, payment.UpdatedAt, payment.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if err := expectAffected(res, domain.ErrConcurrentUpdate); err != nil {
		found, existsErr := exists(ctx, r.s.q, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, payment.ID)
		if existsErr != nil {
			return existsErr
		}
		if !found {
			return domain.ErrPaymentNotFound
		}
		return err
	}
	return nil
}

var _ domain.PaymentRepository = paymentRepository{}
