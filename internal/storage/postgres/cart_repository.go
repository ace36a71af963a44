package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/somenicecode/dayx/internal/domain"
)

type cartRepository struct {
	s session
}

func (r cartRepository) GetByUser(ctx context.Context, userID string) (*domain.Cart, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var c domain.Cart
	err := r.s.q.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at, version
		FROM carts
		WHERE user_id = $1
	`, userID).Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCartNotFound
		}
		return nil, fmt.Errorf("select cart: %w", err)
	}

	rows, err := r.s.q.QueryContext(ctx, `
		SELECT id, cart_id, variant_id, quantity
		FROM cart_items
		WHERE cart_id = $1
		ORDER BY position
	`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load cart items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.CartItem, 0)
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.VariantID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart items: %w", err)
	}

	return domain.RestoreCart(c, items), nil
}

// Save перезаписывает корзину: compare-and-set шапки по version и полная замена строк.
// Новая корзина (Version 0) вставляется; занятый user_id означает гонку создания.
func (r cartRepository) Save(ctx context.Context, cart *domain.Cart) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.s.atomic(ctx, func(q querier) error {
		if cart.Version == 0 {
			_, err := q.ExecContext(ctx, `
				INSERT INTO carts (id, user_id, created_at, updated_at, version)
				VALUES ($1,$2,$3,$4,1)
			`, cart.ID, cart.UserID, cart.CreatedAt, cart.UpdatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return domain.ErrConcurrentUpdate
				}
				return fmt.Errorf("insert cart: %w", err)
			}
		} else {
			res, err := q.ExecContext(ctx, `
				UPDATE carts
				SET updated_at = $2, version = version + 1
				WHERE id = $1 AND version = $3
			`, cart.ID, cart.UpdatedAt, cart.Version)
			if err != nil {
				return fmt.Errorf("update cart: %w", err)
			}
			if err := expectAffected(res, domain.ErrConcurrentUpdate); err != nil {
				return err
			}
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cart.ID); err != nil {
			return fmt.Errorf("clear cart items: %w", err)
		}

		for i, item := range cart.Items() {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO cart_items (id, cart_id, variant_id, quantity, position)
				VALUES ($1,$2,$3,$4,$5)
			`, item.ID, cart.ID, item.VariantID, item.Quantity, i); err != nil {
				return fmt.Errorf("insert cart item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	cart.Version++
	return nil
}

var _ domain.CartRepository = cartRepository{}
