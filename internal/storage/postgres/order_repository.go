package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/somenicecode/dayx/internal/domain"
)

type orderRepository struct {
	s session
}

const orderColumns = `id, user_id, address_id, status, version, created_at, updated_at`

func (r orderRepository) Create(ctx context.Context, order *domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.s.atomic(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			order.ID, order.UserID, order.AddressID, string(order.Status),
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items() {
			if err := insertOrderItem(ctx, q, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertOrderItem(ctx context.Context, q querier, item domain.OrderItem) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO order_items (
			id, order_id, variant_id, quantity, unit_price, created_at
		) VALUES ($1,$2,$3,$4,$5,$6)
	`,
		item.ID, item.OrderID, item.VariantID, item.Quantity, item.UnitPrice, item.CreatedAt,
	); err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrVariantNotFound
		}
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

func (r orderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.s.q.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return domain.RestoreOrder(order, items), nil
}

func (r orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.s.q.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.s.q.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	heads := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		heads = append(heads, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	// Позиции грузим после закрытия курсора: внутри транзакции одно соединение.
	orders := make([]*domain.Order, 0, len(heads))
	for _, head := range heads {
		items, err := r.loadItems(ctx, head.ID)
		if err != nil {
			return nil, err
		}
		orders = append(orders, domain.RestoreOrder(head, items))
	}
	return orders, nil
}

func (r orderRepository) AppendItem(ctx context.Context, order *domain.Order, item domain.OrderItem) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.s.atomic(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE orders
			SET version = version + 1,
			    updated_at = $1
			WHERE id = $2
			  AND version = $3
			  AND status = 'pending'
		`, order.UpdatedAt, order.ID, order.Version)
		if err != nil {
			return fmt.Errorf("bump order version: %w", err)
		}
		if err := r.checkCAS(ctx, q, res, order.ID); err != nil {
			return err
		}
		if err := insertOrderItem(ctx, q, item); err != nil {
			return err
		}
		order.Version++
		return nil
	})
}

func (r orderRepository) UpdateStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.s.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $3
		  AND status = $4
		  AND version = $5
	`,
		string(order.Status), order.UpdatedAt, order.ID, string(expected), order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if err := r.checkCAS(ctx, r.s.q, res, order.ID); err != nil {
		return err
	}

	order.Version++
	return nil
}

// checkCAS различает "заказа нет" и "заказ изменили параллельно".
func (r orderRepository) checkCAS(ctx context.Context, q querier, res sql.Result, orderID string) error {
	err := expectAffected(res, domain.ErrConcurrentUpdate)
	if !errors.Is(err, domain.ErrConcurrentUpdate) {
		return err
	}
	found, existsErr := exists(ctx, q, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID)
	if existsErr != nil {
		return existsErr
	}
	if !found {
		return domain.ErrOrderNotFound
	}
	return domain.ErrConcurrentUpdate
}

func (r orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		SELECT id, order_id, variant_id, quantity, unit_price, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.VariantID, &item.Quantity, &item.UnitPrice, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &order.AddressID, &status,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

var _ domain.OrderRepository = orderRepository{}
