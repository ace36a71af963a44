package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

type shipmentRepository struct {
	s session
}

const shipmentColumns = `id, order_id, delivery_method_id, tracking_number, shipped_at, delivered_at, created_at`

// stageCondition переводит стадию доставки в условие по меткам времени.
var stageCondition = map[domain.ShipmentStage]string{
	domain.ShipmentStageCreated:   `shipped_at IS NULL AND delivered_at IS NULL`,
	domain.ShipmentStageShipped:   `shipped_at IS NOT NULL AND delivered_at IS NULL`,
	domain.ShipmentStageDelivered: `delivered_at IS NOT NULL`,
}

func (r shipmentRepository) Create(ctx context.Context, shipment *domain.Shipment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.s.q.ExecContext(ctx, `
		INSERT INTO shipments (`+shipmentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		shipment.ID, shipment.OrderID, shipment.DeliveryMethodID, shipment.TrackingNumber,
		shipment.ShippedAt, shipment.DeliveredAt, shipment.CreatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return domain.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: order or delivery method is missing", domain.ErrDeliveryMethodNotFound)
	default:
		return fmt.Errorf("insert shipment: %w", err)
	}
}

func (r shipmentRepository) Get(ctx context.Context, id string) (*domain.Shipment, error) {
	return r.getBy(ctx, "id", id)
}

func (r shipmentRepository) GetByOrder(ctx context.Context, orderID string) (*domain.Shipment, error) {
	return r.getBy(ctx, "order_id", orderID)
}

func (r shipmentRepository) getBy(ctx context.Context, column, value string) (*domain.Shipment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		sh                   domain.Shipment
		shippedAt, delivered sql.NullTime
	)
	err := r.s.q.QueryRowContext(ctx, `
		SELECT `+shipmentColumns+`
		FROM shipments
		WHERE `+column+` = $1
	`, value).Scan(
		&sh.ID, &sh.OrderID, &sh.DeliveryMethodID, &sh.TrackingNumber,
		&shippedAt, &delivered, &sh.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrShipmentNotFound
		}
		return nil, fmt.Errorf("select shipment: %w", err)
	}
	sh.ShippedAt = nullTime(shippedAt)
	sh.DeliveredAt = nullTime(delivered)
	return &sh, nil
}

func (r shipmentRepository) Update(ctx context.Context, shipment *domain.Shipment, expected domain.ShipmentStage) error {
	cond, ok := stageCondition[expected]
	if !ok {
		return fmt.Errorf("%w: unknown shipment stage %q", domain.ErrValidation, expected)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.s.q.ExecContext(ctx, `
		UPDATE shipments
		SET shipped_at = $1,
		    delivered_at = $2
		WHERE id = $3
		  AND `+cond,
		shipment.ShippedAt, shipment.DeliveredAt, shipment.ID,
	)
	if err != nil {
		return fmt.Errorf("update shipment: %w", err)
	}
	if err := expectAffected(res, domain.ErrConcurrentUpdate); err != nil {
		found, existsErr := exists(ctx, r.s.q, `SELECT EXISTS (SELECT 1 FROM shipments WHERE id = $1)`, shipment.ID)
		if existsErr != nil {
			return existsErr
		}
		if !found {
			return domain.ErrShipmentNotFound
		}
		return err
	}
	return nil
}

type deliveryMethodRepository struct {
	s session
}

func (r deliveryMethodRepository) Create(ctx context.Context, method *domain.DeliveryMethod) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.s.q.ExecContext(ctx, `
		INSERT INTO delivery_methods (id, name, price, estimated_seconds)
		VALUES ($1,$2,$3,$4)
	`, method.ID, method.Name, method.Price, int64(method.EstimatedTime/time.Second))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert delivery method: %w", err)
	}
	return nil
}

func (r deliveryMethodRepository) Get(ctx context.Context, id string) (*domain.DeliveryMethod, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	m, err := scanDeliveryMethod(r.s.q.QueryRowContext(ctx, `
		SELECT id, name, price, estimated_seconds
		FROM delivery_methods
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrDeliveryMethodNotFound
		}
		return nil, fmt.Errorf("select delivery method: %w", err)
	}
	return m, nil
}

func (r deliveryMethodRepository) List(ctx context.Context) ([]*domain.DeliveryMethod, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.s.q.QueryContext(ctx, `
		SELECT id, name, price, estimated_seconds
		FROM delivery_methods
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list delivery methods: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.DeliveryMethod, 0)
	for rows.Next() {
		m, err := scanDeliveryMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery method: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery methods: %w", err)
	}
	return result, nil
}

func scanDeliveryMethod(row rowScanner) (*domain.DeliveryMethod, error) {
	var (
		m       domain.DeliveryMethod
		seconds int64
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Price, &seconds); err != nil {
		return nil, err
	}
	m.EstimatedTime = time.Duration(seconds) * time.Second
	return &m, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var (
	_ domain.ShipmentRepository       = shipmentRepository{}
	_ domain.DeliveryMethodRepository = deliveryMethodRepository{}
)
