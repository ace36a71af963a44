package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

// timelineRepository: журнал событий заказа. Порядок внутри одного момента времени
// задаёт BIGSERIAL id, то есть порядок вставки.
type timelineRepository struct {
	s session
}

func (r timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = domain.Now()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.s.q.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, occurred.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert timeline event %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

func (r timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.s.q.QueryContext(ctx,
		`SELECT type, reason, occurred FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline of order %s: %w", orderID, err)
	}
	defer rows.Close()

	timeline := []domain.TimelineEvent{}
	for rows.Next() {
		var (
			kind, reason string
			occurred     time.Time
		)
		if err := rows.Scan(&kind, &reason, &occurred); err != nil {
			return nil, fmt.Errorf("read timeline row: %w", err)
		}
		timeline = append(timeline, domain.TimelineEvent{
			OrderID:  orderID,
			Type:     kind,
			Reason:   reason,
			Occurred: occurred.UTC(),
		})
	}
	return timeline, rows.Err()
}

var _ domain.TimelineRepository = timelineRepository{}
