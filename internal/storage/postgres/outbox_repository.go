package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

// Статусы строк outbox_messages.
const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

const (
	defaultPullLimit  = 100
	defaultPurgeLimit = 500
)

// outboxRepository пишет события в той же транзакции, что и изменения агрегатов.
type outboxRepository struct {
	s session
}

func (r outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = domain.Now()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.s.q.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, outboxPending, msg.CreatedAt); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("insert %s outbox message for %s %s: %w",
			msg.EventType, msg.AggregateType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending возвращает самые старые pending-сообщения в порядке записи.
func (r outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.s.q.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, outboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending outbox messages: %w", err)
	}
	defer rows.Close()

	var batch []domain.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("read outbox row: %w", err)
		}
		batch = append(batch, msg)
	}
	return batch, rows.Err()
}

func scanOutboxMessage(row rowScanner) (domain.OutboxMessage, error) {
	var msg domain.OutboxMessage
	err := row.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload, &msg.CreatedAt)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, err
}

func (r outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		count  int
		oldest sql.NullTime
	)
	err := r.s.q.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1`, outboxPending,
	).Scan(&count, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox backlog stats: %w", err)
	}

	stats := domain.OutboxStats{PendingCount: count}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.finish(ctx, id, outboxSent)
}

func (r outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.finish(ctx, id, outboxFailed)
}

// finish переводит сообщение в конечный статус; неизвестный id даёт ErrOutboxPublish.
func (r outboxRepository) finish(ctx context.Context, id, status string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.s.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = $3
	`, status, domain.Now(), id)
	if err != nil {
		return fmt.Errorf("set outbox message %s %s: %w", id, status, err)
	}
	return expectAffected(res, domain.ErrOutboxPublish)
}

// PurgeSent удаляет до limit отправленных сообщений, обновлённых не позже before.
func (r outboxRepository) PurgeSent(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.s.q.ExecContext(ctx, `
		DELETE FROM outbox_messages
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $1 AND updated_at <= $2
			ORDER BY updated_at, id
			LIMIT $3
		)
	`, outboxSent, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox messages: %w", err)
	}
	return int(n), nil
}

var _ domain.OutboxRepository = outboxRepository{}
