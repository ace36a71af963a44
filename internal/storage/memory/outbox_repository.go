package memory

import (
	"context"
	"sort"
	"time"

	"github.com/somenicecode/dayx/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	seq        int64
	status     string
	attemptCnt int
	updatedAt  time.Time
}

// outboxRepository: простое in-memory хранилище для transactional outbox.
type outboxRepository struct {
	s *session
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его с идентификатором.
func (r outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	defer r.s.lock()()
	db := r.s.db()

	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = domain.Now()
	}
	db.outboxSeq++
	db.outbox[msg.ID] = &outboxRecord{
		msg:       msg,
		seq:       db.outboxSeq,
		status:    outboxStatusPending,
		updatedAt: msg.CreatedAt,
	}
	r.s.record(func() { delete(db.outbox, msg.ID) })
	return msg, nil
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке постановки.
func (r outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	defer r.s.rlock()()

	if limit <= 0 {
		limit = 100
	}

	pending := r.pending()
	if len(pending) > limit {
		pending = pending[:limit]
	}
	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result, nil
}

// Stats возвращает размер backlog и время самого старого pending-сообщения.
func (r outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	defer r.s.rlock()()

	pending := r.pending()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].msg.CreatedAt
	}
	return stats, nil
}

func (r outboxRepository) pending() []*outboxRecord {
	result := make([]*outboxRecord, 0)
	for _, rec := range r.s.db().outbox {
		if rec.status == outboxStatusPending {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })
	return result
}

// MarkSent обновляет статус события после успешной публикации.
func (r outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, outboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, outboxStatusFailed)
}

func (r outboxRepository) mark(id, status string) error {
	defer r.s.lock()()

	record, ok := r.s.db().outbox[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	prev := *record
	record.status = status
	record.attemptCnt++
	record.updatedAt = domain.Now()
	r.s.record(func() { *record = prev })
	return nil
}

// PurgeSent удаляет самые старые отправленные сообщения.
func (r outboxRepository) PurgeSent(_ context.Context, before time.Time, limit int) (int, error) {
	defer r.s.lock()()
	db := r.s.db()

	expired := make([]*outboxRecord, 0)
	for _, rec := range db.outbox {
		if rec.status == outboxStatusSent && !rec.updatedAt.After(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(db.outbox, rec.msg.ID)
		r.s.record(func() { db.outbox[rec.msg.ID] = rec })
	}
	return len(expired), nil
}

var _ domain.OutboxRepository = outboxRepository{}
