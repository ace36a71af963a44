package memory

import (
	"context"
	"sort"

	"github.com/somenicecode/dayx/internal/domain"
)

// timelineRepository хранит события в памяти (для разработки/тестов).
type timelineRepository struct {
	s *session
}

// Append добавляет событие в хранилище.
func (r timelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	defer r.s.lock()()
	db := r.s.db()

	prev := db.timeline[event.OrderID]
	events := append(prev[:len(prev):len(prev)], event)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	db.timeline[event.OrderID] = events
	r.s.record(func() { db.timeline[event.OrderID] = prev })
	return nil
}

// List возвращает события заказа в хронологическом порядке.
func (r timelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	defer r.s.rlock()()

	events := r.s.db().timeline[orderID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = timelineRepository{}
