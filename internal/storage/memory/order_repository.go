package memory

import (
	"context"
	"sort"

	"github.com/somenicecode/dayx/internal/domain"
)

// orderRepository: in-memory реализация OrderRepository поверх Store.
type orderRepository struct {
	s *session
}

func cloneOrder(o *domain.Order) *domain.Order {
	return domain.RestoreOrder(*o, o.Items())
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r orderRepository) Create(_ context.Context, order *domain.Order) error {
	defer r.s.lock()()
	db := r.s.db()

	if _, exists := db.orders[order.ID]; exists {
		return domain.ErrAlreadyExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	db.orders[order.ID] = cloneOrder(order)
	r.s.record(func() { delete(db.orders, order.ID) })
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r orderRepository) Get(_ context.Context, id string) (*domain.Order, error) {
	defer r.s.rlock()()

	order, ok := r.s.db().orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (r orderRepository) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Order, error) {
	defer r.s.rlock()()

	result := make([]*domain.Order, 0)
	for _, order := range r.s.db().orders {
		if order.UserID != userID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AppendItem дописывает позицию, если заказ всё ещё pending и версия совпадает.
func (r orderRepository) AppendItem(_ context.Context, order *domain.Order, item domain.OrderItem) error {
	defer r.s.lock()()
	db := r.s.db()

	current, ok := db.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version || current.Status != domain.OrderStatusPending {
		return domain.ErrConcurrentUpdate
	}

	next := domain.RestoreOrder(*current, append(current.Items(), item))
	next.UpdatedAt = order.UpdatedAt
	next.Version++
	db.orders[order.ID] = next
	r.s.record(func() { db.orders[order.ID] = current })

	order.Version = next.Version
	return nil
}

// UpdateStatus меняет статус, если в хранилище всё ещё expected и та же версия.
func (r orderRepository) UpdateStatus(_ context.Context, order *domain.Order, expected domain.OrderStatus) error {
	defer r.s.lock()()
	db := r.s.db()

	current, ok := db.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Status != expected || current.Version != order.Version {
		return domain.ErrConcurrentUpdate
	}

	next := cloneOrder(current)
	next.Status = order.Status
	next.UpdatedAt = order.UpdatedAt
	// Инкрементируем версию перед сохранением.
	next.Version++
	db.orders[order.ID] = next
	r.s.record(func() { db.orders[order.ID] = current })

	order.Version = next.Version
	return nil
}

var _ domain.OrderRepository = orderRepository{}
