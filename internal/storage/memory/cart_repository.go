package memory

import (
	"context"

	"github.com/somenicecode/dayx/internal/domain"
)

type cartRepository struct {
	s *session
}

func cloneCart(c *domain.Cart) *domain.Cart {
	return domain.RestoreCart(*c, c.Items())
}

func (r cartRepository) GetByUser(_ context.Context, userID string) (*domain.Cart, error) {
	defer r.s.rlock()()

	c, ok := r.s.db().carts[userID]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	return cloneCart(c), nil
}

// Save создаёт или перезаписывает корзину пользователя целиком.
// Версия корзины должна совпасть с сохранённой, иначе ErrConcurrentUpdate.
func (r cartRepository) Save(_ context.Context, cart *domain.Cart) error {
	defer r.s.lock()()
	db := r.s.db()

	prev, existed := db.carts[cart.UserID]
	switch {
	case existed && (prev.ID != cart.ID || prev.Version != cart.Version):
		return domain.ErrConcurrentUpdate
	case !existed && cart.Version != 0:
		return domain.ErrConcurrentUpdate
	}

	stored := cloneCart(cart)
	stored.Version++
	db.carts[cart.UserID] = stored
	cart.Version = stored.Version
	r.s.record(func() {
		if existed {
			db.carts[cart.UserID] = prev
			return
		}
		delete(db.carts, cart.UserID)
	})
	return nil
}

var _ domain.CartRepository = cartRepository{}
