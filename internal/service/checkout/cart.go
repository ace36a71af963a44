package checkout

import (
	"context"
	"errors"

	"github.com/somenicecode/dayx/internal/domain"
)

// AddToCart добавляет вариант в корзину пользователя, создавая корзину при необходимости.
// Повторное добавление того же варианта суммирует количество.
func (s *Service) AddToCart(ctx context.Context, userID, variantID string, quantity int) (*domain.Cart, error) {
	return s.mutateCart(ctx, userID, variantID, func(c *domain.Cart) error {
		_, err := c.AddItem(variantID, quantity)
		return err
	})
}

// SetCartItem задаёт количество варианта; 0 удаляет строку.
func (s *Service) SetCartItem(ctx context.Context, userID, variantID string, quantity int) (*domain.Cart, error) {
	return s.mutateCart(ctx, userID, variantID, func(c *domain.Cart) error {
		return c.SetQuantity(variantID, quantity)
	})
}

// RemoveCartItem удаляет строку варианта. Отсутствующая строка не считается ошибкой.
func (s *Service) RemoveCartItem(ctx context.Context, userID, variantID string) (*domain.Cart, error) {
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}
	var cart *domain.Cart
	err := retryCart(func() error {
		return s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
			c, err := uow.Carts().GetByUser(ctx, userID)
			if err != nil {
				return err
			}
			if c.RemoveItem(variantID) {
				if err := uow.Carts().Save(ctx, c); err != nil {
					return err
				}
			}
			cart = c
			return nil
		})
	})
	return cart, err
}

// GetCart возвращает корзину пользователя или domain.ErrCartNotFound.
func (s *Service) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}
	var cart *domain.Cart
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		c, err := uow.Carts().GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		cart = c
		return nil
	})
	return cart, err
}

// cartSaveAttempts ограничивает повторы изменения корзины при гонке версий.
const cartSaveAttempts = 3

// retryCart повторяет fn, пока Save корзины отвечает ErrConcurrentUpdate.
func retryCart(fn func() error) error {
	var err error
	for attempt := 0; attempt < cartSaveAttempts; attempt++ {
		if err = fn(); !errors.Is(err, domain.ErrConcurrentUpdate) {
			return err
		}
	}
	return err
}

func (s *Service) mutateCart(ctx context.Context, userID, variantID string, mutate func(*domain.Cart) error) (*domain.Cart, error) {
	if userID == "" {
		return nil, domain.ErrUserIDRequired
	}
	if variantID == "" {
		return nil, domain.ErrVariantIDRequired
	}
	var cart *domain.Cart
	err := retryCart(func() error {
		return s.mutateCartOnce(ctx, userID, variantID, mutate, &cart)
	})
	return cart, err
}

func (s *Service) mutateCartOnce(ctx context.Context, userID, variantID string, mutate func(*domain.Cart) error, out **domain.Cart) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.Variants().Get(ctx, variantID); err != nil {
			return err
		}
		c, err := uow.Carts().GetByUser(ctx, userID)
		if errors.Is(err, domain.ErrCartNotFound) {
			c, err = domain.NewCart(userID)
		}
		if err != nil {
			return err
		}
		if err := mutate(c); err != nil {
			return err
		}
		if err := uow.Carts().Save(ctx, c); err != nil {
			return err
		}
		*out = c
		return nil
	})
}
