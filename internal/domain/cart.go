package domain

import (
	"sort"
	"time"
)

// CartItem это строка корзины: вариант и количество.
type CartItem struct {
	ID        string
	CartID    string
	VariantID string
	Quantity  int
}

// Cart: корзина пользователя до оформления. Одна на пользователя.
type Cart struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Version растёт при каждом сохранении; Save сверяет его с хранилищем.
	Version int64

	items []CartItem
}

// NewCart создаёт пустую корзину пользователя.
func NewCart(userID string) (*Cart, error) {
	if blank(userID) {
		return nil, ErrUserIDRequired
	}
	now := Now()
	return &Cart{
		ID:        NewID(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// RestoreCart восстанавливает корзину из хранилища. Только для репозиториев.
func RestoreCart(c Cart, items []CartItem) *Cart {
	c.items = append([]CartItem(nil), items...)
	return &c
}

// Items возвращает копию строк корзины в порядке добавления.
func (c *Cart) Items() []CartItem {
	return append([]CartItem(nil), c.items...)
}

// SortedItems возвращает строки, упорядоченные по VariantID.
func (c *Cart) SortedItems() []CartItem {
	items := c.Items()
	sort.Slice(items, func(i, j int) bool { return items[i].VariantID < items[j].VariantID })
	return items
}

// IsEmpty сообщает, что в корзине нет строк.
func (c *Cart) IsEmpty() bool {
	return len(c.items) == 0
}

// AddItem добавляет вариант; если он уже есть, количество суммируется.
func (c *Cart) AddItem(variantID string, quantity int) (CartItem, error) {
	if blank(variantID) {
		return CartItem{}, ErrVariantIDRequired
	}
	if quantity <= 0 {
		return CartItem{}, ErrQuantityInvalid
	}

	c.UpdatedAt = Now()
	for i := range c.items {
		if c.items[i].VariantID == variantID {
			c.items[i].Quantity += quantity
			return c.items[i], nil
		}
	}

	item := CartItem{
		ID:        NewID(),
		CartID:    c.ID,
		VariantID: variantID,
		Quantity:  quantity,
	}
	c.items = append(c.items, item)
	return item, nil
}

// SetQuantity задаёт количество; 0 удаляет строку.
func (c *Cart) SetQuantity(variantID string, quantity int) error {
	if blank(variantID) {
		return ErrVariantIDRequired
	}
	if quantity < 0 {
		return ErrQuantityInvalid
	}
	if quantity == 0 {
		c.RemoveItem(variantID)
		return nil
	}
	for i := range c.items {
		if c.items[i].VariantID == variantID {
			c.items[i].Quantity = quantity
			c.UpdatedAt = Now()
			return nil
		}
	}
	_, err := c.AddItem(variantID, quantity)
	return err
}

// RemoveItem удаляет строку с вариантом. Возвращает false, если строки не было.
func (c *Cart) RemoveItem(variantID string) bool {
	for i := range c.items {
		if c.items[i].VariantID == variantID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			c.UpdatedAt = Now()
			return true
		}
	}
	return false
}

// Clear очищает корзину после оформления.
func (c *Cart) Clear() {
	c.items = nil
	c.UpdatedAt = Now()
}

// Consume вычитает оформленные строки из корзины; строка с нулевым остатком удаляется.
// Если строки нет или её количество меньше оформленного, корзина не меняется
// и возвращается ErrConcurrentUpdate: корзину успели изменить или оформить.
func (c *Cart) Consume(lines []CartItem) error {
	next := c.Items()
	for _, line := range lines {
		idx := -1
		for i := range next {
			if next[i].VariantID == line.VariantID {
				idx = i
				break
			}
		}
		if idx < 0 || next[idx].Quantity < line.Quantity {
			return ErrConcurrentUpdate
		}
		next[idx].Quantity -= line.Quantity
		if next[idx].Quantity == 0 {
			next = append(next[:idx], next[idx+1:]...)
		}
	}
	c.items = next
	c.UpdatedAt = Now()
	return nil
}
