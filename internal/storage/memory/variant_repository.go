package memory

import (
	"context"
	"sort"

	"github.com/somenicecode/dayx/internal/domain"
)

type variantRepository struct {
	s *session
}

func cloneVariant(v *domain.ProductVariant) *domain.ProductVariant {
	return domain.RestoreProductVariant(*v, v.AttributeValues())
}

func (r variantRepository) Create(_ context.Context, variant *domain.ProductVariant) error {
	defer r.s.lock()()
	db := r.s.db()

	if _, exists := db.variants[variant.ID]; exists {
		return domain.ErrAlreadyExists
	}
	db.variants[variant.ID] = cloneVariant(variant)
	r.s.record(func() { delete(db.variants, variant.ID) })
	return nil
}

func (r variantRepository) Get(_ context.Context, id string) (*domain.ProductVariant, error) {
	defer r.s.rlock()()

	v, ok := r.s.db().variants[id]
	if !ok {
		return nil, domain.ErrVariantNotFound
	}
	return cloneVariant(v), nil
}

// GetForUpdate совпадает с Get: внутри WithinTx хранилище уже заблокировано целиком.
func (r variantRepository) GetForUpdate(ctx context.Context, id string) (*domain.ProductVariant, error) {
	return r.Get(ctx, id)
}

func (r variantRepository) ListByProduct(_ context.Context, productID string) ([]*domain.ProductVariant, error) {
	defer r.s.rlock()()

	result := make([]*domain.ProductVariant, 0)
	for _, v := range r.s.db().variants {
		if v.ProductID == productID {
			result = append(result, cloneVariant(v))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Update перезаписывает цену и остаток, проверяя версию (optimistic locking).
func (r variantRepository) Update(_ context.Context, variant *domain.ProductVariant) error {
	defer r.s.lock()()
	db := r.s.db()

	current, ok := db.variants[variant.ID]
	if !ok {
		return domain.ErrVariantNotFound
	}
	if current.Version != variant.Version {
		return domain.ErrConcurrentUpdate
	}

	next := cloneVariant(current)
	next.Name = variant.Name
	next.Price = variant.Price
	next.StockQuantity = variant.StockQuantity
	next.UpdatedAt = variant.UpdatedAt
	next.Version++
	db.variants[variant.ID] = next
	r.s.record(func() { db.variants[variant.ID] = current })

	variant.Version = next.Version
	return nil
}

// stockEntryRepository: append-only журнал остатков.
type stockEntryRepository struct {
	s *session
}

func (r stockEntryRepository) Append(_ context.Context, entry domain.StockEntry) error {
	defer r.s.lock()()
	db := r.s.db()

	if _, ok := db.variants[entry.VariantID]; !ok {
		return domain.ErrVariantNotFound
	}
	prev := db.stock[entry.VariantID]
	db.stock[entry.VariantID] = append(prev[:len(prev):len(prev)], entry)
	r.s.record(func() { db.stock[entry.VariantID] = prev })
	return nil
}

// ListByVariant возвращает последние limit записей (все при limit <= 0) от старых к новым.
func (r stockEntryRepository) ListByVariant(_ context.Context, variantID string, limit int) ([]domain.StockEntry, error) {
	defer r.s.rlock()()

	entries := r.s.db().stock[variantID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make([]domain.StockEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func (r stockEntryRepository) SumByVariant(_ context.Context, variantID string) (int, error) {
	defer r.s.rlock()()
	return domain.SumDeltas(r.s.db().stock[variantID]), nil
}

var (
	_ domain.VariantRepository    = variantRepository{}
	_ domain.StockEntryRepository = stockEntryRepository{}
)
