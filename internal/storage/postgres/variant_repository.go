package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/somenicecode/dayx/internal/domain"
)

type variantRepository struct {
	s session
}

const variantColumns = `id, product_id, name, price, stock_quantity, version, created_at, updated_at`

func (r variantRepository) Create(ctx context.Context, variant *domain.ProductVariant) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.s.atomic(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO product_variants (`+variantColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			variant.ID, variant.ProductID, variant.Name, variant.Price,
			variant.StockQuantity, variant.Version, variant.CreatedAt, variant.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyExists
			}
			return fmt.Errorf("insert variant: %w", err)
		}

		for _, attr := range variant.AttributeValues() {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO variant_attribute_values (id, variant_id, category_attribute_id, value)
				VALUES ($1,$2,$3,$4)
			`, attr.ID, variant.ID, attr.CategoryAttributeID, attr.Value); err != nil {
				return fmt.Errorf("insert variant attribute: %w", err)
			}
		}
		return nil
	})
}

func (r variantRepository) Get(ctx context.Context, id string) (*domain.ProductVariant, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate блокирует строку варианта до конца транзакции.
func (r variantRepository) GetForUpdate(ctx context.Context, id string) (*domain.ProductVariant, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r variantRepository) get(ctx context.Context, id, lock string) (*domain.ProductVariant, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	v, err := scanVariant(r.s.q.QueryRowContext(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVariantNotFound
		}
		return nil, fmt.Errorf("select variant: %w", err)
	}

	attrs, err := r.loadAttributes(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	return domain.RestoreProductVariant(v, attrs), nil
}

func (r variantRepository) ListByProduct(ctx context.Context, productID string) ([]*domain.ProductVariant, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.s.q.QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE product_id = $1
		ORDER BY created_at, id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}

	heads := make([]domain.ProductVariant, 0)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		heads = append(heads, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	rows.Close()

	result := make([]*domain.ProductVariant, 0, len(heads))
	for _, head := range heads {
		attrs, err := r.loadAttributes(ctx, head.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, domain.RestoreProductVariant(head, attrs))
	}
	return result, nil
}

// Update сохраняет цену и остаток с проверкой версии (optimistic locking).
func (r variantRepository) Update(ctx context.Context, variant *domain.ProductVariant) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.s.q.ExecContext(ctx, `
		UPDATE product_variants
		SET name = $1,
		    price = $2,
		    stock_quantity = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
	`,
		variant.Name, variant.Price, variant.StockQuantity, variant.UpdatedAt, variant.ID, variant.Version,
	)
	if err != nil {
		return fmt.Errorf("update variant: %w", err)
	}
	if err := expectAffected(res, domain.ErrConcurrentUpdate); err != nil {
		found, existsErr := exists(ctx, r.s.q, `SELECT EXISTS (SELECT 1 FROM product_variants WHERE id = $1)`, variant.ID)
		if existsErr != nil {
			return existsErr
		}
		if !found {
			return domain.ErrVariantNotFound
		}
		return err
	}

	variant.Version++
	return nil
}

func (r variantRepository) loadAttributes(ctx context.Context, variantID string) ([]domain.VariantAttributeValue, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		SELECT id, variant_id, category_attribute_id, value
		FROM variant_attribute_values
		WHERE variant_id = $1
		ORDER BY category_attribute_id, id
	`, variantID)
	if err != nil {
		return nil, fmt.Errorf("load variant attributes: %w", err)
	}
	defer rows.Close()

	attrs := make([]domain.VariantAttributeValue, 0)
	for rows.Next() {
		var a domain.VariantAttributeValue
		if err := rows.Scan(&a.ID, &a.VariantID, &a.CategoryAttributeID, &a.Value); err != nil {
			return nil, fmt.Errorf("scan variant attribute: %w", err)
		}
		attrs = append(attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variant attributes: %w", err)
	}
	return attrs, nil
}

func scanVariant(row rowScanner) (domain.ProductVariant, error) {
	var v domain.ProductVariant
	err := row.Scan(
		&v.ID, &v.ProductID, &v.Name, &v.Price,
		&v.StockQuantity, &v.Version, &v.CreatedAt, &v.UpdatedAt,
	)
	return v, err
}

// stockEntryRepository: append-only журнал. UPDATE/DELETE по stock_entries не выполняются.
type stockEntryRepository struct {
	s session
}

func (r stockEntryRepository) Append(ctx context.Context, entry domain.StockEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.s.q.ExecContext(ctx, `
		INSERT INTO stock_entries (id, variant_id, delta, reason, reference, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.VariantID, entry.Delta, string(entry.Reason), entry.Reference, entry.OccurredAt)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return domain.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return domain.ErrVariantNotFound
	default:
		return fmt.Errorf("append stock entry: %w", err)
	}
}

// ListByVariant возвращает последние limit записей (все при limit <= 0) от старых к новым.
func (r stockEntryRepository) ListByVariant(ctx context.Context, variantID string, limit int) ([]domain.StockEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, variant_id, delta, reason, reference, occurred_at
		FROM stock_entries
		WHERE variant_id = $1
		ORDER BY seq ASC
	`
	args := []any{variantID}
	if limit > 0 {
		query = `
			SELECT id, variant_id, delta, reason, reference, occurred_at
			FROM (
				SELECT seq, id, variant_id, delta, reason, reference, occurred_at
				FROM stock_entries
				WHERE variant_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) latest
			ORDER BY seq ASC
		`
		args = append(args, limit)
	}

	rows, err := r.s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stock entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.StockEntry, 0)
	for rows.Next() {
		var (
			e      domain.StockEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.VariantID, &e.Delta, &reason, &e.Reference, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan stock entry: %w", err)
		}
		e.Reason = domain.StockReason(reason)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock entries: %w", err)
	}
	return entries, nil
}

func (r stockEntryRepository) SumByVariant(ctx context.Context, variantID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var sum int
	if err := r.s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM stock_entries
		WHERE variant_id = $1
	`, variantID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum stock entries: %w", err)
	}
	return sum, nil
}

var (
	_ domain.VariantRepository    = variantRepository{}
	_ domain.StockEntryRepository = stockEntryRepository{}
)
