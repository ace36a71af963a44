package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
)

const tracerName = "github.com/somenicecode/dayx/internal/service/inventory"

// StockCache: кэш материализованных остатков. Реализация в storage/cache (Redis).
type StockCache interface {
	// Get возвращает остаток; false означает промах.
	Get(ctx context.Context, variantID string) (int, bool, error)
	Set(ctx context.Context, variantID string, qty int) error
	Invalidate(ctx context.Context, variantID string) error
}

// AttributeInput: значение атрибута категории для нового варианта.
type AttributeInput struct {
	CategoryAttributeID string
	Value               string
}

// Ledger ведёт журнал остатков: каждое изменение StockQuantity сопровождается
// записью StockEntry в той же транзакции.
type Ledger struct {
	tx      domain.TxManager
	cache   StockCache
	group   singleflight.Group
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
	tracer  trace.Tracer
}

// NewLedger создаёт журнал. cache и m могут быть nil.
func NewLedger(tx domain.TxManager, cache StockCache, m *metrics.LedgerMetrics, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "inventory-ledger")
	}
	return &Ledger{
		tx:      tx,
		cache:   cache,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// AdjustStock применяет delta к остатку варианта и добавляет запись в журнал.
// Строка варианта блокируется до конца транзакции. Если остаток ушёл бы в минус,
// возвращается *domain.InsufficientStockError и ничего не пишется.
func (l *Ledger) AdjustStock(ctx context.Context, variantID string, delta int, reason domain.StockReason, reference string) (domain.StockEntry, *domain.ProductVariant, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.adjust_stock", trace.WithAttributes(
		attribute.String("variant.id", variantID),
		attribute.Int("stock.delta", delta),
		attribute.String("stock.reason", string(reason)),
	))
	defer span.End()

	entry, err := domain.NewStockEntry(variantID, delta, reason, reference)
	if err != nil {
		endSpan(span, err)
		return domain.StockEntry{}, nil, err
	}

	var updated *domain.ProductVariant
	err = l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		variant, err := uow.Variants().GetForUpdate(ctx, variantID)
		if err != nil {
			return err
		}
		if _, err := variant.ApplyStockDelta(delta); err != nil {
			return err
		}
		if err := uow.StockEntries().Append(ctx, entry); err != nil {
			return fmt.Errorf("append stock entry: %w", err)
		}
		if err := uow.Variants().Update(ctx, variant); err != nil {
			return fmt.Errorf("update variant stock: %w", err)
		}
		if err := enqueueStockEvent(ctx, uow, entry, variant.StockQuantity); err != nil {
			return err
		}
		updated = variant
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			l.metrics.RecordRejected()
		}
		l.logger.WithError(err).WithFields(log.Fields{
			"variant_id": variantID,
			"delta":      delta,
			"reason":     reason,
		}).Warn("stock adjustment rejected")
		endSpan(span, err)
		return domain.StockEntry{}, nil, err
	}

	l.metrics.RecordAdjustment(string(reason))
	l.invalidate(ctx, variantID)
	span.SetAttributes(attribute.Int("stock.quantity", updated.StockQuantity))

	l.logger.WithFields(log.Fields{
		"variant_id": variantID,
		"delta":      delta,
		"reason":     reason,
		"reference":  reference,
		"quantity":   updated.StockQuantity,
	}).Debug("stock adjusted")
	return entry, updated, nil
}

// CurrentStock возвращает материализованный остаток. Одновременные промахи кэша
// схлопываются в одно чтение из хранилища.
func (l *Ledger) CurrentStock(ctx context.Context, variantID string) (int, error) {
	if strings.TrimSpace(variantID) == "" {
		return 0, domain.ErrVariantIDRequired
	}
	ctx, span := l.tracer.Start(ctx, "inventory.current_stock", trace.WithAttributes(
		attribute.String("variant.id", variantID),
	))
	defer span.End()

	if l.cache != nil {
		qty, ok, err := l.cache.Get(ctx, variantID)
		switch {
		case err != nil:
			l.metrics.RecordCacheLookup("error")
			l.logger.WithError(err).WithField("variant_id", variantID).Warn("stock cache lookup failed")
		case ok:
			l.metrics.RecordCacheLookup("hit")
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return qty, nil
		default:
			l.metrics.RecordCacheLookup("miss")
		}
	}

	v, err, _ := l.group.Do(variantID, func() (interface{}, error) {
		variant, err := l.load(ctx, variantID)
		if err != nil {
			return 0, err
		}
		if l.cache != nil {
			if err := l.cache.Set(ctx, variantID, variant.StockQuantity); err != nil {
				l.logger.WithError(err).WithField("variant_id", variantID).Warn("stock cache fill failed")
			}
		}
		return variant.StockQuantity, nil
	})
	if err != nil {
		endSpan(span, err)
		return 0, err
	}
	return v.(int), nil
}

// RecomputeStock сворачивает весь журнал варианта.
func (l *Ledger) RecomputeStock(ctx context.Context, variantID string) (int, error) {
	if strings.TrimSpace(variantID) == "" {
		return 0, domain.ErrVariantIDRequired
	}
	var total int
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.Variants().Get(ctx, variantID); err != nil {
			return err
		}
		sum, err := uow.StockEntries().SumByVariant(ctx, variantID)
		if err != nil {
			return err
		}
		total = sum
		return nil
	})
	return total, err
}

// StockReport: результат сверки остатка с журналом.
type StockReport struct {
	VariantID    string
	Materialized int
	LedgerSum    int
}

// VerifyStock сверяет материализованный остаток с суммой журнала.
// При расхождении отчёт возвращается вместе с domain.ErrLedgerMismatch.
func (l *Ledger) VerifyStock(ctx context.Context, variantID string) (StockReport, error) {
	if strings.TrimSpace(variantID) == "" {
		return StockReport{}, domain.ErrVariantIDRequired
	}
	report := StockReport{VariantID: variantID}
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		variant, err := uow.Variants().Get(ctx, variantID)
		if err != nil {
			return err
		}
		sum, err := uow.StockEntries().SumByVariant(ctx, variantID)
		if err != nil {
			return err
		}
		report.Materialized = variant.StockQuantity
		report.LedgerSum = sum
		return nil
	})
	if err != nil {
		return StockReport{}, err
	}
	if report.Materialized != report.LedgerSum {
		l.metrics.RecordMismatch()
		l.logger.WithFields(log.Fields{
			"variant_id":   variantID,
			"materialized": report.Materialized,
			"ledger_sum":   report.LedgerSum,
		}).Error("stock ledger mismatch")
		return report, fmt.Errorf("%w: variant %s has %d, ledger sums to %d",
			domain.ErrLedgerMismatch, variantID, report.Materialized, report.LedgerSum)
	}
	return report, nil
}

// History возвращает последние limit записей журнала от старых к новым; limit <= 0: все.
func (l *Ledger) History(ctx context.Context, variantID string, limit int) ([]domain.StockEntry, error) {
	if strings.TrimSpace(variantID) == "" {
		return nil, domain.ErrVariantIDRequired
	}
	var entries []domain.StockEntry
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.Variants().Get(ctx, variantID); err != nil {
			return err
		}
		list, err := uow.StockEntries().ListByVariant(ctx, variantID, limit)
		if err != nil {
			return err
		}
		entries = list
		return nil
	})
	return entries, err
}

// RegisterVariant создаёт вариант с нулевым остатком и проводит начальный остаток
// записью Restock в той же транзакции.
func (l *Ledger) RegisterVariant(ctx context.Context, productID, name string, price decimal.Decimal, initialStock int, attrs []AttributeInput) (*domain.ProductVariant, error) {
	if initialStock < 0 {
		return nil, domain.ErrInitialStockNegative
	}
	variant, err := domain.NewProductVariant(productID, name, price)
	if err != nil {
		return nil, err
	}
	for _, a := range attrs {
		if _, err := variant.AddAttributeValue(a.CategoryAttributeID, a.Value); err != nil {
			return nil, err
		}
	}

	err = l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if err := uow.Variants().Create(ctx, variant); err != nil {
			return fmt.Errorf("create variant: %w", err)
		}
		if initialStock == 0 {
			return nil
		}
		entry, err := domain.NewStockEntry(variant.ID, initialStock, domain.StockReasonRestock, "initial")
		if err != nil {
			return err
		}
		if _, err := variant.ApplyStockDelta(initialStock); err != nil {
			return err
		}
		if err := uow.StockEntries().Append(ctx, entry); err != nil {
			return fmt.Errorf("append initial stock: %w", err)
		}
		if err := uow.Variants().Update(ctx, variant); err != nil {
			return fmt.Errorf("update variant stock: %w", err)
		}
		return enqueueStockEvent(ctx, uow, entry, variant.StockQuantity)
	})
	if err != nil {
		return nil, err
	}

	if initialStock > 0 {
		l.metrics.RecordAdjustment(string(domain.StockReasonRestock))
	}
	l.logger.WithFields(log.Fields{
		"variant_id": variant.ID,
		"product_id": productID,
		"stock":      initialStock,
	}).Info("variant registered")
	return variant, nil
}

// UpdatePrice меняет текущую цену варианта. Оформленные заказы не затрагиваются.
func (l *Ledger) UpdatePrice(ctx context.Context, variantID string, price decimal.Decimal) (*domain.ProductVariant, error) {
	if strings.TrimSpace(variantID) == "" {
		return nil, domain.ErrVariantIDRequired
	}
	var updated *domain.ProductVariant
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		variant, err := uow.Variants().GetForUpdate(ctx, variantID)
		if err != nil {
			return err
		}
		if err := variant.UpdatePrice(price); err != nil {
			return err
		}
		if err := uow.Variants().Update(ctx, variant); err != nil {
			return err
		}
		updated = variant
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Variant возвращает вариант по идентификатору.
func (l *Ledger) Variant(ctx context.Context, variantID string) (*domain.ProductVariant, error) {
	if strings.TrimSpace(variantID) == "" {
		return nil, domain.ErrVariantIDRequired
	}
	return l.load(ctx, variantID)
}

func (l *Ledger) load(ctx context.Context, variantID string) (*domain.ProductVariant, error) {
	var variant *domain.ProductVariant
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		v, err := uow.Variants().Get(ctx, variantID)
		if err != nil {
			return err
		}
		variant = v
		return nil
	})
	return variant, err
}

func (l *Ledger) invalidate(ctx context.Context, variantID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, variantID); err != nil {
		l.logger.WithError(err).WithField("variant_id", variantID).Warn("stock cache invalidation failed")
	}
}

func enqueueStockEvent(ctx context.Context, uow domain.UnitOfWork, entry domain.StockEntry, quantity int) error {
	payload, err := json.Marshal(map[string]interface{}{
		"variant_id": entry.VariantID,
		"delta":      entry.Delta,
		"reason":     entry.Reason,
		"reference":  entry.Reference,
		"quantity":   quantity,
		"ts":         entry.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}
	_, err = uow.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateVariant,
		AggregateID:   entry.VariantID,
		EventType:     domain.EventStockAdjusted,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue stock event: %w", err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
