package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/metrics"
	"github.com/somenicecode/dayx/internal/service/orders"
)

const tracerName = "github.com/somenicecode/dayx/internal/service/checkout"

// StockLedger: часть журнала остатков, нужная оформлению.
type StockLedger interface {
	AdjustStock(ctx context.Context, variantID string, delta int, reason domain.StockReason, reference string) (domain.StockEntry, *domain.ProductVariant, error)
}

// Service превращает корзину пользователя в заказ.
type Service struct {
	tx      domain.TxManager
	ledger  StockLedger
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	tracer  trace.Tracer
}

// NewService создаёт сервис оформления. m может быть nil.
func NewService(tx domain.TxManager, ledger StockLedger, m *metrics.CheckoutMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	return &Service{
		tx:      tx,
		ledger:  ledger,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

type appliedLine struct {
	variantID string
	quantity  int
}

// Checkout оформляет корзину пользователя.
//
// Строки обрабатываются в порядке VariantID. Каждая строка списывается из журнала
// записью Sale по цене, прочитанной под блокировкой варианта. Если списание или
// сохранение заказа не удалось, уже списанные строки возвращаются записями
// Correction в обратном порядке, а вызывающий получает *domain.CheckoutFailedError.
func (s *Service) Checkout(ctx context.Context, userID, addressID string) (order *domain.Order, err error) {
	start := time.Now()
	s.metrics.RecordStarted()
	defer func() { s.metrics.RecordFinished(time.Since(start)) }()

	ctx, span := s.tracer.Start(ctx, "checkout", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	order, err = domain.NewOrder(userID, addressID)
	if err != nil {
		s.metrics.RecordFailed("validation")
		return nil, err
	}

	cart, err := s.loadCart(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyCart) {
			s.metrics.RecordFailed("empty_cart")
		} else {
			s.metrics.RecordFailed("storage")
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("cart.lines", len(cart.Items())))

	logger := s.logger.WithFields(log.Fields{"order_id": order.ID, "user_id": userID})
	reference := "order:" + order.ID

	applied := make([]appliedLine, 0, len(cart.Items()))
	for _, line := range cart.SortedItems() {
		_, variant, adjErr := s.ledger.AdjustStock(ctx, line.VariantID, -line.Quantity, domain.StockReasonSale, reference)
		if adjErr == nil {
			applied = append(applied, appliedLine{variantID: line.VariantID, quantity: line.Quantity})
			adjErr = addLine(order, line, variant)
		}
		if adjErr != nil {
			logger.WithError(adjErr).WithField("variant_id", line.VariantID).Warn("checkout line failed, compensating")
			if errors.Is(adjErr, domain.ErrInsufficientStock) {
				s.metrics.RecordFailed("stock")
			} else {
				s.metrics.RecordFailed("storage")
			}
			return nil, &domain.CheckoutFailedError{
				VariantID: line.VariantID,
				Err:       errors.Join(adjErr, s.compensate(ctx, logger, reference, applied)),
			}
		}
	}

	if err := s.persist(ctx, order, cart); err != nil {
		logger.WithError(err).Warn("order persistence failed, compensating")
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			s.metrics.RecordFailed("concurrent")
		} else {
			s.metrics.RecordFailed("storage")
		}
		return nil, &domain.CheckoutFailedError{
			Err: errors.Join(err, s.compensate(ctx, logger, reference, applied)),
		}
	}

	s.metrics.RecordCompleted()
	logger.WithFields(log.Fields{
		"items": order.ItemCount(),
		"total": order.Total().String(),
	}).Info("checkout completed")
	return order, nil
}

// addLine фиксирует позицию по цене, прочитанной при списании.
func addLine(order *domain.Order, line domain.CartItem, variant *domain.ProductVariant) error {
	item, err := domain.NewOrderItem(order.ID, line.VariantID, line.Quantity, variant.Price)
	if err != nil {
		return err
	}
	return order.AddItem(item)
}

func (s *Service) loadCart(ctx context.Context, userID string) (*domain.Cart, error) {
	var cart *domain.Cart
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		c, err := uow.Carts().GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		cart = c
		return nil
	})
	if errors.Is(err, domain.ErrCartNotFound) {
		return nil, domain.ErrEmptyCart
	}
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, domain.ErrEmptyCart
	}
	return cart, nil
}

// persist сохраняет заказ, вычитает оформленные строки из корзины и пишет
// OrderCreated одной транзакцией.
//
// Корзина перечитывается внутри транзакции. Если её не меняли после loadCart,
// она очищается; иначе из неё убираются только оформленные строки, а строки,
// добавленные во время оформления, остаются. Если оформленных строк в корзине
// уже нет (параллельное оформление той же корзины), возвращается
// ErrConcurrentUpdate и заказ не создаётся. Save корзины сверяет версию,
// поэтому гонка между чтением и записью тоже даёт ErrConcurrentUpdate.
func (s *Service) persist(ctx context.Context, order *domain.Order, snapshot *domain.Cart) error {
	if err := order.ValidateForCheckout(); err != nil {
		return err
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		cart, err := uow.Carts().GetByUser(ctx, snapshot.UserID)
		if errors.Is(err, domain.ErrCartNotFound) {
			return fmt.Errorf("reload cart: %w", domain.ErrConcurrentUpdate)
		}
		if err != nil {
			return fmt.Errorf("reload cart: %w", err)
		}
		if cart.ID != snapshot.ID {
			return fmt.Errorf("reload cart: %w", domain.ErrConcurrentUpdate)
		}
		if cart.Version == snapshot.Version {
			cart.Clear()
		} else if err := cart.Consume(snapshot.Items()); err != nil {
			return fmt.Errorf("consume cart lines: %w", err)
		}

		if err := uow.Orders().Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if err := uow.Carts().Save(ctx, cart); err != nil {
			return fmt.Errorf("save cart: %w", err)
		}
		return orders.AppendEvent(ctx, uow, order.ID, domain.EventOrderCreated, "", map[string]interface{}{
			"user_id": order.UserID,
			"status":  order.Status,
			"items":   order.ItemCount(),
			"total":   order.Total().String(),
		})
	})
}

// compensate возвращает списанные строки в обратном порядке.
// Ошибки не прерывают компенсацию остальных строк и возвращаются вместе.
func (s *Service) compensate(ctx context.Context, logger *log.Entry, reference string, applied []appliedLine) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		line := applied[i]
		_, _, err := s.ledger.AdjustStock(context.WithoutCancel(ctx), line.variantID, line.quantity, domain.StockReasonCorrection, reference)
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"variant_id": line.variantID,
				"quantity":   line.quantity,
			}).Error("checkout compensation failed")
			errs = append(errs, fmt.Errorf("compensate variant %s: %w", line.variantID, err))
			continue
		}
		s.metrics.RecordCompensation()
	}
	return errors.Join(errs...)
}
