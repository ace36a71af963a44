package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/domain"
)

// StockAdjuster: часть журнала остатков, которую вызывают команды склада.
type StockAdjuster interface {
	AdjustStock(ctx context.Context, variantID string, delta int, reason domain.StockReason, reference string) (domain.StockEntry, *domain.ProductVariant, error)
}

// NewStockCommandHandler возвращает обработчик topic команд склада.
// Некорректные команды, неизвестные варианты и нехватка остатка не повторяются.
// Конфликты версий и ошибки хранилища повторяются consumer'ом.
func NewStockCommandHandler(ledger StockAdjuster, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "stock-command-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		cmd, reason, err := ParseStockCommand(message.Value)
		if err != nil {
			return Permanent(err)
		}

		entry, variant, err := ledger.AdjustStock(ctx, cmd.VariantID, cmd.Delta, reason, cmd.LedgerReference())
		if err != nil {
			if errors.Is(err, domain.ErrValidation) ||
				errors.Is(err, domain.ErrInsufficientStock) ||
				errors.Is(err, domain.ErrVariantNotFound) {
				return Permanent(err)
			}
			return err
		}

		logger.WithFields(log.Fields{
			"command_id": cmd.CommandID,
			"variant_id": cmd.VariantID,
			"delta":      entry.Delta,
			"reason":     entry.Reason,
			"stock":      variant.StockQuantity,
		}).Info("stock command applied")
		return nil
	}
}
