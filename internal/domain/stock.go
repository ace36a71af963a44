package domain

import (
	"strings"
	"time"
)

// StockReason: закрытый набор причин изменения остатка.
type StockReason string

const (
	StockReasonPurchase   StockReason = "Purchase"
	StockReasonReturn     StockReason = "Return"
	StockReasonSale       StockReason = "Sale"
	StockReasonRestock    StockReason = "Restock"
	StockReasonCorrection StockReason = "Correction"
)

// Valid проверяет, что причина входит в закрытый набор.
func (r StockReason) Valid() bool {
	switch r {
	case StockReasonPurchase, StockReasonReturn, StockReasonSale, StockReasonRestock, StockReasonCorrection:
		return true
	default:
		return false
	}
}

// ParseStockReason разбирает причину без учёта регистра.
func ParseStockReason(raw string) (StockReason, error) {
	for _, r := range []StockReason{
		StockReasonPurchase, StockReasonReturn, StockReasonSale, StockReasonRestock, StockReasonCorrection,
	} {
		if strings.EqualFold(strings.TrimSpace(raw), string(r)) {
			return r, nil
		}
	}
	return "", ErrStockReasonInvalid
}

// StockEntry: запись журнала остатков. Создаётся один раз на каждое изменение,
// не обновляется и не удаляется.
type StockEntry struct {
	ID        string
	VariantID string
	Delta     int
	Reason    StockReason
	// Reference связывает запись с источником, например "order:<id>". Может быть пустым.
	Reference  string
	OccurredAt time.Time
}

// NewStockEntry создаёт запись журнала с проверкой полей.
func NewStockEntry(variantID string, delta int, reason StockReason, reference string) (StockEntry, error) {
	switch {
	case blank(variantID):
		return StockEntry{}, ErrVariantIDRequired
	case delta == 0:
		return StockEntry{}, ErrStockDeltaZero
	case !reason.Valid():
		return StockEntry{}, ErrStockReasonInvalid
	}

	return StockEntry{
		ID:         NewID(),
		VariantID:  variantID,
		Delta:      delta,
		Reason:     reason,
		Reference:  reference,
		OccurredAt: Now(),
	}, nil
}

// SumDeltas сворачивает журнал в остаток.
func SumDeltas(entries []StockEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Delta
	}
	return total
}
