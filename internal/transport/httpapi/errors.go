package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/somenicecode/dayx/internal/domain"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	VariantID string `json:"variant_id,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// mapError переводит доменную ошибку в HTTP статус и тело ответа.
func mapError(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}

	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		resp.VariantID = stockErr.VariantID
		available := stockErr.Available
		resp.Available = &available
	}
	var checkoutErr *domain.CheckoutFailedError
	if errors.As(err, &checkoutErr) && checkoutErr.VariantID != "" {
		resp.VariantID = checkoutErr.VariantID
	}

	switch {
	case errors.Is(err, domain.ErrCheckoutFailed):
		resp.Kind = "checkout_failed"
		return http.StatusConflict, resp
	case errors.Is(err, domain.ErrValidation):
		resp.Kind = "validation"
		return http.StatusBadRequest, resp
	case errors.Is(err, domain.ErrEmptyCart):
		resp.Kind = "empty_cart"
		return http.StatusBadRequest, resp
	case domain.IsNotFound(err):
		resp.Kind = "not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, domain.ErrInsufficientStock):
		resp.Kind = "insufficient_stock"
		return http.StatusConflict, resp
	case errors.Is(err, domain.ErrInvalidState):
		resp.Kind = "invalid_state"
		return http.StatusConflict, resp
	case errors.Is(err, domain.ErrAlreadyExists):
		resp.Kind = "already_exists"
		return http.StatusConflict, resp
	case domain.IsConcurrentUpdate(err):
		resp.Kind = "concurrent_update"
		return http.StatusConflict, resp
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: "internal"}
	}
}

func writeError(c *gin.Context, err error) {
	status, resp := mapError(err)
	_ = c.Error(err)
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg, Kind: "validation"})
}
