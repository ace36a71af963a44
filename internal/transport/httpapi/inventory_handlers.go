package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/service/inventory"
)

type registerVariantReq struct {
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	InitialStock int             `json:"initial_stock"`
	Attributes   []attributeDTO  `json:"attributes"`
}

func (s *Server) registerVariant(c *gin.Context) {
	var req registerVariantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	attrs := make([]inventory.AttributeInput, 0, len(req.Attributes))
	for _, a := range req.Attributes {
		attrs = append(attrs, inventory.AttributeInput{CategoryAttributeID: a.CategoryAttributeID, Value: a.Value})
	}
	v, err := s.svc.Ledger.RegisterVariant(c.Request.Context(), req.ProductID, req.Name, req.Price, req.InitialStock, attrs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVariantDTO(v))
}

func (s *Server) getVariant(c *gin.Context) {
	v, err := s.svc.Ledger.Variant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVariantDTO(v))
}

type updatePriceReq struct {
	Price decimal.Decimal `json:"price"`
}

func (s *Server) updatePrice(c *gin.Context) {
	var req updatePriceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	v, err := s.svc.Ledger.UpdatePrice(c.Request.Context(), c.Param("id"), req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVariantDTO(v))
}

func (s *Server) getStock(c *gin.Context) {
	id := c.Param("id")
	qty, err := s.svc.Ledger.CurrentStock(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"variant_id": id, "stock_quantity": qty})
}

func (s *Server) verifyStock(c *gin.Context) {
	report, err := s.svc.Ledger.VerifyStock(c.Request.Context(), c.Param("id"))
	body := gin.H{
		"variant_id":   report.VariantID,
		"materialized": report.Materialized,
		"ledger_sum":   report.LedgerSum,
		"consistent":   err == nil,
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, body)
	case report.VariantID != "":
		// Расхождение: отчёт есть, отдаём его вместе с ошибкой.
		body["error"] = err.Error()
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, body)
	default:
		writeError(c, err)
	}
}

type adjustStockReq struct {
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

func (s *Server) adjustStock(c *gin.Context) {
	var req adjustStockReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	reason, err := domain.ParseStockReason(req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	entry, v, err := s.svc.Ledger.AdjustStock(c.Request.Context(), c.Param("id"), req.Delta, reason, req.Reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"entry":   toStockEntryDTO(entry),
		"variant": toVariantDTO(v),
	})
}

func (s *Server) getLedger(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.svc.Ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]stockEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toStockEntryDTO(e))
	}
	c.JSON(http.StatusOK, out)
}
