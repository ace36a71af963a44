package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type cartItemReq struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

func (s *Server) getCart(c *gin.Context) {
	cart, err := s.svc.Checkout.GetCart(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCartDTO(cart))
}

// addCartItem суммирует количество с уже лежащим в корзине.
func (s *Server) addCartItem(c *gin.Context) {
	var req cartItemReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	cart, err := s.svc.Checkout.AddToCart(c.Request.Context(), c.Param("userId"), req.VariantID, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCartDTO(cart))
}

// setCartItem задаёт точное количество; 0 удаляет строку.
func (s *Server) setCartItem(c *gin.Context) {
	var req cartItemReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	cart, err := s.svc.Checkout.SetCartItem(c.Request.Context(), c.Param("userId"), req.VariantID, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCartDTO(cart))
}

func (s *Server) removeCartItem(c *gin.Context) {
	cart, err := s.svc.Checkout.RemoveCartItem(c.Request.Context(), c.Param("userId"), c.Param("variantId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCartDTO(cart))
}

type checkoutReq struct {
	UserID    string `json:"user_id"`
	AddressID string `json:"address_id"`
}

func (s *Server) checkout(c *gin.Context) {
	var req checkoutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	order, err := s.svc.Checkout.Checkout(c.Request.Context(), req.UserID, req.AddressID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderDTO(order))
}
