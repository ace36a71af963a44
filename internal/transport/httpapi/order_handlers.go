package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/somenicecode/dayx/internal/domain"
	"github.com/somenicecode/dayx/internal/service/orders"
)

type createOrderReq struct {
	UserID    string `json:"user_id"`
	AddressID string `json:"address_id"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	order, err := s.svc.Orders.Create(c.Request.Context(), req.UserID, req.AddressID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderDTO(order))
}

func (s *Server) getOrder(c *gin.Context) {
	view, err := s.svc.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderViewDTO(view))
}

type addOrderItemReq struct {
	VariantID string          `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (s *Server) addOrderItem(c *gin.Context) {
	var req addOrderItemReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	order, err := s.svc.Orders.AddItem(c.Request.Context(), c.Param("id"), req.VariantID, req.Quantity, req.UnitPrice)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderDTO(order))
}

type transitionReq struct {
	Reason string `json:"reason"`
}

// transition меняет статус только самого заказа. Тело необязательно.
func (s *Server) transition(action orders.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "invalid json")
				return
			}
		}
		order, err := s.svc.Orders.Transition(c.Request.Context(), c.Param("id"), action, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toOrderDTO(order))
	}
}

func (s *Server) getTimeline(c *gin.Context) {
	events, err := s.svc.Orders.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]timelineEventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEventDTO{Type: e.Type, Reason: e.Reason, Occurred: e.Occurred})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listUserOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	list, err := s.svc.Orders.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]orderDTO, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderDTO(o))
	}
	c.JSON(http.StatusOK, out)
}

type createPaymentReq struct {
	Provider string `json:"provider"`
}

func (s *Server) createPayment(c *gin.Context) {
	var req createPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, err := s.svc.Fulfillment.CreatePayment(c.Request.Context(), c.Param("id"), req.Provider)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPaymentDTO(p))
}

func (s *Server) confirmPayment(c *gin.Context) {
	s.paymentStep(c, s.svc.Fulfillment.ConfirmPayment)
}

func (s *Server) failPayment(c *gin.Context) {
	s.paymentStep(c, s.svc.Fulfillment.FailPayment)
}

func (s *Server) paymentStep(c *gin.Context, step func(ctx context.Context, id string) (*domain.Payment, error)) {
	p, err := step(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPaymentDTO(p))
}

type createShipmentReq struct {
	DeliveryMethodID string `json:"delivery_method_id"`
	TrackingNumber   string `json:"tracking_number"`
}

func (s *Server) createShipment(c *gin.Context) {
	var req createShipmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	sh, err := s.svc.Fulfillment.CreateShipment(c.Request.Context(), c.Param("id"), req.DeliveryMethodID, req.TrackingNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toShipmentDTO(sh))
}

func (s *Server) markShipped(c *gin.Context) {
	s.shipmentStep(c, s.svc.Fulfillment.MarkShipped)
}

func (s *Server) markDelivered(c *gin.Context) {
	s.shipmentStep(c, s.svc.Fulfillment.MarkDelivered)
}

func (s *Server) shipmentStep(c *gin.Context, step func(ctx context.Context, id string) (*domain.Shipment, error)) {
	sh, err := step(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toShipmentDTO(sh))
}

func (s *Server) settleOrder(c *gin.Context) {
	s.coupledStep(c, s.svc.Fulfillment.SettleOrder)
}

func (s *Server) dispatchOrder(c *gin.Context) {
	s.coupledStep(c, s.svc.Fulfillment.DispatchOrder)
}

func (s *Server) completeDelivery(c *gin.Context) {
	s.coupledStep(c, s.svc.Fulfillment.CompleteDelivery)
}

func (s *Server) coupledStep(c *gin.Context, step func(ctx context.Context, orderID string) (orders.View, error)) {
	view, err := step(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderViewDTO(view))
}

type deliveryMethodReq struct {
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	EstimatedTime string          `json:"estimated_time"`
}

func (s *Server) registerDeliveryMethod(c *gin.Context) {
	var req deliveryMethodReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	eta, err := time.ParseDuration(req.EstimatedTime)
	if err != nil {
		badRequest(c, "estimated_time must be a duration like 48h")
		return
	}
	m, err := s.svc.Fulfillment.RegisterDeliveryMethod(c.Request.Context(), req.Name, req.Price, eta)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDeliveryMethodDTO(m))
}

func (s *Server) listDeliveryMethods(c *gin.Context) {
	methods, err := s.svc.Fulfillment.DeliveryMethods(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]deliveryMethodDTO, 0, len(methods))
	for _, m := range methods {
		out = append(out, toDeliveryMethodDTO(m))
	}
	c.JSON(http.StatusOK, out)
}
