package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/somenicecode/dayx/internal/metrics"
	"github.com/somenicecode/dayx/internal/service/checkout"
	"github.com/somenicecode/dayx/internal/service/fulfillment"
	"github.com/somenicecode/dayx/internal/service/inventory"
	"github.com/somenicecode/dayx/internal/service/orders"
)

const tracerName = "github.com/somenicecode/dayx/internal/transport/httpapi"

// Services: прикладные сервисы, доступные через HTTP.
type Services struct {
	Ledger      *inventory.Ledger
	Orders      *orders.Manager
	Fulfillment *fulfillment.Service
	Checkout    *checkout.Service
}

// Server: HTTP API поверх сервисов.
type Server struct {
	engine  *gin.Engine
	svc     Services
	logger  *log.Entry
	metrics *metrics.HTTPMetrics
	tracer  trace.Tracer
}

// NewServer собирает gin engine и регистрирует маршруты. m и logger могут быть nil.
func NewServer(svc Services, m *metrics.HTTPMetrics, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	r := gin.New()
	s := &Server{engine: r, svc: svc, logger: logger, metrics: m, tracer: otel.Tracer(tracerName)}
	r.Use(gin.Recovery(), s.observe())
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1")
	{
		variants := v1.Group("/variants")
		variants.POST("", s.registerVariant)
		variants.GET(":id", s.getVariant)
		variants.PUT(":id/price", s.updatePrice)
		variants.GET(":id/stock", s.getStock)
		variants.GET(":id/stock/verify", s.verifyStock)
		variants.POST(":id/adjustments", s.adjustStock)
		variants.GET(":id/ledger", s.getLedger)

		carts := v1.Group("/carts")
		carts.GET(":userId", s.getCart)
		carts.POST(":userId/items", s.addCartItem)
		carts.PUT(":userId/items", s.setCartItem)
		carts.DELETE(":userId/items/:variantId", s.removeCartItem)

		v1.POST("/checkout", s.checkout)

		ord := v1.Group("/orders")
		ord.POST("", s.createOrder)
		ord.GET(":id", s.getOrder)
		ord.POST(":id/items", s.addOrderItem)
		ord.POST(":id/pay", s.transition(orders.ActionPay))
		ord.POST(":id/ship", s.transition(orders.ActionShip))
		ord.POST(":id/deliver", s.transition(orders.ActionDeliver))
		ord.POST(":id/cancel", s.transition(orders.ActionCancel))
		ord.GET(":id/timeline", s.getTimeline)
		ord.POST(":id/payment", s.createPayment)
		ord.POST(":id/shipment", s.createShipment)
		ord.POST(":id/settle", s.settleOrder)
		ord.POST(":id/dispatch", s.dispatchOrder)
		ord.POST(":id/complete", s.completeDelivery)

		v1.GET("/users/:userId/orders", s.listUserOrders)

		payments := v1.Group("/payments")
		payments.POST(":id/confirm", s.confirmPayment)
		payments.POST(":id/fail", s.failPayment)

		shipments := v1.Group("/shipments")
		shipments.POST(":id/ship", s.markShipped)
		shipments.POST(":id/deliver", s.markDelivered)

		methods := v1.Group("/delivery-methods")
		methods.POST("", s.registerDeliveryMethod)
		methods.GET("", s.listDeliveryMethods)
	}
}

// observe открывает span на запрос, пишет access-лог и метрики.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		ctx, span := s.tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
			))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}
		s.metrics.ObserveRequest(c.Request.Method, route, status, duration)

		entry := s.logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithError(c.Errors.Last())
		}
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Info("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
