package orders

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brokage/brokage-api/internal/types"
	"github.com/brokage/brokage-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// decisionFromContext turns the authenticated identity set by the JWT
// middleware into an authorization decision for the service layer.
func decisionFromContext(c *gin.Context) types.Decision {
	return types.Decision{
		ActorID: c.GetString("customerID"),
		Role:    c.GetString("role"),
		Allowed: c.GetString("customerID") != "",
	}
}

// SubmitOrderHandler handles POST /api/v1/orders. Requires an
// Idempotency-Key header so client retries cannot duplicate orders.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		decision := decisionFromContext(c)
		if !decision.Allowed {
			response.Unauthorized(c, "Missing customer identity")
			return
		}

		var req SubmitOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		// Elevated actors may submit on behalf of a customer.
		customerID := decision.ActorID
		if decision.Elevated() && req.CustomerID != "" {
			customerID = req.CustomerID
		}

		order, err := h.service.Submit(req, customerID, idempotencyKey)
		if err != nil && order != nil && order.Status == types.StatusRejected {
			response.UnprocessableWithData(c, order, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles DELETE /api/v1/orders/:order_id.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.Cancel(orderID, decisionFromContext(c))
		response.Handle(c, order, err)
	}
}

// MatchOrderHandler handles POST /api/v1/admin/orders/:order_id/match.
func (h *GinHandlers) MatchOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		trade, err := h.service.Match(orderID, decisionFromContext(c))
		response.Handle(c, trade, err)
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID, decisionFromContext(c))
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET /api/v1/orders with optional status,
// from/to (RFC 3339) and paging query parameters.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{
			CustomerID: c.Query("customer_id"),
			Status:     types.OrderStatus(c.Query("status")),
			Page:       intQuery(c, "page", 0),
			PageSize:   intQuery(c, "page_size", 20),
		}

		if raw := c.Query("from"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid from timestamp")
				return
			}
			filter.From = t
		}
		if raw := c.Query("to"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "invalid to timestamp")
				return
			}
			filter.To = t
		}

		list, err := h.service.ListOrders(filter, decisionFromContext(c))
		response.Handle(c, list, err)
	}
}

func (h *GinHandlers) OrderTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		trades, err := h.service.TradesForOrder(orderID, decisionFromContext(c))
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.GetStats()
		response.Handle(c, stats, err)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
