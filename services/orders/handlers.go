package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OrderUseCaseInterface is what the HTTP layer needs from the use case
type OrderUseCaseInterface interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, skip, limit int) ([]*Order, error)
	ListUserOrders(ctx context.Context, userID string, skip, limit int) ([]*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (*Order, error)
	ProcessOrder(ctx context.Context, orderID string) ProcessResult
}

// UpdateStatusRequest is the body of a status change
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// OrderHandler holds the HTTP handlers
type OrderHandler struct {
	useCase OrderUseCaseInterface
	tracer  trace.Tracer
}

// NewOrderHandler creates a new instance of OrderHandler
func NewOrderHandler(useCase OrderUseCaseInterface, tracer trace.Tracer) *OrderHandler {
	return &OrderHandler{
		useCase: useCase,
		tracer:  tracer,
	}
}

// RegisterRoutes mounts the handlers on r
func (h *OrderHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	orders := r.Group("/api/orders")
	orders.POST("", h.CreateOrder)
	orders.GET("", h.ListOrders)
	orders.POST("/process", h.ProcessOrder)
	orders.GET("/user/:user_id", h.ListUserOrders)
	orders.GET("/:id", h.GetOrder)
	orders.PATCH("/:id/status", h.UpdateOrderStatus)
	orders.POST("/:id/cancel", h.CancelOrder)
}

// CreateOrder reserves stock and persists a pending order
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_order")
	defer span.End()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.Int("items", len(req.Items)),
	)

	order, err := h.useCase.CreateOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("order_id", order.ID))
	c.JSON(http.StatusCreated, order)
}

// GetOrder returns one order with its items
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.useCase.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListOrders pages through all orders
func (h *OrderHandler) ListOrders(c *gin.Context) {
	skip, limit, err := pageParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orders, err := h.useCase.ListOrders(c.Request.Context(), skip, limit)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orders)
}

// ListUserOrders pages through a buyer's orders
func (h *OrderHandler) ListUserOrders(c *gin.Context) {
	skip, limit, err := pageParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orders, err := h.useCase.ListUserOrders(c.Request.Context(), c.Param("user_id"), skip, limit)
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orders)
}

// UpdateOrderStatus applies a transition requested by an operator
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "update_order_status")
	defer span.End()

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := ParseOrderStatus(req.Status)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("order_id", c.Param("id")),
		attribute.String("status", string(status)),
	)

	order, err := h.useCase.UpdateOrderStatus(ctx, c.Param("id"), status)
	if err != nil {
		span.RecordError(err)
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder cancels a pending or processing order
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cancel_order")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", c.Param("id")))

	order, err := h.useCase.CancelOrder(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// ProcessOrder is the DTM message branch. Any well formed trigger is
// acknowledged with 200 because a run never needs to be retried by DTM;
// a malformed body is reported as a DTM failure so it is not redelivered.
func (h *OrderHandler) ProcessOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "process_order")
	defer span.End()

	var req ProcessOrderMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure, "error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("order_id", req.OrderID))

	result := h.useCase.ProcessOrder(ctx, req.OrderID)
	c.JSON(http.StatusOK, gin.H{
		"dtm_result": dtmcli.ResultSuccess,
		"order_id":   result.OrderID,
		"outcome":    result.Outcome,
		"status":     result.Status,
	})
}

// HealthCheck reports the service as alive
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "orders-service",
	})
}

func pageParams(c *gin.Context) (int, int, error) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		return 0, 0, fmt.Errorf("%w: skip must be a non-negative integer", ErrValidation)
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit < 0 {
		return 0, 0, fmt.Errorf("%w: limit must be a non-negative integer", ErrValidation)
	}

	return skip, limit, nil
}
