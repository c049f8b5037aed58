package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheusmosca/order-fulfillment/pkg/saga"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// CreateOrderItemRequest is one line of a new order
type CreateOrderItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CreateOrderRequest is the intent submitted by a buyer
type CreateOrderRequest struct {
	UserID          string                   `json:"user_id" binding:"required"`
	ShippingAddress string                   `json:"shipping_address" binding:"required"`
	BillingAddress  string                   `json:"billing_address" binding:"required"`
	Notes           *string                  `json:"notes"`
	Items           []CreateOrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// Validate rejects malformed intents before any remote call is made
func (r CreateOrderRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "user_id is required")
	}
	if strings.TrimSpace(r.ShippingAddress) == "" {
		problems = append(problems, "shipping_address is required")
	}
	if strings.TrimSpace(r.BillingAddress) == "" {
		problems = append(problems, "billing_address is required")
	}
	if len(r.Items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("items[%d].product_id is required", i))
		}
		if item.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d].quantity must be positive", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// OrderProcessor runs the processing saga for one order
type OrderProcessor interface {
	Process(ctx context.Context, orderID string) ProcessResult
}

// OrderUseCase holds the order business rules
type OrderUseCase struct {
	repository Repository
	catalog    Catalog
	stock      *StockKeeper
	publisher  Publisher
	processor  OrderProcessor
	logger     *zap.Logger
	metrics    *Metrics
}

// NewOrderUseCase creates a new OrderUseCase
func NewOrderUseCase(
	repository Repository,
	catalog Catalog,
	stock *StockKeeper,
	publisher Publisher,
	processor OrderProcessor,
	logger *zap.Logger,
	metrics *Metrics,
) *OrderUseCase {
	return &OrderUseCase{
		repository: repository,
		catalog:    catalog,
		stock:      stock,
		publisher:  publisher,
		processor:  processor,
		logger:     logger,
		metrics:    metrics,
	}
}

// CreateOrder snapshots the products, reserves their stock, persists a
// pending order and emits the processing message.
func (uc *OrderUseCase) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx, span := startOrderSpan(ctx, "create", "")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	uc.logger.Info("➡️ [CREATE ORDER]", zap.String("user_id", req.UserID), zap.Int("lines", len(req.Items)))

	items := make([]*OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		product, err := uc.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			if !errors.Is(err, ErrProductNotFound) && !errors.Is(err, ErrCatalogUnavailable) {
				err = fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
			}
			uc.logger.Error("❌ product lookup failed", zap.String("product_id", line.ProductID), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "product lookup failed")
			return nil, err
		}
		items = append(items, NewOrderItem(line.ProductID, product.Name, product.Price, line.Quantity))
	}

	order := NewOrder(req.UserID, req.ShippingAddress, req.BillingAddress, req.Notes, items)
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.total_amount", order.TotalAmount.StringFixed(2)),
	)

	// Reservations unwind if a later item is short or the order can't be stored
	creation := saga.New("create_order", uc.logger)
	for _, item := range items {
		creation.Add("reserve_stock:"+item.ProductID,
			func(ctx context.Context) error {
				return uc.stock.Reserve(ctx, item.ProductID, item.Quantity)
			},
			func(ctx context.Context) error {
				return uc.stock.Restore(ctx, item.ProductID, item.Quantity)
			},
		)
	}
	creation.Add("persist_order",
		func(ctx context.Context) error {
			return uc.repository.Create(ctx, order, items)
		},
		nil,
	)

	if err := creation.Run(ctx); err != nil {
		var stepErr *saga.StepError
		if errors.As(err, &stepErr) {
			err = stepErr.Err
		}
		uc.logger.Error("❌ failed to create order", zap.String("order_id", order.ID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "order creation failed")
		return nil, err
	}

	uc.metrics.OrderCreated(ctx)
	uc.logger.Info("✅ Order created",
		zap.String("order_id", order.ID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
	)

	if err := uc.publisher.PublishOrderCreated(ctx, order.ID); err != nil {
		// the order stays pending until the message is replayed
		uc.logger.Error("❌ failed to enqueue order processing", zap.String("order_id", order.ID), zap.Error(err))
	}

	return order, nil
}

// GetOrder returns an order with its items
func (uc *OrderUseCase) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return uc.repository.GetByID(ctx, orderID)
}

// ListOrders pages through all orders
func (uc *OrderUseCase) ListOrders(ctx context.Context, skip, limit int) ([]*Order, error) {
	return uc.repository.List(ctx, skip, limit)
}

// ListUserOrders pages through a buyer's orders
func (uc *OrderUseCase) ListUserOrders(ctx context.Context, userID string, skip, limit int) ([]*Order, error) {
	return uc.repository.ListByUser(ctx, userID, skip, limit)
}

// UpdateOrderStatus applies an operator requested transition
func (uc *OrderUseCase) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error) {
	ctx, span := startOrderSpan(ctx, "update_status", orderID)
	defer span.End()
	span.SetAttributes(attribute.String("order.status", string(status)))

	order, err := uc.repository.UpdateStatus(ctx, orderID, status)
	if err != nil {
		span.RecordError(err)
		uc.logger.Warn("❌ failed to update order status", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels a pending or processing order. Any other state yields
// ErrNotCancellable and the order is left untouched.
func (uc *OrderUseCase) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := startOrderSpan(ctx, "cancel", orderID)
	defer span.End()

	order, cancelled, err := uc.repository.Cancel(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !cancelled {
		err := fmt.Errorf("%w in its current state (%s)", ErrNotCancellable, order.Status)
		span.RecordError(err)
		return order, err
	}

	uc.logger.Info("♻️ Order cancelled", zap.String("order_id", orderID))
	return order, nil
}

// ProcessOrder runs the processing saga synchronously
func (uc *OrderUseCase) ProcessOrder(ctx context.Context, orderID string) ProcessResult {
	return uc.processor.Process(ctx, orderID)
}
