package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheusmosca/order-fulfillment/pkg/saga"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome is the terminal classification of one processing run
type Outcome string

const (
	OutcomeNotFound   Outcome = "not_found"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeShipped    Outcome = "shipped"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeFailed     Outcome = "failed"
)

const stepMarkProcessing = "mark_processing"

// defaultRunTimeout bounds a processing run once it has started.
const defaultRunTimeout = 2 * time.Minute

// ProcessResult reports what a processing run did. Err is nil for
// not_found, skipped and shipped.
type ProcessResult struct {
	OrderID string      `json:"order_id"`
	Outcome Outcome     `json:"outcome"`
	Status  OrderStatus `json:"status,omitempty"`
	Step    string      `json:"step,omitempty"`
	Err     error       `json:"-"`
}

// OrderSaga drives a pending order to SHIPPED, or compensates its stock
// reservations when it can't.
type OrderSaga struct {
	repository Repository
	catalog    Catalog
	identity   Identity
	stock      *StockKeeper
	logger     *zap.Logger
	metrics    *Metrics
	runTimeout time.Duration
}

// NewOrderSaga creates a new OrderSaga
func NewOrderSaga(
	repository Repository,
	catalog Catalog,
	identity Identity,
	stock *StockKeeper,
	logger *zap.Logger,
	metrics *Metrics,
) *OrderSaga {
	return &OrderSaga{
		repository: repository,
		catalog:    catalog,
		identity:   identity,
		stock:      stock,
		logger:     logger,
		metrics:    metrics,
		runTimeout: defaultRunTimeout,
	}
}

// WithRunTimeout overrides how long one run may take. Values <= 0 are ignored.
func (p *OrderSaga) WithRunTimeout(d time.Duration) *OrderSaga {
	if d > 0 {
		p.runTimeout = d
	}
	return p
}

// Process runs the saga once for orderID. It never fails: every exit path
// is described by the returned result. A started run ignores the caller's
// cancellation so that a shutdown or a dropped request can't leave stock
// reserved on an order stuck in PROCESSING; it is bounded by the run timeout
// instead.
func (p *OrderSaga) Process(ctx context.Context, orderID string) (result ProcessResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.runTimeout)
	defer cancel()

	ctx, span := startOrderSpan(ctx, "process", orderID)
	defer span.End()

	result = ProcessResult{OrderID: orderID}
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("panic while processing order %s: %v", orderID, r)
		}
		p.finish(ctx, span, result)
	}()

	p.logger.Info("➡️ [PROCESS ORDER]", zap.String("order_id", orderID))

	order, err := p.repository.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			result.Outcome = OutcomeNotFound
			return result
		}
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	result.Status = order.Status
	if order.Status != OrderStatusPending {
		result.Outcome = OutcomeSkipped
		return result
	}

	cancelled := false
	run := p.build(order, &cancelled)

	err = run.Run(ctx)
	if err == nil {
		result.Outcome = OutcomeShipped
		result.Status = OrderStatusShipped
		return result
	}

	var stepErr *saga.StepError
	if errors.As(err, &stepErr) {
		result.Step = stepErr.Step
		result.Err = stepErr.Err
	} else {
		result.Err = err
	}

	switch {
	case errors.Is(err, ErrInsufficientStock) && cancelled:
		result.Outcome = OutcomeCancelled
		result.Status = OrderStatusCancelled
	case errors.Is(err, ErrStatusChanged):
		result.Outcome = OutcomeSuperseded
		result.Status = p.currentStatus(ctx, orderID)
	default:
		result.Outcome = OutcomeFailed
		result.Status = p.currentStatus(ctx, orderID)
	}
	return result
}

// build lays out the steps of one run. Each stock verification owns the
// restoration of its item's reservation.
func (p *OrderSaga) build(order *Order, cancelled *bool) *saga.Saga {
	run := saga.New("process_order", p.logger)

	run.Add(stepMarkProcessing, func(ctx context.Context) error {
		_, err := p.repository.UpdateStatus(ctx, order.ID, OrderStatusProcessing)
		return err
	}, nil)

	for _, item := range order.Items {
		run.Add("verify_stock:"+item.ProductID,
			func(ctx context.Context) error {
				return p.verifyStock(ctx, order.ID, item, cancelled)
			},
			func(ctx context.Context) error {
				return p.stock.Restore(ctx, item.ProductID, item.Quantity)
			},
		)
	}

	run.Add("verify_buyer", func(ctx context.Context) error {
		if err := p.identity.VerifyUser(ctx, order.UserID); err != nil {
			return fmt.Errorf("%w: %w", ErrIdentityVerification, err)
		}
		return nil
	}, nil)

	run.Add("confirm_processing", func(ctx context.Context) error {
		current, err := p.repository.GetByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Status != OrderStatusProcessing {
			return fmt.Errorf("%w: order %s is now %s", ErrStatusChanged, order.ID, current.Status)
		}
		return nil
	}, nil)

	run.Add("mark_shipped", func(ctx context.Context) error {
		_, err := p.repository.UpdateStatus(ctx, order.ID, OrderStatusShipped)
		return err
	}, nil)

	return run
}

// verifyStock re-reads the item's product. A shortfall cancels the order and
// aborts so that this item's reservation is released as well.
func (p *OrderSaga) verifyStock(ctx context.Context, orderID string, item *OrderItem, cancelled *bool) error {
	product, err := p.catalog.GetProduct(ctx, item.ProductID)
	if err != nil {
		return fmt.Errorf("%w: product %s: %w", ErrStockVerification, item.ProductID, err)
	}

	if product.Stock >= item.Quantity {
		return nil
	}

	shortfall := fmt.Errorf("%w for product %s: requested %d, available %d",
		ErrInsufficientStock, item.ProductID, item.Quantity, product.Stock)

	if _, err := p.repository.UpdateStatus(ctx, orderID, OrderStatusCancelled); err != nil {
		p.logger.Error("❌ failed to cancel short order", zap.String("order_id", orderID), zap.Error(err))
		return saga.Abort(fmt.Errorf("%w; cancel failed: %w", shortfall, err))
	}

	*cancelled = true
	return saga.Abort(shortfall)
}

func (p *OrderSaga) currentStatus(ctx context.Context, orderID string) OrderStatus {
	order, err := p.repository.GetByID(ctx, orderID)
	if err != nil {
		return ""
	}
	return order.Status
}

func (p *OrderSaga) finish(ctx context.Context, span trace.Span, result ProcessResult) {
	span.SetAttributes(attribute.String("order.outcome", string(result.Outcome)))
	p.metrics.SagaFinished(ctx, result.Outcome)

	fields := []zap.Field{
		zap.String("order_id", result.OrderID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", string(result.Status)),
	}
	if result.Step != "" {
		fields = append(fields, zap.String("step", result.Step))
	}

	switch result.Outcome {
	case OutcomeShipped:
		p.logger.Info("✅ Order shipped", fields...)
	case OutcomeNotFound, OutcomeSkipped:
		p.logger.Info("⏭️ Nothing to process", fields...)
	case OutcomeCancelled, OutcomeSuperseded:
		p.logger.Warn("♻️ Order not shipped, stock restored", append(fields, zap.Error(result.Err))...)
	default:
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "order processing failed")
		p.logger.Error("❌ Order processing failed", append(fields, zap.Error(result.Err))...)
	}
}
