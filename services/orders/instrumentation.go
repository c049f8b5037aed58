package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "orders-service"

// startOrderSpan creates a span for an operation on a single order
func startOrderSpan(ctx context.Context, operationName string, orderID string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "orders."+operationName)

	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.operation", operationName),
		attribute.String("component", "order-processing"),
	)

	return ctx, span
}

// Metrics holds the business counters of the service
type Metrics struct {
	sagaOutcomes  metric.Int64Counter
	restorations  metric.Int64Counter
	ordersCreated metric.Int64Counter
}

// NewMetrics registers the counters on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sagaOutcomes, err := meter.Int64Counter("orders.saga.outcomes",
		metric.WithDescription("Terminal outcomes of order processing runs"))
	if err != nil {
		return nil, err
	}

	restorations, err := meter.Int64Counter("orders.stock.restorations",
		metric.WithDescription("Compensating stock restorations"))
	if err != nil {
		return nil, err
	}

	ordersCreated, err := meter.Int64Counter("orders.created",
		metric.WithDescription("Orders persisted by the creation flow"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sagaOutcomes:  sagaOutcomes,
		restorations:  restorations,
		ordersCreated: ordersCreated,
	}, nil
}

// SagaFinished counts one processing run by outcome
func (m *Metrics) SagaFinished(ctx context.Context, outcome Outcome) {
	if m == nil {
		return
	}
	m.sagaOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// StockRestored counts one compensation attempt
func (m *Metrics) StockRestored(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.restorations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// OrderCreated counts one persisted order
func (m *Metrics) OrderCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.ordersCreated.Add(ctx, 1)
}
