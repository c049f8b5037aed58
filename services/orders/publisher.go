package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// ProcessOrderMessage is the trigger of one processing run. Only the id is
// trusted; the order is always re-read.
type ProcessOrderMessage struct {
	OrderID string `json:"order_id" binding:"required"`
}

// Publisher enqueues processing of a freshly created order
type Publisher interface {
	PublishOrderCreated(ctx context.Context, orderID string) error
}

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes trigger messages to a Kafka topic
type KafkaPublisher struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaWriter creates a writer keyed by order id so redeliveries of one
// order land on the same partition.
func NewKafkaWriter(brokersCSV, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaPublisher creates a new KafkaPublisher
func NewKafkaPublisher(writer MessageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger}
}

// PublishOrderCreated writes the trigger with the caller's trace context in
// the message headers.
func (p *KafkaPublisher) PublishOrderCreated(ctx context.Context, orderID string) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orders.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("messaging.system", "kafka"),
	)

	payload, err := json.Marshal(ProcessOrderMessage{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("failed to encode trigger for order %s: %w", orderID, err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, len(carrier))
	for key, value := range carrier {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	msg := kafka.Message{
		Key:     []byte(orderID),
		Value:   payload,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("failed to publish trigger for order %s: %w", orderID, err)
	}

	p.logger.Info("📤 Order processing enqueued", zap.String("order_id", orderID))
	return nil
}

// Close flushes and closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// DTMPublisher submits a DTM 2-phase message whose single branch calls the
// service's process endpoint. DTM retries the branch until it returns 200.
type DTMPublisher struct {
	server     string
	processURL string
	logger     *zap.Logger
}

// NewDTMPublisher creates a new DTMPublisher
func NewDTMPublisher(server, serviceURL string, logger *zap.Logger) *DTMPublisher {
	return &DTMPublisher{
		server:     server,
		processURL: strings.TrimRight(serviceURL, "/") + "/api/orders/process",
		logger:     logger,
	}
}

// PublishOrderCreated registers and submits the message
func (p *DTMPublisher) PublishOrderCreated(ctx context.Context, orderID string) (err error) {
	_, span := otel.Tracer(instrumentationName).Start(ctx, "orders.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("messaging.system", "dtm"),
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dtm unavailable while publishing order %s: %v", orderID, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic in MustGenGid due to unavailable dtm")
		}
	}()

	gid := dtmcli.MustGenGid(p.server)
	span.SetAttributes(attribute.String("dtm.gid", gid))

	msg := dtmcli.NewMsg(p.server, gid).
		Add(p.processURL, ProcessOrderMessage{OrderID: orderID})

	if err := msg.Submit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dtm submit failed")
		return fmt.Errorf("failed to submit dtm message for order %s: %w", orderID, err)
	}

	p.logger.Info("📤 Order processing enqueued", zap.String("order_id", orderID), zap.String("gid", gid))
	return nil
}

func splitBrokers(brokersCSV string) []string {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
