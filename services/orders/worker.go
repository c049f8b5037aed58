package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader used by Worker
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer group member for the trigger topic
func NewKafkaReader(brokersCSV, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(brokersCSV),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Worker consumes trigger messages and runs one saga per message.
// Offsets are committed only after the run, so delivery is at-least-once.
type Worker struct {
	id        int
	reader    MessageReader
	processor OrderProcessor
	logger    *zap.Logger
}

// NewWorker creates a new Worker
func NewWorker(id int, reader MessageReader, processor OrderProcessor, logger *zap.Logger) *Worker {
	return &Worker{
		id:        id,
		reader:    reader,
		processor: processor,
		logger:    logger.With(zap.Int("worker", id)),
	}
}

// Start blocks until ctx is done or the reader fails for good
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("🚀 Worker started, waiting for messages...")
	defer w.logger.Info("Worker stopped")

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// reader closed
				return nil
			}
			return fmt.Errorf("worker %d: fetch message: %w", w.id, err)
		}

		w.handle(ctx, msg)

		// Use a detached context so a shutdown doesn't lose the commit of a finished run
		if err := w.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			w.logger.Error("❌ Failed to commit message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[header.Key] = string(header.Value)
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	w.logger.Info("📨 Trigger received",
		zap.ByteString("key", msg.Key),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	var trigger ProcessOrderMessage
	if err := json.Unmarshal(msg.Value, &trigger); err != nil || strings.TrimSpace(trigger.OrderID) == "" {
		// poison message: committing it keeps the partition moving
		w.logger.Error("❌ Invalid trigger message, skipping",
			zap.ByteString("raw_value", msg.Value),
			zap.Error(err),
		)
		return
	}

	w.processor.Process(msgCtx, trigger.OrderID)
}
