// Package kafka carries the greenhouse wire traffic: device telemetry in,
// device commands out. The core never touches sockets; it sees decoded
// bytes handed over by this package.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields the core needs.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc processes a single inbound message.
type HandlerFunc func(ctx context.Context, msg Message)

// Consumer reads telemetry messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a consumer for the given topic and consumer group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.LastOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe reads messages in a loop until ctx is cancelled. Telemetry is
// one-way: a message the router rejects will be rejected again on
// re-delivery, so offsets are committed unconditionally. Replaying stale
// device state after a restart would only move the fleet backwards in time.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}

		// Continue any trace the producing side started.
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		handler(msgCtx, msg)

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
