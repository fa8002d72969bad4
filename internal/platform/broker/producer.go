// Package broker publishes domain events to Kafka.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer writes JSON events to a single topic. Writes are asynchronous: delivery
// failures are reported through the error logger and never reach the caller.
type Producer struct {
	l     *slog.Logger
	w     *kafka.Writer
	topic string
}

// NewProducer builds a Producer for the given brokers and topic.
func NewProducer(l *slog.Logger, brokers []string, topic string) *Producer {
	if l == nil {
		l = slog.Default()
	}
	l = l.WithGroup("kafka").With("topic", topic)

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		Logger:                 &infoLogger{l: l},
		ErrorLogger:            &errorLogger{l: l},
		AllowAutoTopicCreation: true,
	}

	return &Producer{l: l, w: w, topic: topic}
}

// Publish marshals the value and queues it under key.
func (p *Producer) Publish(ctx context.Context, key string, value any) error {
	if p == nil || p.w == nil {
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Topic: p.topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("broker: write message: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Producer) Close() {
	if p == nil || p.w == nil {
		return
	}
	if err := p.w.Close(); err != nil {
		p.l.Error("close kafka writer", slog.Any("error", err))
	}
}

type infoLogger struct {
	l *slog.Logger
}

func (i *infoLogger) Printf(format string, args ...any) {
	i.l.Debug(fmt.Sprintf(format, args...))
}

type errorLogger struct {
	l *slog.Logger
}

func (e *errorLogger) Printf(format string, args ...any) {
	e.l.Error(fmt.Sprintf(format, args...))
}
