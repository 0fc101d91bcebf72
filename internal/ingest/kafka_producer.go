// Package ingest publishes provider position reports and request change
// events to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-assist/internal/models"
)

const publishTimeout = 2 * time.Second

// ProviderLocation is the message the consumer applies to the directory.
type ProviderLocation struct {
	Provider   models.Provider `json:"provider"`
	ReportedAt time.Time       `json:"reported_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
	logger    *slog.Logger
}

// NewKafkaProducer writes locations and events to separate topics. Both are
// keyed so one provider or request always lands on the same partition.
func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		}
	}
	logger = logger.With("component", "ingest")
	events := newWriter(eventsTopic)
	events.Async = true
	events.Completion = func(msgs []kafka.Message, err error) {
		if err != nil {
			logger.Warn("change events not delivered", "count", len(msgs), "error", err)
		}
	}
	return &KafkaProducer{
		locations: newWriter(locationsTopic),
		events:    events,
		logger:    logger,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(ProviderLocation{Provider: p, ReportedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(p.ID), Value: b})
}

// OnChange publishes the event keyed by request id. The events writer is
// asynchronous so this never holds up the engine; failures are only logged.
func (k *KafkaProducer) OnChange(ctx context.Context, ev models.ChangeEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("encode change event", "request_id", ev.RequestID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "status", Value: []byte(ev.To)}},
	}
	if err := k.events.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("publish change event failed", "request_id", ev.RequestID, "to", ev.To, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
