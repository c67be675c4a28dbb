package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Send(ctx context.Context, e Event) error {
	s.Logger.InfoContext(ctx, "event",
		"event_id", e.ID,
		"type", e.Type,
		"recipient", e.RecipientID,
		"data", e.Data,
	)
	return nil
}

// KafkaSink publishes events to one topic, keyed by recipient so a user's
// notifications stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink wraps an existing producer.
func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// NewSaramaConfig returns producer settings for at-least-once delivery.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "gigledger"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// DialKafka connects a synchronous producer to brokers.
func DialKafka(brokers []string, topic string) (*KafkaSink, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaSink(producer, topic), nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(_ context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.RecipientID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
			{Key: []byte("event_id"), Value: []byte(e.ID)},
		},
		Timestamp: time.Now(),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Close closes the underlying producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
