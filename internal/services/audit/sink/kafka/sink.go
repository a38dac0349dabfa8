// Package kafka publishes recorded audit logs to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/vernite/realtime/internal/platform/timeouts"
	"github.com/vernite/realtime/internal/services/audit"
)

// DefaultTopic receives audit logs when no topic is configured.
const DefaultTopic = "vernite.audit.logs"

// Producer is the subset of *kgo.Client used by the sink.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config configures the Kafka client.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	Linger   time.Duration
	// DeliveryTimeout bounds how long one record may wait for the broker,
	// retries included. Defaults to timeouts.Notify.
	DeliveryTimeout time.Duration
}

// Sink is an audit.Notifier writing one record per audit log, keyed by
// entity so that logs of one entity stay ordered within a partition.
type Sink struct {
	producer Producer
	topic    string
	timeout  time.Duration
}

// New connects a franz-go client for cfg.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	delivery := cfg.DeliveryTimeout
	if delivery <= 0 {
		delivery = timeouts.Notify
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(delivery),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	sink := NewWithProducer(client, topic)
	sink.timeout = delivery
	return sink, nil
}

// NewWithProducer builds a sink over an existing producer.
func NewWithProducer(producer Producer, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sink{producer: producer, topic: topic, timeout: timeouts.Notify}
}

// Notify publishes log and waits for the broker acknowledgement, giving up
// once the delivery timeout elapses.
func (s *Sink) Notify(ctx context.Context, log audit.Log) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(log.EntityType + "/" + log.EntityID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "change_key", Value: []byte(log.ChangeKey)},
			{Key: "action", Value: []byte(log.Action)},
		},
		Timestamp: log.RecordedAt,
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit log %s: %w", log.ID, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *Sink) Close() {
	s.producer.Close()
}
