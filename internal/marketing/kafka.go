package marketing

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaTracker.
type KafkaConfig struct {
	// Brokers is a comma-separated broker list.
	Brokers string
	Topic   string
	Timeout time.Duration
}

// KafkaTracker publishes events to a Kafka topic keyed by purchase id.
type KafkaTracker struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaTracker creates a KafkaTracker.
func NewKafkaTracker(cfg KafkaConfig) *KafkaTracker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.Timeout,
	}
	return &KafkaTracker{writer: w, timeout: cfg.Timeout}
}

// Track implements Tracker.
func (t *KafkaTracker) Track(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(e.PurchaseID),
		Value: e.Encode(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
		Time: e.OccurredAt,
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s", e.Type)
	}
	return nil
}

// Close flushes and closes the writer.
func (t *KafkaTracker) Close() error {
	return t.writer.Close()
}
