package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// Forwarder mirrors published events to a secondary transport, typically
// for warehouse ingestion. Forward runs asynchronously after each publish;
// a forward failure never affects the publish result.
type Forwarder interface {
	Forward(ctx context.Context, ev *InvocationEvent) error
	Close() error
}

// KafkaForwarder implements Forwarder over a Kafka topic.
type KafkaForwarder struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
	retryDelay time.Duration
}

// NewKafkaForwarder creates a Kafka forwarder.
func NewKafkaForwarder(brokers []string, topic string, opts ...KafkaOption) (*KafkaForwarder, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	f := &KafkaForwarder{
		topic:      topic,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	f.producer = producer
	return f, nil
}

// KafkaOption configures KafkaForwarder.
type KafkaOption func(*KafkaForwarder)

// WithKafkaRetries sets the number of retries.
func WithKafkaRetries(n int) KafkaOption {
	return func(f *KafkaForwarder) { f.maxRetries = n }
}

// WithKafkaRetryDelay sets the initial retry delay.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(f *KafkaForwarder) { f.retryDelay = d }
}

// Forward sends one event to Kafka with retry logic. Events are keyed by
// project so a project's invocations land on one partition, in order.
func (f *KafkaForwarder) Forward(ctx context.Context, ev *InvocationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(ev.ProjectID),
		Value: sarama.ByteEncoder(data),
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryDelay
	b.MaxElapsedTime = time.Duration(f.maxRetries) * f.retryDelay * 2
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		_, _, err := f.producer.SendMessage(msg)
		return err
	}, b)
}

// Close shuts down the producer.
func (f *KafkaForwarder) Close() error {
	return f.producer.Close()
}
