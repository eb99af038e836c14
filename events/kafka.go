package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/freedomjs/radiatus-providers/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaPublisher publishes events to a Kafka topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	mu       sync.RWMutex
	closed   bool
}

// NewKafkaConfig returns the producer configuration used for event publishing.
func NewKafkaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, clientID, topic string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish sends event keyed by application so one application's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.App),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: event.At,
	}

	operation := func() error {
		_, _, err := p.producer.SendMessage(message)
		return err
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		metrics.EventPublishRetries.WithLabelValues(p.Type()).Inc()
		glog.Warningf("Retrying Kafka publish for %s: %v (next attempt in %s)", event.App, err, d)
	})
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Type() string { return "kafka" }
