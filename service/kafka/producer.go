package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Shopify/sarama"
)

// MaxMessageBytes is the largest message the producer accepts.
const MaxMessageBytes = 4 << 20

// Metrics records produced messages.
type Metrics interface {
	RecordProducerMessage(backend, topic string, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordProducerMessage(string, string, error) {}

// ProducerOption adjusts the sarama producer configuration.
type ProducerOption func(*sarama.Config)

// WithProducerClientID sets the client id reported to the brokers.
func WithProducerClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// NewSaramaProducerConfig builds a configuration for a producer that waits for
// every in-sync replica before a send returns.
func NewSaramaProducerConfig(opts ...ProducerOption) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.MaxMessageBytes = MaxMessageBytes
	sc.Producer.Timeout = 5 * time.Second
	sc.Net.DialTimeout = 5 * time.Second
	sc.Net.ReadTimeout = 5 * time.Second
	sc.Net.WriteTimeout = 5 * time.Second

	for _, opt := range opts {
		opt(sc)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return sc, nil
}

// Producer is a client.MessageProducer over a sarama sync producer.
type Producer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  Metrics
}

// NewProducer connects a sync producer to brokers.
func NewProducer(brokers []string, logger *slog.Logger, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers given")
	}
	sc, err := NewSaramaProducerConfig(opts...)
	if err != nil {
		return nil, err
	}
	sp, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewProducerFromSync(sp, logger), nil
}

// NewProducerFromSync wraps an existing sync producer.
func NewProducerFromSync(sp sarama.SyncProducer, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Producer{producer: sp, logger: logger, metrics: nopMetrics{}}
}

// WithMetrics sets the recorder for produced messages.
func (p *Producer) WithMetrics(m Metrics) *Producer {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Send writes data to topic and returns once the brokers acknowledged it.
func (p *Producer) Send(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
	})
	p.metrics.RecordProducerMessage("kafka", topic, err)
	if err != nil {
		p.logger.Error("failed to produce message", "topic", topic, "error", err)
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	p.logger.Debug("produced message", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
