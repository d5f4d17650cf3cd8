package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the JetStream stream holding Vault events.
	StreamName = "VAULT_EVENTS"

	// StreamSubjects is the subject pattern for the stream. Topics are used
	// as subjects unchanged.
	StreamSubjects = "vault.>"

	// StreamRetention is how long messages are retained (7 days by default).
	StreamRetention = 7 * 24 * time.Hour
)

// Metrics records published messages.
type Metrics interface {
	RecordProducerMessage(backend, topic string, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordProducerMessage(string, string, error) {}

// Publisher is a client.MessageProducer that publishes to JetStream and
// waits for the stream's acknowledgement.
type Publisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics Metrics
}

// connect dials NATS and opens a JetStream context with the stream in place.
func connect(natsURL, name string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := ensureStream(js, logger); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}
	return nc, js, nil
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	nc, js, err := connect(natsURL, "vault-publisher", logger)
	if err != nil {
		return nil, err
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return &Publisher{
		nc:      nc,
		js:      js,
		logger:  logger,
		metrics: nopMetrics{},
	}, nil
}

// WithMetrics sets the recorder for published messages.
func (p *Publisher) WithMetrics(m Metrics) *Publisher {
	if m != nil {
		p.metrics = m
	}
	return p
}

// ensureStream creates the JetStream stream if it doesn't exist.
func ensureStream(js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Vault ledger events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// Send publishes data on the subject named by topic.
func (p *Publisher) Send(ctx context.Context, topic string, data []byte) error {
	if !strings.HasPrefix(topic, "vault.") {
		return fmt.Errorf("topic %q is not covered by stream %s", topic, StreamName)
	}

	ack, err := p.js.Publish(ctx, topic, data)
	p.metrics.RecordProducerMessage("nats", topic, err)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.Debug("published message",
		"subject", topic,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
