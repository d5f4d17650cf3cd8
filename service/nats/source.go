package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Offset reset policies for consumers without acknowledged messages.
const (
	OffsetResetLatest   = "latest"
	OffsetResetEarliest = "earliest"
)

// DefaultAckWait is how long JetStream waits for a commit before it
// redelivers a fetched message.
const DefaultAckWait = 5 * time.Minute

// ErrClosed is returned by Poll and Commit after Close, and by Poll once the
// NATS connection is closed for good.
var ErrClosed = fmt.Errorf("nats source closed: %w", client.ErrSourceClosed)

// SourceConfig describes a durable JetStream consumer.
type SourceConfig struct {
	GroupID     string
	Topic       string
	OffsetReset string
	AckWait     time.Duration
}

// fetcher is the part of jetstream.Consumer the source uses.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Source is a client.MessageSource over a durable JetStream pull consumer.
// The consumer group maps to the durable name, so members sharing a group
// share its messages. Fetched messages are acknowledged in Commit.
type Source struct {
	nc     *nats.Conn
	cons   fetcher
	logger *slog.Logger

	mu      sync.Mutex
	pending []jetstream.Msg
	drained bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewSource connects to NATS and binds a durable consumer for cfg.GroupID
// filtered to cfg.Topic.
func NewSource(natsURL string, cfg SourceConfig, logger *slog.Logger) (*Source, error) {
	if cfg.GroupID == "" {
		return nil, errors.New("no consumer group given")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no topic given to be consumed")
	}

	consumerCfg, err := newConsumerConfig(cfg)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	logger = logger.With("group_id", cfg.GroupID, "topic", cfg.Topic)

	nc, js, err := connect(natsURL, "vault-consumer", logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, consumerCfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	logger.Info("NATS consumer initialized", "url", natsURL, "durable", consumerCfg.Durable)

	s := newSource(cons, logger)
	s.nc = nc
	return s, nil
}

func newSource(cons fetcher, logger *slog.Logger) *Source {
	return &Source{
		cons:   cons,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func newConsumerConfig(cfg SourceConfig) (jetstream.ConsumerConfig, error) {
	name := DurableName(cfg.GroupID)
	c := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: cfg.Topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}

	switch cfg.OffsetReset {
	case "", OffsetResetLatest:
		c.DeliverPolicy = jetstream.DeliverNewPolicy
	case OffsetResetEarliest:
		c.DeliverPolicy = jetstream.DeliverAllPolicy
	default:
		return c, fmt.Errorf("invalid offset reset %q: must be %q or %q", cfg.OffsetReset, OffsetResetLatest, OffsetResetEarliest)
	}
	return c, nil
}

// DurableName maps a consumer group id to a valid durable consumer name.
func DurableName(groupID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, groupID)
}

// Poll fetches at most one message, waiting up to timeout.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.drained {
		s.drained = false
		s.mu.Unlock()
		return nil, client.ErrPartitionEOF
	}
	s.mu.Unlock()

	batch, err := s.cons.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	for msg := range batch.Messages() {
		s.mu.Lock()
		s.pending = append(s.pending, msg)
		if meta, err := msg.Metadata(); err == nil && meta.NumPending == 0 {
			s.drained = true
		}
		s.mu.Unlock()

		data := msg.Data()
		if data == nil {
			data = []byte{}
		}
		return data, nil
	}

	if err := batch.Error(); err != nil && !isTimeout(err) {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	return nil, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, jetstream.ErrNoMessages)
}

// Commit acknowledges every fetched message. Messages that fail to ack stay
// pending and are retried on the next Commit.
func (s *Source) Commit(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, msg := range s.pending {
		if err := ctx.Err(); err != nil {
			s.pending = s.pending[i:]
			return err
		}
		if err := msg.Ack(); err != nil {
			s.pending = s.pending[i:]
			return fmt.Errorf("failed to ack message: %w", err)
		}
	}
	if n := len(s.pending); n > 0 {
		s.logger.Debug("acknowledged messages", "messages", n)
	}
	s.pending = nil
	return nil
}

// Close negatively acknowledges every fetched message that was not committed,
// so JetStream redelivers them to the group right away, then drops the
// connection. Messages whose nak fails come back once their ack wait expires.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for _, msg := range s.pending {
			if err := msg.Nak(); err != nil {
				s.logger.Warn("failed to nak message on close", "error", err)
			}
		}
		if n := len(s.pending); n > 0 {
			s.logger.Debug("released uncommitted messages", "messages", n)
		}
		s.pending = nil
		s.mu.Unlock()

		if s.nc != nil {
			s.nc.Close()
		}
		s.logger.Info("NATS consumer closed")
	})
	return nil
}
