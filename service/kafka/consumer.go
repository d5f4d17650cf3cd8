// Package kafka reads and writes Vault streams on Kafka through sarama.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/Shopify/sarama"
	"golang.org/x/sync/errgroup"
)

// Offset reset policies for groups without committed offsets.
const (
	OffsetResetLatest   = "latest"
	OffsetResetEarliest = "earliest"
)

const consumeRetryDelay = time.Second

// ErrClosed is returned by Poll and Commit after Close, and by Poll once the
// consumer group has been closed underneath the consumer.
var ErrClosed = fmt.Errorf("kafka consumer closed: %w", client.ErrSourceClosed)

// ErrNoSession is returned by Commit while the group is rebalancing.
var ErrNoSession = errors.New("kafka consumer has no active group session")

// ConsumerConfig describes a consumer group subscription.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	Topic       string
	OffsetReset string
	ClientID    string
}

// NewSaramaConsumerConfig builds the sarama configuration for a group that
// only commits offsets when told to.
func NewSaramaConsumerConfig(cfg ConsumerConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false

	switch cfg.OffsetReset {
	case "", OffsetResetLatest:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	case OffsetResetEarliest:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		return nil, fmt.Errorf("invalid offset reset %q: must be %q or %q", cfg.OffsetReset, OffsetResetLatest, OffsetResetEarliest)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return sc, nil
}

// consumerGroup is the part of sarama.ConsumerGroup the consumer drives.
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

// Consumer is a client.MessageSource over a sarama consumer group. Messages
// are handed over one at a time from the partition claims; offsets are only
// marked and committed in Commit.
type Consumer struct {
	cg      consumerGroup
	topic   string
	logger  *slog.Logger
	handler *groupHandler

	errs   chan error
	done   chan struct{}
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu      sync.Mutex
	pending []*sarama.ConsumerMessage

	closeOnce sync.Once
	closeErr  error
}

// NewConsumer joins the consumer group and starts consuming in the background.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers given")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no topic given to be consumed")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("no kafka consumer group given")
	}

	sc, err := NewSaramaConsumerConfig(cfg)
	if err != nil {
		return nil, err
	}

	cg, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return newConsumer(cg, cfg.Topic, logger.With("group_id", cfg.GroupID, "topic", cfg.Topic)), nil
}

func newConsumer(cg consumerGroup, topic string, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	c := &Consumer{
		cg:      cg,
		topic:   topic,
		logger:  logger,
		handler: newGroupHandler(logger),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
		eg:      eg,
	}

	eg.Go(func() error {
		for err := range cg.Errors() {
			c.logger.Error("consumer group error", "error", err)
			c.forward(err)
		}
		return nil
	})

	eg.Go(func() error {
		for {
			if err := cg.Consume(ctx, []string{topic}, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					c.forward(ErrClosed)
					return nil
				}
				c.logger.Warn("consume session ended with error", "error", err)
				c.forward(err)

				select {
				case <-ctx.Done():
				case <-time.After(consumeRetryDelay):
				}
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	})

	return c
}

// forward hands a background error to the next Poll without blocking.
func (c *Consumer) forward(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Poll waits up to timeout for the next message of any claimed partition.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-c.handler.messages:
		c.mu.Lock()
		c.pending = append(c.pending, msg)
		c.mu.Unlock()

		if msg.Value == nil {
			return []byte{}, nil
		}
		return msg.Value, nil
	case <-c.handler.eof:
		return nil, client.ErrPartitionEOF
	case err := <-c.errs:
		return nil, err
	case <-timer.C:
		return nil, nil
	}
}

// Commit marks every polled message and synchronously commits the group
// offsets.
func (c *Consumer) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}

	session := c.handler.currentSession()
	if session == nil {
		return ErrNoSession
	}
	for _, msg := range c.pending {
		session.MarkMessage(msg, "")
	}
	session.Commit()

	c.logger.Debug("committed offsets", "messages", len(c.pending))
	c.pending = nil
	return nil
}

// Close leaves the group without committing.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.closeErr = c.cg.Close()
		if err := c.eg.Wait(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// groupHandler bridges sarama's push-style claims to the pull-style Poll.
type groupHandler struct {
	logger   *slog.Logger
	messages chan *sarama.ConsumerMessage
	eof      chan struct{}

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
}

func newGroupHandler(logger *slog.Logger) *groupHandler {
	return &groupHandler{
		logger:   logger,
		messages: make(chan *sarama.ConsumerMessage),
		eof:      make(chan struct{}, 1),
	}
}

func (h *groupHandler) currentSession() sarama.ConsumerGroupSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Info("consumer group session started",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"claims", session.Claims(),
	)
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.logger.Info("consumer group session ended", "member_id", session.MemberID())
	h.mu.Lock()
	if h.session == session {
		h.session = nil
	}
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Debug("claimed partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"initial_offset", claim.InitialOffset(),
	)

	if off := claim.InitialOffset(); off >= 0 && off >= claim.HighWaterMarkOffset() {
		h.signalEOF()
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.messages <- msg:
			case <-session.Context().Done():
				return nil
			}
			if msg.Offset+1 >= claim.HighWaterMarkOffset() {
				h.signalEOF()
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) signalEOF() {
	select {
	case h.eof <- struct{}{}:
	default:
	}
}
