package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MessageSource is a log-based message source bound to a consumer group.
//
// Poll blocks for at most timeout and returns the next payload, or (nil, nil)
// when nothing arrived. It returns ErrPartitionEOF when a partition has been
// drained for now. Commit durably records everything polled so far as
// consumed by the group. Nothing is committed implicitly.
type MessageSource interface {
	Poll(ctx context.Context, timeout time.Duration) ([]byte, error)
	Commit(ctx context.Context) error
	Close() error
}

// MessageProducer sends payloads to a topic. Send returns only once the
// message has been accepted by the broker.
type MessageProducer interface {
	Send(ctx context.Context, topic string, data []byte) error
	Close() error
}

// DefaultStreamPollTimeout is how long a single source poll blocks.
const DefaultStreamPollTimeout = time.Second

// Pauses between polls of a failing source.
const (
	DefaultSourceRetryInitial = 100 * time.Millisecond
	DefaultSourceRetryMax     = 10 * time.Second
)

// StreamOption configures a TransactionEventStream.
type StreamOption func(*TransactionEventStream)

// WithPollTimeout sets the per-poll timeout of the underlying source.
func WithPollTimeout(d time.Duration) StreamOption {
	return func(s *TransactionEventStream) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithSourceRetry sets the pause schedule used while the source keeps
// failing. It is reset after every successful poll. A schedule that returns
// backoff.Stop makes NextEvent return the last source error.
func WithSourceRetry(b backoff.BackOff) StreamOption {
	return func(s *TransactionEventStream) {
		if b != nil {
			s.retry = b
		}
	}
}

// WithStreamMetrics sets the recorder for consumed events and commits.
func WithStreamMetrics(m Metrics) StreamOption {
	return func(s *TransactionEventStream) {
		if m != nil {
			s.metrics = m
		}
	}
}

// TransactionEventStream turns messages from a MessageSource into typed
// transaction events. Delivery is at-least-once: the read position only
// advances when the caller commits.
//
// A stream belongs to one consumer. Run one stream per goroutine; do not
// share an instance between goroutines.
type TransactionEventStream struct {
	source      MessageSource
	logger      *slog.Logger
	metrics     Metrics
	pollTimeout time.Duration
	retry       backoff.BackOff

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewTransactionEventStream wraps source. A nil logger discards.
func NewTransactionEventStream(source MessageSource, logger *slog.Logger, opts ...StreamOption) *TransactionEventStream {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &TransactionEventStream{
		source:      source,
		logger:      logger,
		metrics:     nopMetrics{},
		pollTimeout: DefaultStreamPollTimeout,
		retry:       newSourceRetry(),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry.Reset()
	return s
}

func newSourceRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultSourceRetryInitial
	b.MaxInterval = DefaultSourceRetryMax
	b.MaxElapsedTime = 0
	return b
}

// NextEvent blocks until a message arrives and returns it decoded. Idle
// partitions are waited out. Other source errors are logged and retried after
// a growing pause. A source that reports ErrSourceClosed ends the stream with
// ErrStreamClosed, as do Close and ctx cancellation. An empty message yields
// (nil, nil). Undecodable messages yield an event of type
// TransactionEventUnknown.
func (s *TransactionEventStream) NextEvent(ctx context.Context) (*TransactionEvent, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrStreamClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := s.source.Poll(ctx, s.pollTimeout)
		switch {
		case err == nil && data == nil:
			s.retry.Reset()
			continue
		case errors.Is(err, ErrPartitionEOF):
			s.retry.Reset()
			s.logger.Debug("reached end of partition, waiting for new messages")
			continue
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			select {
			case <-s.closed:
				return nil, ErrStreamClosed
			default:
			}
			if errors.Is(err, ErrSourceClosed) {
				s.logger.Error("message source closed, stopping stream", "error", err)
				return nil, fmt.Errorf("%w: %w", ErrStreamClosed, err)
			}

			s.metrics.RecordStreamSourceError("poll")
			pause := s.retry.NextBackOff()
			if pause == backoff.Stop {
				s.logger.Error("failed to consume from topic, giving up", "error", err)
				return nil, fmt.Errorf("failed to consume from topic: %w", err)
			}
			s.logger.Error("failed to consume from topic, retrying", "error", err, "retry_in", pause)
			if err := s.pause(ctx, pause); err != nil {
				return nil, err
			}
			continue
		}

		s.retry.Reset()
		if len(data) == 0 {
			return nil, nil
		}

		s.logger.Debug("received message", "bytes", len(data))
		event := DecodeTransactionEvent(data)
		if event.Type == TransactionEventUnknown {
			s.logger.Warn("could not decode transaction event", "event_id", event.EventID, "payload", string(data))
		}
		s.metrics.RecordStreamEvent(string(event.Type))
		return event, nil
	}
}

// pause sleeps for d unless ctx ends or the stream is closed first.
func (s *TransactionEventStream) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrStreamClosed
	case <-timer.C:
		return nil
	}
}

// Commit records every message returned so far as consumed by the consumer
// group, so a restarted consumer resumes after them. Call it after the events
// have been processed.
func (s *TransactionEventStream) Commit(ctx context.Context) error {
	err := s.source.Commit(ctx)
	s.metrics.RecordStreamCommit(err)
	if err != nil {
		s.logger.Error("failed to commit offsets", "error", err)
		return err
	}
	s.logger.Debug("committed offsets")
	return nil
}

// Close unsubscribes and releases the source. Uncommitted messages will be
// delivered again to the group. Close is idempotent.
func (s *TransactionEventStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.source.Close()
	})
	return s.closeErr
}
