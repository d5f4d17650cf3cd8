// Package projector keeps a store in step with the transaction event stream.
package projector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxRetries bounds the retries of a single projection write.
const DefaultMaxRetries uint64 = 5

const commitTimeout = 5 * time.Second

// Stream is the event source the projector consumes.
type Stream interface {
	NextEvent(ctx context.Context) (*client.TransactionEvent, error)
	Commit(ctx context.Context) error
}

// Store applies events. applied is false when the stored row is newer.
type Store interface {
	ApplyEvent(ctx context.Context, event *client.TransactionEvent) (applied bool, err error)
}

// Metrics records projection writes.
type Metrics interface {
	RecordProjectionWrite(outcome string, duration float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordProjectionWrite(string, float64) {}

// Stats counts what a projector did with the events it consumed.
type Stats struct {
	Applied int64
	Stale   int64
	Skipped int64
	Commits int64
}

// Option configures a Projector.
type Option func(*Projector)

// WithCommitEvery commits after every n handled events.
func WithCommitEvery(n int) Option {
	return func(p *Projector) {
		if n > 0 {
			p.commitEvery = n
		}
	}
}

// WithMaxRetries bounds the retries of a failing write.
func WithMaxRetries(n uint64) Option {
	return func(p *Projector) { p.maxRetries = n }
}

// WithBackOff sets the retry schedule of failing writes.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(p *Projector) {
		if newBackOff != nil {
			p.newBackOff = newBackOff
		}
	}
}

// WithMetrics sets the recorder for projection writes.
func WithMetrics(m Metrics) Option {
	return func(p *Projector) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Projector applies every transaction event to a Store and commits the
// stream only after the events were written, so a crash replays at most the
// uncommitted tail.
type Projector struct {
	stream  Stream
	store   Store
	logger  *slog.Logger
	metrics Metrics

	commitEvery int
	maxRetries  uint64
	newBackOff  func() backoff.BackOff

	applied atomic.Int64
	stale   atomic.Int64
	skipped atomic.Int64
	commits atomic.Int64
}

// New creates a Projector. A nil logger discards.
func New(stream Stream, store Store, logger *slog.Logger, opts ...Option) *Projector {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	p := &Projector{
		stream:      stream,
		store:       store,
		logger:      logger,
		metrics:     nopMetrics{},
		commitEvery: 1,
		maxRetries:  DefaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 200 * time.Millisecond
			eb.MaxInterval = 5 * time.Second
			eb.MaxElapsedTime = time.Minute
			return eb
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns the counters so far.
func (p *Projector) Stats() Stats {
	return Stats{
		Applied: p.applied.Load(),
		Stale:   p.stale.Load(),
		Skipped: p.skipped.Load(),
		Commits: p.commits.Load(),
	}
}

// Run consumes events until ctx is cancelled, then commits what was handled
// and returns nil. A write interrupted by cancellation is not committed. It
// returns an error when a write keeps failing, leaving the failed event
// uncommitted, or when the stream is closed.
func (p *Projector) Run(ctx context.Context) error {
	uncommitted := 0

	for {
		event, err := p.stream.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return p.flush(ctx, uncommitted)
			}
			return fmt.Errorf("failed to read event: %w", err)
		}

		if err := p.handle(ctx, event); err != nil {
			// Committing now would also commit the event that was not
			// written; leave the tail to be redelivered.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		uncommitted++
		if uncommitted >= p.commitEvery {
			if err := p.commit(ctx); err != nil {
				if ctx.Err() != nil {
					return p.flush(ctx, uncommitted)
				}
				return err
			}
			uncommitted = 0
		}
	}
}

func (p *Projector) handle(ctx context.Context, event *client.TransactionEvent) error {
	if event == nil || event.Type == client.TransactionEventUnknown || event.Transaction == nil {
		p.skipped.Add(1)
		p.metrics.RecordProjectionWrite("skipped", 0)
		if event != nil {
			p.logger.Warn("skipping undecodable event", "event_id", event.EventID)
		}
		return nil
	}

	logger := p.logger.With(
		"event_id", event.EventID,
		"transaction_id", event.Transaction.ID,
		"change_id", event.ChangeID,
	)

	start := time.Now()
	var applied bool
	operation := func() error {
		var err error
		applied, err = p.store.ApplyEvent(ctx, event)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("projection write failed, retrying", "error", err, "backoff", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.maxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		p.metrics.RecordProjectionWrite("error", time.Since(start).Seconds())
		logger.Error("projection write failed", "error", err)
		return fmt.Errorf("failed to project event %s: %w", event.EventID, err)
	}

	outcome := "applied"
	if applied {
		p.applied.Add(1)
	} else {
		outcome = "stale"
		p.stale.Add(1)
	}
	p.metrics.RecordProjectionWrite(outcome, time.Since(start).Seconds())
	logger.Debug("projected event", "outcome", outcome, "type", event.Type)
	return nil
}

func (p *Projector) commit(ctx context.Context) error {
	if err := p.stream.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	p.commits.Add(1)
	return nil
}

// flush commits handled events after ctx is done.
func (p *Projector) flush(ctx context.Context, uncommitted int) error {
	if uncommitted == 0 {
		return nil
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := p.commit(commitCtx); err != nil && !errors.Is(err, client.ErrStreamClosed) {
		p.logger.Error("final commit failed", "error", err)
		return err
	}
	p.logger.Info("committed on shutdown", "events", uncommitted)
	return nil
}
