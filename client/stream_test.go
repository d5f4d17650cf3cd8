package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollResult struct {
	data []byte
	err  error
}

// scriptedSource returns its results in order, then fails with failWith if
// set, or times out forever.
type scriptedSource struct {
	mu        sync.Mutex
	results   []pollResult
	failWith  error
	polls     int
	commits   int
	commitErr error
	closed    bool
}

func (s *scriptedSource) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	s.polls++
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		return r.data, r.err
	}
	failWith := s.failWith
	s.mu.Unlock()

	if failWith != nil {
		return nil, failWith
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *scriptedSource) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *scriptedSource) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return s.commitErr
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

const createdPayload = `{"event_id": "e1", "transaction_created": {"transaction": {"id": "t1"}}}`

func TestNextEvent_SkipsIdleAndErrors(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{data: nil, err: nil},
		{err: ErrPartitionEOF},
		{err: errors.New("broker transport failure")},
		{err: ErrPartitionEOF},
		{data: []byte(createdPayload)},
	}}
	m := &fakeMetrics{}
	stream := NewTransactionEventStream(source, nil,
		WithStreamMetrics(m),
		WithPollTimeout(time.Millisecond),
		WithSourceRetry(&backoff.ZeroBackOff{}),
	)

	event, err := stream.NextEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, TransactionEventCreated, event.Type)
	assert.Equal(t, "t1", event.Transaction.ID)

	assert.Equal(t, 5, source.polls)
	assert.Equal(t, 0, source.commits, "reading never commits")
	assert.Equal(t, []string{"poll"}, m.sourceErr)
	assert.Equal(t, []string{string(TransactionEventCreated)}, m.events)
}

// countingBackOff never pauses and counts how it is used.
type countingBackOff struct {
	resets int
	nexts  int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.nexts++
	return 0
}

func (b *countingBackOff) Reset() { b.resets++ }

func TestNextEvent_PausesWhileSourceFails(t *testing.T) {
	source := &scriptedSource{failWith: errors.New("connection refused")}
	m := &fakeMetrics{}
	stream := NewTransactionEventStream(source, nil,
		WithStreamMetrics(m),
		WithSourceRetry(backoff.NewConstantBackOff(20*time.Millisecond)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()

	event, err := stream.NextEvent(ctx)
	assert.Nil(t, event)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	polls := source.pollCount()
	assert.GreaterOrEqual(t, polls, 2)
	assert.LessOrEqual(t, polls, 7, "a failing source is polled once per pause")
	assert.Len(t, m.sourceErr, polls)
}

func TestNextEvent_DefaultRetryGrows(t *testing.T) {
	source := &scriptedSource{failWith: errors.New("connection refused")}
	stream := NewTransactionEventStream(source, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	_, err := stream.NextEvent(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.LessOrEqual(t, source.pollCount(), 5)
}

func TestNextEvent_RetryResetsAfterPoll(t *testing.T) {
	source := &scriptedSource{results: []pollResult{
		{err: errors.New("leader not available")},
		{err: errors.New("leader not available")},
		{data: []byte(createdPayload)},
	}}
	retry := &countingBackOff{}
	stream := NewTransactionEventStream(source, nil, WithSourceRetry(retry))
	require.Equal(t, 1, retry.resets)

	event, err := stream.NextEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, 2, retry.nexts)
	assert.Equal(t, 2, retry.resets)
}

func TestNextEvent_RetryGivesUp(t *testing.T) {
	cause := errors.New("authorization failed")
	source := &scriptedSource{failWith: cause}
	stream := NewTransactionEventStream(source, nil, WithSourceRetry(&backoff.StopBackOff{}))

	_, err := stream.NextEvent(context.Background())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, source.pollCount())
}

func TestNextEvent_SourceClosed(t *testing.T) {
	source := &scriptedSource{failWith: fmt.Errorf("broker: %w", ErrSourceClosed)}
	m := &fakeMetrics{}
	stream := NewTransactionEventStream(source, nil, WithStreamMetrics(m))

	event, err := stream.NextEvent(context.Background())
	assert.Nil(t, event)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, err, ErrSourceClosed)
	assert.Equal(t, 1, source.pollCount())
	assert.Empty(t, m.sourceErr)
}

func TestNextEvent_CloseDuringPause(t *testing.T) {
	source := &scriptedSource{failWith: errors.New("connection refused")}
	stream := NewTransactionEventStream(source, nil, WithSourceRetry(backoff.NewConstantBackOff(time.Minute)))

	done := make(chan error, 1)
	go func() {
		_, err := stream.NextEvent(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("NextEvent did not return after Close")
	}
}

func TestNextEvent_MalformedMessage(t *testing.T) {
	source := &scriptedSource{results: []pollResult{{data: []byte(`{not json`)}}}
	stream := NewTransactionEventStream(source, nil)

	event, err := stream.NextEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, TransactionEventUnknown, event.Type)
	assert.Nil(t, event.Transaction)
}

func TestNextEvent_EmptyMessage(t *testing.T) {
	source := &scriptedSource{results: []pollResult{{data: []byte{}}}}
	stream := NewTransactionEventStream(source, nil)

	event, err := stream.NextEvent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestNextEvent_Cancelled(t *testing.T) {
	source := &scriptedSource{}
	stream := NewTransactionEventStream(source, nil, WithPollTimeout(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	event, err := stream.NextEvent(ctx)
	assert.Nil(t, event)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, source.polls, 1)
}

func TestNextEvent_AfterClose(t *testing.T) {
	source := &scriptedSource{results: []pollResult{{data: []byte(createdPayload)}}}
	stream := NewTransactionEventStream(source, nil)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.True(t, source.closed)

	_, err := stream.NextEvent(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, 0, source.polls)
}

func TestNextEvent_CloseWhileWaiting(t *testing.T) {
	source := &scriptedSource{}
	stream := NewTransactionEventStream(source, nil, WithPollTimeout(5*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := stream.NextEvent(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("NextEvent did not return after Close")
	}
}

func TestCommit(t *testing.T) {
	source := &scriptedSource{}
	m := &fakeMetrics{}
	stream := NewTransactionEventStream(source, nil, WithStreamMetrics(m))

	require.NoError(t, stream.Commit(context.Background()))
	assert.Equal(t, 1, source.commits)

	source.commitErr = errors.New("coordinator not available")
	err := stream.Commit(context.Background())
	assert.ErrorIs(t, err, source.commitErr)
	assert.Equal(t, []error{nil, source.commitErr}, m.commits)
}

func TestClientTransactionEventStream(t *testing.T) {
	m := &fakeMetrics{}
	c := New(Config{Metrics: m}, nil)
	source := &scriptedSource{results: []pollResult{{data: []byte(createdPayload)}}}

	stream := c.TransactionEventStream(source)
	defer stream.Close()

	_, err := stream.NextEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{string(TransactionEventCreated)}, m.events)
}
