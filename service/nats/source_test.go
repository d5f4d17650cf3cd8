package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	jetstream.Msg

	data       []byte
	numPending uint64
	ackErr     error

	mu    sync.Mutex
	acked bool
	naked bool
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumPending: m.numPending}, nil
}

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ackErr != nil {
		return m.ackErr
	}
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *fakeMsg) isNaked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.naked
}

func (m *fakeMsg) isAcked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

type fakeBatch struct {
	msgs chan jetstream.Msg
	err  error
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg { return b.msgs }
func (b *fakeBatch) Error() error                   { return b.err }

func batchOf(msgs ...*fakeMsg) *fakeBatch {
	ch := make(chan jetstream.Msg, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeBatch{msgs: ch}
}

// fakeConsumer hands out one queued result per Fetch.
type fakeConsumer struct {
	mu      sync.Mutex
	results []fetchResult
	fetches int
}

type fetchResult struct {
	batch jetstream.MessageBatch
	err   error
}

func (c *fakeConsumer) push(batch jetstream.MessageBatch, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, fetchResult{batch, err})
}

func (c *fakeConsumer) Fetch(batch int, _ ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if len(c.results) == 0 {
		return batchOf(), nil
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r.batch, r.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSource_PollAndCommit(t *testing.T) {
	cons := &fakeConsumer{}
	m1 := &fakeMsg{data: []byte("a"), numPending: 1}
	m2 := &fakeMsg{data: []byte("b"), numPending: 5}
	cons.push(batchOf(m1), nil)
	cons.push(batchOf(m2), nil)

	s := newSource(cons, discardLogger())
	defer s.Close()
	ctx := context.Background()

	data, err := s.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	data, err = s.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	assert.False(t, m1.isAcked(), "poll must not acknowledge")
	assert.False(t, m2.isAcked(), "poll must not acknowledge")

	require.NoError(t, s.Commit(ctx))
	assert.True(t, m1.isAcked())
	assert.True(t, m2.isAcked())
}

func TestSource_PartitionEOFAfterLastPending(t *testing.T) {
	cons := &fakeConsumer{}
	cons.push(batchOf(&fakeMsg{data: []byte("last"), numPending: 0}), nil)

	s := newSource(cons, discardLogger())
	defer s.Close()
	ctx := context.Background()

	_, err := s.Poll(ctx, time.Second)
	require.NoError(t, err)

	_, err = s.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, client.ErrPartitionEOF)

	// Only reported once.
	data, err := s.Poll(ctx, time.Second)
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestSource_TimeoutIsNotAnError(t *testing.T) {
	cons := &fakeConsumer{}
	cons.push(nil, nats.ErrTimeout)
	cons.push(&fakeBatch{msgs: closedMsgs(), err: nats.ErrTimeout}, nil)

	s := newSource(cons, discardLogger())
	defer s.Close()

	for range 2 {
		data, err := s.Poll(context.Background(), time.Millisecond)
		assert.NoError(t, err)
		assert.Nil(t, data)
	}
}

func TestSource_FetchError(t *testing.T) {
	cons := &fakeConsumer{}
	connErr := errors.New("connection closed")
	cons.push(nil, connErr)

	s := newSource(cons, discardLogger())
	defer s.Close()

	_, err := s.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, connErr)
}

func TestSource_FailedAckStaysPending(t *testing.T) {
	cons := &fakeConsumer{}
	m := &fakeMsg{data: []byte("a"), numPending: 3, ackErr: errors.New("nats: timeout")}
	cons.push(batchOf(m), nil)

	s := newSource(cons, discardLogger())
	defer s.Close()
	ctx := context.Background()

	_, err := s.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.Error(t, s.Commit(ctx))

	m.mu.Lock()
	m.ackErr = nil
	m.mu.Unlock()

	require.NoError(t, s.Commit(ctx))
	assert.True(t, m.isAcked())
}

func TestSource_Closed(t *testing.T) {
	s := newSource(&fakeConsumer{}, discardLogger())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Commit(context.Background()), ErrClosed)
}

func TestSource_FeedsTransactionEventStream(t *testing.T) {
	cons := &fakeConsumer{}
	m := &fakeMsg{
		data:       []byte(`{"event_id":"e1","change_id":"3","transaction_updated":{"update_mask":{"paths":["status"]},"transaction":{"id":"t1","status":"TRANSACTION_STATUS_COMPLETED"}}}`),
		numPending: 2,
	}
	cons.push(batchOf(m), nil)

	stream := client.NewTransactionEventStream(newSource(cons, discardLogger()), discardLogger())
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event, err := stream.NextEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, client.TransactionEventUpdated, event.Type)
	assert.Equal(t, int64(3), event.ChangeID)
	assert.Equal(t, []string{"status"}, event.UpdateMask)

	require.NoError(t, stream.Commit(ctx))
	assert.True(t, m.isAcked())
}

func TestNewConsumerConfig(t *testing.T) {
	c, err := newConsumerConfig(SourceConfig{GroupID: "vault.sync", Topic: client.TransactionEventsTopic})
	require.NoError(t, err)
	assert.Equal(t, "vault_sync", c.Durable)
	assert.Equal(t, client.TransactionEventsTopic, c.FilterSubject)
	assert.Equal(t, jetstream.AckExplicitPolicy, c.AckPolicy)
	assert.Equal(t, jetstream.DeliverNewPolicy, c.DeliverPolicy)
	assert.Equal(t, DefaultAckWait, c.AckWait)

	c, err = newConsumerConfig(SourceConfig{GroupID: "g", Topic: "vault.x", OffsetReset: OffsetResetEarliest})
	require.NoError(t, err)
	assert.Equal(t, jetstream.DeliverAllPolicy, c.DeliverPolicy)

	_, err = newConsumerConfig(SourceConfig{GroupID: "g", Topic: "vault.x", OffsetReset: "beginning"})
	assert.Error(t, err)
}

func closedMsgs() chan jetstream.Msg {
	ch := make(chan jetstream.Msg)
	close(ch)
	return ch
}

func TestSource_CloseNaksUncommitted(t *testing.T) {
	cons := &fakeConsumer{}
	committed := &fakeMsg{data: []byte("a"), numPending: 2}
	held := &fakeMsg{data: []byte("b"), numPending: 1}
	cons.push(batchOf(committed), nil)
	cons.push(batchOf(held), nil)

	s := newSource(cons, discardLogger())
	ctx := context.Background()

	_, err := s.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	_, err = s.Poll(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.True(t, committed.isAcked())
	assert.False(t, committed.isNaked())
	assert.False(t, held.isAcked())
	assert.True(t, held.isNaked())
}

func TestSource_ConnectionClosed(t *testing.T) {
	cons := &fakeConsumer{}
	cons.push(nil, nats.ErrConnectionClosed)

	s := newSource(cons, discardLogger())
	defer s.Close()

	_, err := s.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, client.ErrSourceClosed)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}
