package projector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PremierFoxes/vault/client"
	"github.com/PremierFoxes/vault/service/memlog"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const group = "projector-test"

type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]int64
	calls    int
	failures int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]int64)}
}

func (s *fakeStore) ApplyEvent(_ context.Context, event *client.TransactionEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return false, s.err
	}

	id := event.Transaction.ID
	if current, ok := s.rows[id]; ok && current > event.ChangeID {
		return false, nil
	}
	s.rows[id] = event.ChangeID
	return true, nil
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func publish(t *testing.T, log *memlog.Log, events ...*client.TransactionEvent) {
	t.Helper()
	for _, e := range events {
		data, err := client.EncodeTransactionEvent(e)
		require.NoError(t, err)
		require.NoError(t, log.Send(context.Background(), client.TransactionEventsTopic, data))
	}
}

func created(id string) *client.TransactionEvent {
	return &client.TransactionEvent{
		EventID:     "created-" + id,
		Type:        client.TransactionEventCreated,
		Transaction: &client.Transaction{ID: id, AccountID: "acc-1", Status: client.TransactionStatusPending},
	}
}

func updated(id string, changeID int64) *client.TransactionEvent {
	return &client.TransactionEvent{
		EventID:     "updated-" + id,
		ChangeID:    changeID,
		Type:        client.TransactionEventUpdated,
		UpdateMask:  []string{"status"},
		Transaction: &client.Transaction{ID: id, AccountID: "acc-1", Status: client.TransactionStatusCompleted},
	}
}

func newStream(log *memlog.Log) *client.TransactionEventStream {
	return client.NewTransactionEventStream(
		log.NewConsumer(client.TransactionEventsTopic, group),
		nil,
		client.WithPollTimeout(10*time.Millisecond),
	)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// runUntil runs p until cond holds, then cancels it and returns Run's error.
func runUntil(t *testing.T, p *Projector, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("projector did not stop")
		return nil
	}
}

func TestProjector_AppliesAndCommits(t *testing.T) {
	log := memlog.New()
	publish(t, log, created("t1"), updated("t1", 1), created("t2"))
	require.NoError(t, log.Send(context.Background(), client.TransactionEventsTopic, []byte("not json")))

	stream := newStream(log)
	defer stream.Close()
	store := newFakeStore()

	p := New(stream, store, nil)
	err := runUntil(t, p, func() bool { return p.Stats().Skipped == 1 })
	require.NoError(t, err)

	assert.Equal(t, 2, store.len())
	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Applied)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(4), log.Committed(client.TransactionEventsTopic, group))
}

func TestProjector_StaleUpdateIsNotAnError(t *testing.T) {
	log := memlog.New()
	publish(t, log, updated("t1", 5), updated("t1", 3))

	stream := newStream(log)
	defer stream.Close()

	p := New(stream, newFakeStore(), nil)
	err := runUntil(t, p, func() bool { return p.Stats().Stale == 1 })
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stats().Applied)
}

func TestProjector_CommitsRemainderOnShutdown(t *testing.T) {
	log := memlog.New()
	publish(t, log, created("t1"), created("t2"), created("t3"))

	stream := newStream(log)
	defer stream.Close()

	p := New(stream, newFakeStore(), nil, WithCommitEvery(2))
	err := runUntil(t, p, func() bool { return p.Stats().Applied == 3 })
	require.NoError(t, err)

	assert.Equal(t, int64(3), log.Committed(client.TransactionEventsTopic, group))
	assert.Equal(t, int64(2), p.Stats().Commits)
}

func TestProjector_RetriesTransientFailure(t *testing.T) {
	log := memlog.New()
	publish(t, log, created("t1"))

	stream := newStream(log)
	defer stream.Close()
	store := newFakeStore()
	store.failures = 2
	store.err = errors.New("connection reset")

	p := New(stream, store, nil, WithBackOff(zeroBackOff), WithMaxRetries(3))
	err := runUntil(t, p, func() bool { return p.Stats().Applied == 1 })
	require.NoError(t, err)

	assert.Equal(t, 3, store.callCount())
	assert.Equal(t, int64(1), log.Committed(client.TransactionEventsTopic, group))
}

func TestProjector_PersistentFailureStopsWithoutCommit(t *testing.T) {
	log := memlog.New()
	publish(t, log, created("t1"), created("t2"))

	stream := newStream(log)
	store := newFakeStore()
	store.failures = -1
	store.err = errors.New("disk full")

	p := New(stream, store, nil, WithBackOff(zeroBackOff), WithMaxRetries(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)
	assert.Equal(t, 3, store.callCount())
	require.NoError(t, stream.Close())

	assert.Equal(t, int64(0), log.Committed(client.TransactionEventsTopic, group))

	// A restarted projector sees the failed event again.
	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()

	restarted := newStream(log)
	defer restarted.Close()
	p = New(restarted, store, nil)
	err = runUntil(t, p, func() bool { return p.Stats().Applied == 2 })
	require.NoError(t, err)
	assert.Equal(t, 2, store.len())
	assert.Equal(t, int64(2), log.Committed(client.TransactionEventsTopic, group))
}

func TestProjector_StreamClosed(t *testing.T) {
	log := memlog.New()
	stream := newStream(log)
	require.NoError(t, stream.Close())

	p := New(stream, newFakeStore(), nil)
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, client.ErrStreamClosed)
}

type recordedWrite struct {
	outcome string
}

type fakeMetrics struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (m *fakeMetrics) RecordProjectionWrite(outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, recordedWrite{outcome})
}

func TestProjector_RecordsMetrics(t *testing.T) {
	log := memlog.New()
	publish(t, log, created("t1"))
	require.NoError(t, log.Send(context.Background(), client.TransactionEventsTopic, []byte("{}")))

	stream := newStream(log)
	defer stream.Close()
	m := &fakeMetrics{}

	p := New(stream, newFakeStore(), nil, WithMetrics(m))
	err := runUntil(t, p, func() bool { return p.Stats().Skipped == 1 })
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []recordedWrite{{"applied"}, {"skipped"}}, m.writes)
}
