package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	status int
}

type fakeMetrics struct {
	mu        sync.Mutex
	requests  []recordedRequest
	waits     []string
	events    []string
	commits   []error
	sourceErr []string
}

func (m *fakeMetrics) RecordRequest(method, path string, statusCode int, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, path, statusCode})
}

func (m *fakeMetrics) RecordListWait(outcome string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, outcome)
}

func (m *fakeMetrics) RecordStreamEvent(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *fakeMetrics) RecordStreamCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, err)
}

func (m *fakeMetrics) RecordStreamSourceError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceErr = append(m.sourceErr, kind)
}

func newTestAPI(t *testing.T, handler http.HandlerFunc) (*TransactionsAPI, *fakeMetrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	m := &fakeMetrics{}
	rc := NewRestClient(server.URL, "secret", nil, nil).WithMetrics(m)
	return NewTransactionsAPI(rc, nil).WithMetrics(m), m
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestListTransactions(t *testing.T) {
	api, m := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/transactions", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Auth-Token"))
		assert.Equal(t, "100", r.URL.Query().Get("page_size"))
		assert.Equal(t, []string{"acc-1"}, r.URL.Query()["account_ids"])
		assert.Empty(t, r.URL.Query().Get("page_token"))

		writeJSON(t, w, map[string]any{
			"transactions": []map[string]any{
				{"id": "t1", "account_id": "acc-1", "status": "TRANSACTION_STATUS_COMPLETED"},
				{"id": "t2", "account_id": "acc-1"},
			},
		})
	})

	page, err := api.ListTransactions(context.Background(), TransactionFilter{AccountIDs: []string{"acc-1"}})
	require.NoError(t, err)
	require.Equal(t, 2, page.Len())
	assert.False(t, page.HasNextPage())
	assert.Equal(t, "t1", page.Transactions[0].ID)
	assert.Equal(t, TransactionStatusUnknown, page.Transactions[1].Status)
	assert.Equal(t, []recordedRequest{{http.MethodGet, "/v1/transactions", http.StatusOK}}, m.requests)
}

func TestListTransactions_EmptyResponse(t *testing.T) {
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	page, err := api.ListTransactions(context.Background(), TransactionFilter{AccountIDs: []string{"acc-1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Len())
	assert.NotNil(t, page.Transactions)
	assert.False(t, page.HasNextPage())
}

func TestPagination(t *testing.T) {
	var calls int
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		assert.Equal(t, []string{"acc-1"}, q["account_ids"], "every page repeats the original filter")

		switch q.Get("page_token") {
		case "":
			writeJSON(t, w, map[string]any{
				"transactions":    []map[string]any{{"id": "t1"}, {"id": "t2"}},
				"next_page_token": "cursor-2",
			})
		case "cursor-2":
			writeJSON(t, w, map[string]any{
				"transactions":    []map[string]any{{"id": "t3"}},
				"next_page_token": "cursor-3",
			})
		case "cursor-3":
			writeJSON(t, w, map[string]any{"transactions": []map[string]any{}})
		default:
			t.Errorf("unexpected page token %q", q.Get("page_token"))
		}
	})

	filter := TransactionFilter{AccountIDs: []string{"acc-1"}}
	page, err := api.ListTransactions(context.Background(), filter)
	require.NoError(t, err)

	// Changing the caller's filter must not leak into later pages.
	filter.AccountIDs[0] = "acc-other"

	require.True(t, page.HasNextPage())
	second, err := page.NextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t3", second.Transactions[0].ID)
	assert.Equal(t, []string{"acc-1"}, second.Filter().AccountIDs)

	third, err := second.NextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Len())
	assert.False(t, third.HasNextPage())

	// Without a cursor NextPage makes no call.
	before := calls
	last, err := third.NextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, last.Len())
	assert.False(t, last.HasNextPage())
	assert.Equal(t, before, calls)
}

func TestPageAll(t *testing.T) {
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page_token") {
		case "":
			writeJSON(t, w, map[string]any{
				"transactions":    []map[string]any{{"id": "t1"}, {"id": "t2"}},
				"next_page_token": "next",
			})
		default:
			writeJSON(t, w, map[string]any{"transactions": []map[string]any{{"id": "t3"}}})
		}
	})

	page, err := api.ListTransactions(context.Background(), TransactionFilter{PayeeIDs: []string{"p"}})
	require.NoError(t, err)

	all, err := page.Collect(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, txn := range all {
		ids[i] = txn.ID
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	// Stopping early does not fetch further pages.
	var first []string
	for txn, err := range page.All(context.Background()) {
		require.NoError(t, err)
		first = append(first, txn.ID)
		break
	}
	assert.Equal(t, []string{"t1"}, first)
}

func TestPageAll_StopsOnError(t *testing.T) {
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_token") == "" {
			writeJSON(t, w, map[string]any{
				"transactions":    []map[string]any{{"id": "t1"}},
				"next_page_token": "next",
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	page, err := api.ListTransactions(context.Background(), TransactionFilter{PayeeIDs: []string{"p"}})
	require.NoError(t, err)

	all, err := page.Collect(context.Background())
	require.Error(t, err)
	assert.Len(t, all, 1)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
}

// fakeClock drives ListTransactionsWhenExists without real sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func withClock(api *TransactionsAPI) *fakeClock {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	api.now = clock.Now
	api.sleep = clock.Sleep
	return clock
}

func TestListTransactionsWhenExists_ImmediateHit(t *testing.T) {
	api, m := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{{"id": "t1"}}})
	})
	clock := withClock(api)

	page, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Len())
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, []string{"found"}, m.waits)
}

func TestListTransactionsWhenExists_FoundAfterPolls(t *testing.T) {
	var calls int
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Empty(t, r.URL.Query().Get("page_token"))
		if calls < 3 {
			writeJSON(t, w, map[string]any{"transactions": []map[string]any{}, "next_page_token": "ignored"})
			return
		}
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{{"id": "t1"}}})
	})
	clock := withClock(api)

	page, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}})
	require.NoError(t, err)
	assert.Equal(t, "t1", page.Transactions[0].ID)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval}, clock.sleeps)
}

func TestListTransactionsWhenExists_NotFound(t *testing.T) {
	var calls int
	api, m := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{}})
	})
	clock := withClock(api)

	_, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "cannot find any transactions for the list criteria used")

	// 5s budget at 0.5s: the poll at t=0 plus one after each of ten sleeps.
	assert.Equal(t, 11, calls)
	assert.Len(t, clock.sleeps, 10)
	assert.Equal(t, []string{"not_found"}, m.waits)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 11, nf.Polls)
}

func TestListTransactionsWhenExists_IntervalBeyondDeadline(t *testing.T) {
	var calls int
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{}})
	})
	clock := withClock(api)

	_, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}},
		WithMaxWait(time.Second),
		WithPollInterval(2*time.Second),
	)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.sleeps)
}

func TestListTransactionsWhenExists_ZeroWait(t *testing.T) {
	var calls int
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{}})
	})
	withClock(api)

	_, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}},
		WithMaxWait(0),
	)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, calls)
}

func TestListTransactionsWhenExists_NonPositiveOptions(t *testing.T) {
	var calls int
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{}})
	})
	clock := withClock(api)

	_, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}},
		WithMaxWait(time.Second),
		WithPollInterval(0),
	)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval}, clock.sleeps)

	calls = 0
	clock.sleeps = nil
	_, err = api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}},
		WithMaxWait(-time.Second),
		WithPollInterval(-time.Millisecond),
	)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.sleeps)
}

func TestListTransactionsWhenExists_TransportErrorNotRetried(t *testing.T) {
	var calls int
	api, m := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream unavailable"))
	})
	withClock(api)

	_, err := api.ListTransactionsWhenExists(context.Background(), TransactionFilter{PaymentOrderIDs: []string{"po"}})
	require.Error(t, err)
	assert.False(t, IsNotFound(err))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, "upstream unavailable", string(te.RawBody))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"error"}, m.waits)
}

func TestListTransactionsWhenExists_Cancelled(t *testing.T) {
	api, m := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{}})
	})

	ctx, cancel := context.WithCancel(context.Background())
	api.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := api.ListTransactionsWhenExists(ctx, TransactionFilter{PaymentOrderIDs: []string{"po"}})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"cancelled"}, m.waits)
}

func TestBatchGetTransactions(t *testing.T) {
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions:batchGet", r.URL.Path)
		assert.Equal(t, []string{"t1", "t2"}, r.URL.Query()["ids"])
		writeJSON(t, w, map[string]any{
			"transactions": map[string]any{
				"t1": map[string]any{"id": "t1", "account_id": "acc-1"},
			},
		})
	})

	got, err := api.BatchGetTransactions(context.Background(), []string{"t1", "t2"})
	require.NoError(t, err)
	require.Contains(t, got, "t1")
	assert.NotContains(t, got, "t2")
	assert.Equal(t, "acc-1", got["t1"].AccountID)
}

func TestCreateTransaction(t *testing.T) {
	api, m := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transactions", r.URL.Path)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["request_id"])

		txn, ok := body["transaction"].(map[string]any)
		if !assert.True(t, ok) {
			return
		}
		assert.Equal(t, "acc-1", txn["account_id"])
		assert.Equal(t, false, txn["is_credit"])
		assert.Equal(t, "2024-06-01T12:00:00.000000Z", txn["value_timestamp"])
		assert.Equal(t, []any{"pib-1"}, txn["posting_instruction_batch_ids"])
		assert.NotContains(t, txn, "reference")
		assert.NotContains(t, txn, "status")

		writeJSON(t, w, map[string]any{
			"id":              "t-new",
			"account_id":      "acc-1",
			"status":          "TRANSACTION_STATUS_PENDING",
			"value_timestamp": "2024-06-01T12:00:00.000000Z",
		})
	})

	debit := false
	value := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	created, err := api.CreateTransaction(context.Background(), NewTransaction{
		AccountID:                  "acc-1",
		IsCredit:                   &debit,
		ValueTimestamp:             &value,
		PostingInstructionBatchIDs: []string{"pib-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-new", created.ID)
	assert.Equal(t, TransactionStatusPending, created.Status)
	require.NotNil(t, created.ValueTimestamp)
	assert.True(t, value.Equal(*created.ValueTimestamp))
	assert.Equal(t, http.MethodPost, m.requests[0].method)
}

func TestRequestIDIsFreshPerRequest(t *testing.T) {
	var ids []string
	api, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		id, _ := body["request_id"].(string)
		ids = append(ids, id)
		writeJSON(t, w, map[string]any{"id": "t"})
	})

	for range 2 {
		_, err := api.CreateTransaction(context.Background(), NewTransaction{AccountID: "acc-1"})
		require.NoError(t, err)
	}
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestClientTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Auth-Token"))
		writeJSON(t, w, map[string]any{"transactions": []map[string]any{{"id": "t1"}}})
	}))
	defer server.Close()

	m := &fakeMetrics{}
	c := New(Config{XPLAPIURL: server.URL + "/", ServiceAccountToken: "token", Metrics: m}, nil)

	page, err := c.Transactions().ListTransactions(context.Background(), TransactionFilter{AccountIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Len())
	require.Len(t, m.requests, 1)
	assert.Equal(t, "/v1/transactions", m.requests[0].path)
}
