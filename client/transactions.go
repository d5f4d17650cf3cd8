package client

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

const (
	// ListPageSize is the number of transactions requested per page.
	ListPageSize = 100

	// DefaultMaxWait is how long ListTransactionsWhenExists waits in total.
	DefaultMaxWait = 5 * time.Second

	// DefaultPollInterval is the pause between polls in ListTransactionsWhenExists.
	DefaultPollInterval = 500 * time.Millisecond
)

const (
	transactionsPath         = "/v1/transactions"
	batchGetTransactionsPath = "/v1/transactions:batchGet"
)

// Requester is the request executor the Vault APIs run on. *RestClient
// implements it.
type Requester interface {
	Get(ctx context.Context, path string, params url.Values, out any) error
	Post(ctx context.Context, path string, body map[string]any, out any) error
	Put(ctx context.Context, path string, body map[string]any, out any) error
}

// TransactionsAPI queries and creates transactions. Calls for different
// filters are safe to issue concurrently.
type TransactionsAPI struct {
	requester Requester
	logger    *slog.Logger
	metrics   Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransactionsAPI creates a TransactionsAPI. A nil logger discards.
func NewTransactionsAPI(requester Requester, logger *slog.Logger) *TransactionsAPI {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &TransactionsAPI{
		requester: requester,
		logger:    logger,
		metrics:   nopMetrics{},
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// WithMetrics sets the recorder used for wait metrics.
func (a *TransactionsAPI) WithMetrics(m Metrics) *TransactionsAPI {
	if m != nil {
		a.metrics = m
	}
	return a
}

// ListTransactions returns the first page (up to ListPageSize) of
// transactions matching filter, ordered by last update timestamp descending
// unless filter.OrderBy says otherwise. No match yields an empty page.
func (a *TransactionsAPI) ListTransactions(ctx context.Context, filter TransactionFilter) (*TransactionsPage, error) {
	return a.query(ctx, filter.Clone(), "")
}

type listTransactionsResponse struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token"`
}

// query issues one list request. filter must already be owned by the caller
// (cloned) since it is bound to the returned page.
func (a *TransactionsAPI) query(ctx context.Context, filter TransactionFilter, pageToken string) (*TransactionsPage, error) {
	params := filter.Params()
	params.Set("page_size", strconv.Itoa(ListPageSize))
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}

	var resp listTransactionsResponse
	if err := a.requester.Get(ctx, transactionsPath, params, &resp); err != nil {
		return nil, err
	}
	if resp.Transactions == nil {
		resp.Transactions = []Transaction{}
	}

	return &TransactionsPage{
		Transactions:  resp.Transactions,
		NextPageToken: resp.NextPageToken,
		filter:        filter,
		api:           a,
	}, nil
}

// WaitOption configures ListTransactionsWhenExists.
type WaitOption func(*waitOptions)

type waitOptions struct {
	maxWait      time.Duration
	pollInterval time.Duration
}

// WithMaxWait sets the total time to wait for a non-empty result. A negative
// wait is treated as zero: a single poll.
func WithMaxWait(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.maxWait = max(d, 0) }
}

// WithPollInterval sets the pause between polls. Values <= 0 keep
// DefaultPollInterval.
func WithPollInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// ListTransactionsWhenExists behaves like ListTransactions but, while the
// first page is empty, polls again until one is non-empty or the wait is
// exhausted, in which case it returns a *NotFoundError. A poll is only
// scheduled if the sleep before it still ends by the deadline. Every poll
// re-runs the first page of the same filter. Errors from the API are returned
// immediately and are not retried.
//
// Use this right after creating a payment: the resulting transaction is
// written asynchronously and may not be listable yet.
func (a *TransactionsAPI) ListTransactionsWhenExists(ctx context.Context, filter TransactionFilter, opts ...WaitOption) (*TransactionsPage, error) {
	o := waitOptions{
		maxWait:      DefaultMaxWait,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	filter = filter.Clone()
	deadline := a.now().Add(o.maxWait)
	polls := 0

	for {
		page, err := a.query(ctx, filter, "")
		if err != nil {
			a.metrics.RecordListWait("error", polls+1)
			return nil, err
		}
		polls++

		if page.Len() > 0 {
			a.metrics.RecordListWait("found", polls)
			return page, nil
		}

		if a.now().Add(o.pollInterval).After(deadline) {
			a.logger.Debug("failed to find any transactions after waiting",
				"max_wait", o.maxWait,
				"polls", polls,
			)
			a.metrics.RecordListWait("not_found", polls)
			return nil, &NotFoundError{MaxWait: o.maxWait, Polls: polls}
		}

		a.logger.Debug("cannot find any transactions, retrying",
			"poll", polls,
			"poll_interval", o.pollInterval,
		)
		if err := a.sleep(ctx, o.pollInterval); err != nil {
			a.metrics.RecordListWait("cancelled", polls)
			return nil, err
		}
	}
}

// BatchGetTransactions fetches transactions by id. The result is keyed by id;
// ids unknown to the server are absent.
func (a *TransactionsAPI) BatchGetTransactions(ctx context.Context, ids []string) (map[string]Transaction, error) {
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids", id)
	}

	var resp struct {
		Transactions map[string]Transaction `json:"transactions"`
	}
	if err := a.requester.Get(ctx, batchGetTransactionsPath, params, &resp); err != nil {
		return nil, err
	}
	if resp.Transactions == nil {
		resp.Transactions = map[string]Transaction{}
	}
	return resp.Transactions, nil
}

// NewTransaction holds the fields for CreateTransaction. Zero values are
// omitted from the request.
type NewTransaction struct {
	ID                         string
	AccountID                  string
	ChargeAmount               *ChargeAmount
	IsCredit                   *bool
	Reference                  string
	Status                     TransactionStatus
	ValueTimestamp             *time.Time
	BookingTimestamp           *time.Time
	PayeeID                    string
	PaymentOrderID             string
	PostingInstructionBatchIDs []string
	RejectionCode              TransactionRejectionCode
}

func (n NewTransaction) body() map[string]any {
	txn := map[string]any{}
	if n.ID != "" {
		txn["id"] = n.ID
	}
	if n.AccountID != "" {
		txn["account_id"] = n.AccountID
	}
	if n.ChargeAmount != nil {
		txn["charge_amount"] = map[string]any{
			"asset":        string(n.ChargeAmount.Asset),
			"value":        n.ChargeAmount.Value,
			"denomination": n.ChargeAmount.Denomination,
		}
	}
	if n.IsCredit != nil {
		txn["is_credit"] = *n.IsCredit
	}
	if n.Reference != "" {
		txn["reference"] = n.Reference
	}
	if n.Status != "" {
		txn["status"] = string(n.Status)
	}
	if n.ValueTimestamp != nil {
		txn["value_timestamp"] = FormatTimestamp(*n.ValueTimestamp)
	}
	if n.BookingTimestamp != nil {
		txn["booking_timestamp"] = FormatTimestamp(*n.BookingTimestamp)
	}
	if n.PayeeID != "" {
		txn["payee_id"] = n.PayeeID
	}
	if n.PaymentOrderID != "" {
		txn["payment_order_id"] = n.PaymentOrderID
	}
	if n.PostingInstructionBatchIDs != nil {
		txn["posting_instruction_batch_ids"] = n.PostingInstructionBatchIDs
	}
	if n.RejectionCode != "" {
		txn["rejection_code"] = string(n.RejectionCode)
	}
	return map[string]any{"transaction": txn}
}

// CreateTransaction creates a transaction and returns it as stored.
func (a *TransactionsAPI) CreateTransaction(ctx context.Context, n NewTransaction) (*Transaction, error) {
	var created Transaction
	if err := a.requester.Post(ctx, transactionsPath, n.body(), &created); err != nil {
		return nil, err
	}
	a.logger.Debug("transaction created", "id", created.ID, "account_id", created.AccountID)
	return &created, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
