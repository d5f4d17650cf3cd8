package client

import (
	"io"
	"log/slog"
	"net/http"
)

// Config holds what the client needs to reach Vault.
type Config struct {
	// XPLAPIURL is the base URL of the API serving transactions.
	XPLAPIURL           string
	// CoreAPIURL serves accounts and customers.
	CoreAPIURL          string
	// PaymentsHubAPIURL serves payments.
	PaymentsHubAPIURL   string
	ServiceAccountToken string

	// HTTPClient is optional.
	HTTPClient *http.Client
	Metrics    Metrics
}

// Client is the entry point for talking to Vault.
type Client struct {
	transactions *TransactionsAPI
	accounts     *AccountsAPI
	customers    *CustomersAPI
	payments     *PaymentsAPI
	logger       *slog.Logger
	metrics      Metrics
}

// New creates a Client. A nil logger discards.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var m Metrics = nopMetrics{}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}

	xpl := NewRestClient(cfg.XPLAPIURL, cfg.ServiceAccountToken, cfg.HTTPClient, logger.With("api", "xpl")).
		WithMetrics(m)
	core := NewRestClient(cfg.CoreAPIURL, cfg.ServiceAccountToken, cfg.HTTPClient, logger.With("api", "core")).
		WithMetrics(m)
	paymentsHub := NewRestClient(cfg.PaymentsHubAPIURL, cfg.ServiceAccountToken, cfg.HTTPClient, logger.With("api", "payments_hub")).
		WithMetrics(m)

	return &Client{
		transactions: NewTransactionsAPI(xpl, logger).WithMetrics(m),
		accounts:     NewAccountsAPI(core, logger),
		customers:    NewCustomersAPI(core, logger),
		payments:     NewPaymentsAPI(paymentsHub, logger),
		logger:       logger,
		metrics:      m,
	}
}

// Transactions returns the transactions API.
func (c *Client) Transactions() *TransactionsAPI {
	return c.transactions
}

// Accounts returns the accounts API, served by the core API.
func (c *Client) Accounts() *AccountsAPI {
	return c.accounts
}

// Customers returns the customers API, served by the core API.
func (c *Client) Customers() *CustomersAPI {
	return c.customers
}

// Payments returns the payments API, served by the payments hub.
func (c *Client) Payments() *PaymentsAPI {
	return c.payments
}

// TransactionEventStream consumes transaction events from source, which must
// be subscribed to TransactionEventsTopic under the caller's consumer group.
func (c *Client) TransactionEventStream(source MessageSource, opts ...StreamOption) *TransactionEventStream {
	opts = append([]StreamOption{WithStreamMetrics(c.metrics)}, opts...)
	return NewTransactionEventStream(source, c.logger.With("component", "transaction_stream"), opts...)
}
