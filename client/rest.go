package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// authHeader carries the service account token on every request.
const authHeader = "X-Auth-Token"

// RestClient executes requests against one Vault API base URL and decodes
// JSON responses.
type RestClient struct {
	baseURL      string
	http         *resty.Client
	logger       *slog.Logger
	metrics      Metrics
	newRequestID func() string
}

// NewRestClient creates a request executor for baseURL authenticated with
// authToken. A nil httpClient gets a 30s timeout; a nil logger discards.
func NewRestClient(baseURL, authToken string, httpClient *http.Client, logger *slog.Logger) *RestClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	baseURL = strings.TrimRight(baseURL, "/")
	rc := resty.NewWithClient(httpClient).
		SetBaseURL(baseURL).
		SetHeader(authHeader, authToken).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger: logger})

	return &RestClient{
		baseURL:      baseURL,
		http:         rc,
		logger:       logger,
		metrics:      nopMetrics{},
		newRequestID: func() string { return uuid.NewString() },
	}
}

// WithMetrics sets the recorder used for request metrics.
func (c *RestClient) WithMetrics(m Metrics) *RestClient {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Get performs a GET request with the given query parameters and decodes the
// response into out (which may be nil).
func (c *RestClient) Get(ctx context.Context, path string, params url.Values, out any) error {
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}
	return c.do(req, http.MethodGet, path, out)
}

// Post performs a POST request. A fresh request_id is added to body.
func (c *RestClient) Post(ctx context.Context, path string, body map[string]any, out any) error {
	req := c.http.R().SetContext(ctx).SetBody(c.withRequestID(body))
	return c.do(req, http.MethodPost, path, out)
}

// Put performs a PUT request. A fresh request_id is added to body.
func (c *RestClient) Put(ctx context.Context, path string, body map[string]any, out any) error {
	req := c.http.R().SetContext(ctx).SetBody(c.withRequestID(body))
	return c.do(req, http.MethodPut, path, out)
}

// withRequestID copies body and sets the idempotency id Vault expects on
// every mutating request.
func (c *RestClient) withRequestID(body map[string]any) map[string]any {
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["request_id"] = c.newRequestID()
	return payload
}

func (c *RestClient) do(req *resty.Request, method, path string, out any) error {
	start := time.Now()
	fullURL := c.baseURL + path

	resp, err := req.Execute(method, path)
	duration := time.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordRequest(method, path, 0, duration)
		c.logger.Warn("vault request failed", "method", method, "url", fullURL, "error", err)
		return &TransportError{URL: fullURL, Message: err.Error(), err: err}
	}

	c.metrics.RecordRequest(method, path, resp.StatusCode(), duration)
	c.logger.Debug("vault request",
		"method", method,
		"url", fullURL,
		"status", resp.StatusCode(),
		"duration", duration,
	)

	if !resp.IsSuccess() {
		return newTransportError(fullURL, resp.StatusCode(), resp.Body())
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", fullURL, err)
	}
	return nil
}

// restyLogger routes resty's internal warnings through slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "resty")
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "resty")
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "resty")
}
