package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransportError is returned when a call to the Vault API does not succeed.
// StatusCode is 0 when no HTTP response was received at all.
type TransportError struct {
	StatusCode     int
	URL            string
	VaultErrorCode string
	TracingID      string
	Message        string
	RawBody        []byte

	err error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request to url <%s> failed: %s", e.URL, e.Message)
	}
	if e.VaultErrorCode == "" && e.TracingID == "" && e.Message == "" {
		return fmt.Sprintf("request to url <%s> failed with HTTP code <%d>, body: %s", e.URL, e.StatusCode, string(e.RawBody))
	}
	return fmt.Sprintf(
		"request to url <%s> failed with HTTP code <%d>, vault error code: <%s>, tracing id: <%s>, message: <%s>",
		e.URL, e.StatusCode, e.VaultErrorCode, e.TracingID, e.Message,
	)
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// newTransportError builds a TransportError from a non-2xx response. The
// diagnostic fields are only filled when the body is a JSON object.
func newTransportError(url string, status int, body []byte) *TransportError {
	te := &TransportError{
		StatusCode: status,
		URL:        url,
		RawBody:    body,
	}

	var errResp struct {
		VaultErrorCode json.RawMessage `json:"vault_error_code"`
		TracingID      json.RawMessage `json:"tracing_id"`
		Message        json.RawMessage `json:"message"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return te
	}
	if err := json.Unmarshal(trimmed, &errResp); err != nil {
		return te
	}

	te.VaultErrorCode = rawString(errResp.VaultErrorCode)
	te.TracingID = rawString(errResp.TracingID)
	te.Message = rawString(errResp.Message)
	return te
}

// rawString renders a JSON scalar as plain text: strings are unquoted,
// numbers are kept as written, null becomes empty.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// NotFoundError is returned by ListTransactionsWhenExists when no transaction
// matched the filter before the wait deadline. It means "no data yet", not a
// failed call.
type NotFoundError struct {
	MaxWait time.Duration
	Polls   int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cannot find any transactions for the list criteria used (waited %s, %d polls)", e.MaxWait, e.Polls)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

var (
	// ErrPartitionEOF is returned by a MessageSource when a partition has no
	// more data for now. Consumers keep waiting.
	ErrPartitionEOF = errors.New("reached end of partition")

	// ErrStreamClosed is returned by NextEvent after Close, or once the
	// underlying source reports ErrSourceClosed.
	ErrStreamClosed = errors.New("transaction event stream closed")

	// ErrSourceClosed is wrapped by a MessageSource whose connection or log
	// is gone for good. Polling it again cannot succeed.
	ErrSourceClosed = errors.New("message source closed")

	// ErrPaymentNotFound is returned by GetPayment for an unknown id.
	ErrPaymentNotFound = errors.New("payment not found")
)
