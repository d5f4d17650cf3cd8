package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportError(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  string
		wantTrace string
		wantMsg   string
		wantText  string
	}{
		{
			name:      "vault error body",
			body:      `{"vault_error_code": "NOT_FOUND", "tracing_id": "abc-123", "message": "no such account"}`,
			wantCode:  "NOT_FOUND",
			wantTrace: "abc-123",
			wantMsg:   "no such account",
			wantText:  "request to url <https://vault.test/v1/transactions> failed with HTTP code <404>, vault error code: <NOT_FOUND>, tracing id: <abc-123>, message: <no such account>",
		},
		{
			name:     "numeric error code kept as written",
			body:     `{"vault_error_code": 5, "message": "gone"}`,
			wantCode: "5",
			wantMsg:  "gone",
		},
		{
			name:     "plain text body",
			body:     `upstream connect error`,
			wantText: "request to url <https://vault.test/v1/transactions> failed with HTTP code <404>, body: upstream connect error",
		},
		{
			name:     "json array body",
			body:     `["not", "an", "object"]`,
			wantText: `request to url <https://vault.test/v1/transactions> failed with HTTP code <404>, body: ["not", "an", "object"]`,
		},
		{
			name:     "truncated json",
			body:     `{"vault_error_code": "NOT_`,
			wantText: `request to url <https://vault.test/v1/transactions> failed with HTTP code <404>, body: {"vault_error_code": "NOT_`,
		},
		{
			name: "empty body",
			body: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTransportError("https://vault.test/v1/transactions", http.StatusNotFound, []byte(tt.body))

			assert.Equal(t, http.StatusNotFound, te.StatusCode)
			assert.Equal(t, tt.wantCode, te.VaultErrorCode)
			assert.Equal(t, tt.wantTrace, te.TracingID)
			assert.Equal(t, tt.wantMsg, te.Message)
			assert.Equal(t, tt.body, string(te.RawBody))
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, te.Error())
			}
		})
	}
}

func TestTransportError_NoResponse(t *testing.T) {
	rc := NewRestClient("http://127.0.0.1:1", "token", nil, nil)

	err := rc.Get(context.Background(), "/v1/transactions", url.Values{}, nil)
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, te.StatusCode)
	assert.NotNil(t, te.Unwrap())
	assert.Contains(t, te.Error(), "request to url <http://127.0.0.1:1/v1/transactions> failed")
}

func TestTransportError_FromServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"vault_error_code": "ALREADY_EXISTS", "tracing_id": "t-9", "message": "duplicate request_id"}`))
	}))
	defer server.Close()

	rc := NewRestClient(server.URL, "token", nil, nil)
	err := rc.Post(context.Background(), "/v1/transactions", map[string]any{}, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusConflict, te.StatusCode)
	assert.Equal(t, "ALREADY_EXISTS", te.VaultErrorCode)
	assert.Equal(t, "t-9", te.TracingID)
	assert.Equal(t, "duplicate request_id", te.Message)
	assert.Equal(t, server.URL+"/v1/transactions", te.URL)
}

func TestIsNotFound(t *testing.T) {
	nf := &NotFoundError{Polls: 3}
	assert.True(t, IsNotFound(nf))
	assert.True(t, IsNotFound(errors.Join(errors.New("context"), nf)))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.False(t, IsNotFound(&TransportError{StatusCode: http.StatusNotFound}))
}
